package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"routerctl/internal/bootstrap"
	"routerctl/internal/cloudroute"
	"routerctl/internal/config"
	"routerctl/internal/diag"
	"routerctl/internal/doctor"
	"routerctl/internal/execx"
	"routerctl/internal/metadata"
	"routerctl/internal/policyroute"
	"routerctl/internal/report"
	"routerctl/internal/statusapi"
	"routerctl/internal/sysctl"
	"routerctl/internal/systemd"
)

const usage = `routerctl - VPC router instance bootstrap

Usage:
  routerctl up [--config <path>] [--dry-run]
  routerctl report [--config <path>] [--group <name>] [--zone <zone>] [--watch <interval>]
  routerctl doctor [--config <path>]
  routerctl version

Configuration comes from ROUTER_* environment variables; --config points at
an optional YAML file the environment overrides.
`

const version = "1.2.0"

// exitConfig distinguishes a bad environment from any provisioning step
// failure (codes 1-9).
const exitConfig = 78

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch cmd := os.Args[1]; cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "up":
		handleUp(os.Args[2:])
	case "report":
		handleReport(os.Args[2:])
	case "doctor":
		handleDoctor(os.Args[2:])
	case "version":
		fmt.Println("routerctl " + version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", "", "path to optional YAML config")
	dryRun := fs.Bool("dry-run", false, "validate configuration and print the plan only")
	verbose := fs.Bool("verbose", false, "debug logging")
	_ = fs.Parse(args)

	cfg := mustConfig(*configPath)
	log := newLogger(*verbose)

	if *dryRun {
		fmt.Printf("core: project=%s network=%s cidrs=%v\n", cfg.CoreProject, cfg.CoreNetwork, cfg.CoreCIDRs)
		fmt.Printf("app:  project=%s network=%s cidrs=%v subnet=%s\n", cfg.AppProject, cfg.AppNetwork, cfg.AppCIDRs, cfg.AppSubnetCIDR)
		fmt.Println("steps: sysctl, policy-routing, stale-routes, status-endpoint, route-programming, auxiliary")
		return
	}

	ctx, cancel := signalContext()
	defer cancel()

	sd, err := systemd.Connect(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(bootstrap.CodeSysctl)
	}
	defer sd.Close()

	gce, err := cloudroute.NewGCE(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(bootstrap.CodeStaleRoutes)
	}

	runner := execx.NewOSRunner(log)
	routes := cloudroute.New(gce, cfg.WorkerLimit, log)

	status := statusapi.New(runner, sd, log)
	status.ProbeURL = cfg.ProbeURL
	status.WaitTimeout = *cfg.NetworkWaitTimeout
	status.DocRoot = cfg.StatusDocRoot

	deps := bootstrap.Deps{
		Cfg:    cfg,
		Meta:   metadata.NewClient(),
		Sysctl: sysctl.New(sd, log),
		Policy: policyroute.New(policyroute.Kernel(), cfg.RouteTableID, cfg.RouteTableName, log),
		Prune:  routes,
		Routes: routes,
		Status: status,
		Aux:    diag.New(runner, sd, log),
	}

	if serr := bootstrap.Run(ctx, log, bootstrap.Steps(deps)); serr != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed at %s: %v\n", serr.Step, serr.Err)
		os.Exit(serr.Code)
	}
	log.Info("bootstrap complete")
}

func handleReport(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	configPath := fs.String("config", "", "path to optional YAML config")
	group := fs.String("group", "", "instance group name (discovered by pattern when empty)")
	zone := fs.String("zone", "", "zone (defaults to this instance's zone)")
	watch := fs.Duration("watch", 0, "repeat on an interval, e.g. 30s")
	_ = fs.Parse(args)

	cfg := mustConfig(*configPath)

	ctx, cancel := signalContext()
	defer cancel()

	if *zone == "" {
		inst, err := metadata.NewClient().Instance(ctx)
		if err != nil {
			fatal(fmt.Errorf("zone not given and metadata unavailable: %w", err))
		}
		*zone = inst.Zone
	}

	api, err := report.NewGCE(ctx)
	if err != nil {
		fatal(err)
	}
	r := report.New(api, os.Stdout)

	for {
		if err := r.Report(ctx, cfg.AppProject, *zone, *group, cfg.GroupPattern); err != nil {
			fatal(err)
		}
		if *watch <= 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(*watch):
		}
	}
}

func handleDoctor(args []string) {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "path to optional YAML config")
	_ = fs.Parse(args)

	cfg := mustConfig(*configPath)

	ctx, cancel := signalContext()
	defer cancel()

	pr := policyroute.New(policyroute.Kernel(), cfg.RouteTableID, cfg.RouteTableName, nil)
	checks := doctor.Run(ctx, doctor.Options{
		TablesPath:      pr.TablesPath,
		TableName:       cfg.RouteTableName,
		StatusPath:      filepath.Join(cfg.StatusDocRoot, statusapi.StatusFile),
		ProbeURL:        cfg.ProbeURL,
		STUNServers:     cfg.STUNServers,
		HasDefaultRoute: pr.HasDefaultRoute,
	})

	for _, c := range checks {
		mark := "ok  "
		if !c.OK {
			mark = "FAIL"
		}
		fmt.Printf("%s %s: %s\n", mark, c.Name, c.Detail)
	}
	if !doctor.Healthy(checks) {
		os.Exit(1)
	}
}

// mustConfig loads and validates configuration, exiting before any system
// mutation when the environment is incomplete.
func mustConfig(path string) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfig)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfig)
	}
	return cfg
}

func newLogger(verbose bool) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
