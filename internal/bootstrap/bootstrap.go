package bootstrap

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"routerctl/internal/cloudroute"
	"routerctl/internal/config"
	"routerctl/internal/metadata"
)

// Process exit codes, one per fatal step. They are part of the operational
// contract: monitoring tells steps apart by code alone.
const (
	CodeSysctl        = 1
	CodeStatusAPI     = 2
	CodePolicyRouting = 3
	CodeStaleRoutes   = 4
	CodeRouteProgram  = 9
)

// StepError carries the failing step's name and exit code to main.
type StepError struct {
	Step string
	Code int
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Step is one link of the provisioning chain. A non-fatal step logs its
// failure and lets the chain continue.
type Step struct {
	Name  string
	Code  int
	Fatal bool
	Run   func(ctx context.Context) error
}

// Collaborators for each step, injectable for tests.
type (
	SysctlStep interface {
		Apply(ctx context.Context) error
	}
	PolicyStep interface {
		Apply(nic metadata.NIC, appSubnetCIDR string, appCIDRs []string) error
	}
	Pruner interface {
		PruneStale(ctx context.Context, inst metadata.Instance, projects ...string) error
	}
	Programmer interface {
		Program(ctx context.Context, inst metadata.Instance, nic0 metadata.NIC, spec cloudroute.Spec) error
	}
	StatusStep interface {
		Run(ctx context.Context) error
	}
	AuxStep interface {
		Install(ctx context.Context) error
	}
)

// Deps wires the six steps. Meta is shared so the metadata service is read
// once and each step sees the same immutable identity.
type Deps struct {
	Cfg    config.Config
	Meta   metadata.Source
	Sysctl SysctlStep
	Policy PolicyStep
	Prune  Pruner
	Routes Programmer
	Status StatusStep
	Aux    AuxStep
}

// Steps builds the canonical sequence. Order matters: stale routes must go
// before new ones are programmed, and the status endpoint comes up before
// traffic is steered at this instance.
func Steps(d Deps) []Step {
	return []Step{
		{Name: "sysctl", Code: CodeSysctl, Fatal: true, Run: d.Sysctl.Apply},
		{Name: "policy-routing", Code: CodePolicyRouting, Fatal: true, Run: func(ctx context.Context) error {
			inst, err := d.Meta.Instance(ctx)
			if err != nil {
				return err
			}
			nic, err := appNIC(inst, nicIndex(d.Cfg.AppNICIndex))
			if err != nil {
				return err
			}
			return d.Policy.Apply(nic, d.Cfg.AppSubnetCIDR, d.Cfg.AppCIDRs)
		}},
		{Name: "stale-routes", Code: CodeStaleRoutes, Fatal: true, Run: func(ctx context.Context) error {
			inst, err := d.Meta.Instance(ctx)
			if err != nil {
				return err
			}
			return d.Prune.PruneStale(ctx, inst, d.Cfg.CoreProject, d.Cfg.AppProject)
		}},
		{Name: "status-endpoint", Code: CodeStatusAPI, Fatal: true, Run: d.Status.Run},
		{Name: "route-programming", Code: CodeRouteProgram, Fatal: true, Run: func(ctx context.Context) error {
			inst, err := d.Meta.Instance(ctx)
			if err != nil {
				return err
			}
			return d.Routes.Program(ctx, inst, inst.NICs[0], cloudroute.Spec{
				CoreProject: d.Cfg.CoreProject,
				CoreNetwork: d.Cfg.CoreNetwork,
				CoreCIDRs:   d.Cfg.CoreCIDRs,
				AppProject:  d.Cfg.AppProject,
				AppNetwork:  d.Cfg.AppNetwork,
				AppCIDRs:    d.Cfg.AppCIDRs,
				Priority:    d.Cfg.RoutePriority,
			})
		}},
		{Name: "auxiliary", Fatal: false, Run: d.Aux.Install},
	}
}

// Run executes steps in order and stops at the first fatal failure. Nothing
// is rolled back: every step is idempotent and rerunning the bootstrap is the
// retry mechanism.
func Run(ctx context.Context, log *logrus.Logger, steps []Step) *StepError {
	if log == nil {
		log = logrus.StandardLogger()
	}
	for _, step := range steps {
		log.WithField("step", step.Name).Info("starting")
		if err := step.Run(ctx); err != nil {
			if !step.Fatal {
				log.WithField("step", step.Name).WithError(err).Warn("non-fatal step failed")
				continue
			}
			return &StepError{Step: step.Name, Code: step.Code, Err: err}
		}
		log.WithField("step", step.Name).Info("done")
	}
	return nil
}

// nicIndex tolerates a config that skipped ApplyDefaults.
func nicIndex(idx *int) int {
	if idx == nil {
		return config.DefaultAppNICIndex
	}
	return *idx
}

func appNIC(inst metadata.Instance, index int) (metadata.NIC, error) {
	if index < 0 || index >= len(inst.NICs) {
		return metadata.NIC{}, fmt.Errorf("instance has %d NICs, app NIC index %d", len(inst.NICs), index)
	}
	return inst.NICs[index], nil
}
