package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"routerctl/internal/stunutil"
)

// Check is one read-only probe result. The doctor never mutates the host.
type Check struct {
	Name   string
	OK     bool
	Detail string
}

// Options wires the doctor's collaborators; every path and endpoint is
// injectable so checks run against a scratch filesystem in tests.
type Options struct {
	SysctlRoot  string // default /proc/sys
	TablesPath  string
	TableName   string
	StatusPath  string
	ProbeURL    string
	Client      *http.Client
	STUNServers []string
	STUNTimeout time.Duration

	// HasDefaultRoute reports whether the policy table carries a default
	// route; nil skips the check (e.g. on a non-Linux dev box).
	HasDefaultRoute func() (bool, error)
}

// wantSysctls maps each forwarding key to the value the bootstrap sets.
var wantSysctls = []struct{ key, want string }{
	{"net.ipv4.ip_forward", "1"},
	{"net.ipv4.conf.default.forwarding", "1"},
	{"net.ipv4.conf.all.forwarding", "1"},
	{"net.ipv4.conf.default.rp_filter", "0"},
	{"net.ipv4.conf.all.rp_filter", "0"},
}

func Run(ctx context.Context, opts Options) []Check {
	if opts.SysctlRoot == "" {
		opts.SysctlRoot = "/proc/sys"
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.STUNTimeout == 0 {
		opts.STUNTimeout = 5 * time.Second
	}

	var checks []Check
	for _, s := range wantSysctls {
		checks = append(checks, checkSysctl(opts.SysctlRoot, s.key, s.want))
	}
	checks = append(checks, checkTableRegistered(opts.TablesPath, opts.TableName))
	if opts.HasDefaultRoute != nil {
		checks = append(checks, checkDefaultRoute(opts.HasDefaultRoute))
	}
	checks = append(checks, checkStatusDoc(opts.StatusPath))
	checks = append(checks, checkConnectivity(ctx, opts))
	checks = append(checks, checkSTUN(ctx, opts))
	return checks
}

// Healthy reports whether every check passed.
func Healthy(checks []Check) bool {
	for _, c := range checks {
		if !c.OK {
			return false
		}
	}
	return true
}

func checkSysctl(root, key, want string) Check {
	name := "sysctl " + key
	path := filepath.Join(root, strings.ReplaceAll(key, ".", "/"))
	data, err := os.ReadFile(path)
	if err != nil {
		return Check{Name: name, Detail: err.Error()}
	}
	got := strings.TrimSpace(string(data))
	if got != want {
		return Check{Name: name, Detail: fmt.Sprintf("got %s want %s", got, want)}
	}
	return Check{Name: name, OK: true, Detail: got}
}

func checkTableRegistered(path, table string) Check {
	name := "routing table " + table
	data, err := os.ReadFile(path)
	if err != nil {
		return Check{Name: name, Detail: err.Error()}
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == table {
			return Check{Name: name, OK: true, Detail: line}
		}
	}
	return Check{Name: name, Detail: "not registered in " + path}
}

func checkDefaultRoute(probe func() (bool, error)) Check {
	name := "policy table default route"
	ok, err := probe()
	if err != nil {
		return Check{Name: name, Detail: err.Error()}
	}
	if !ok {
		return Check{Name: name, Detail: "missing"}
	}
	return Check{Name: name, OK: true, Detail: "present"}
}

func checkStatusDoc(path string) Check {
	name := "status document"
	data, err := os.ReadFile(path)
	if err != nil {
		return Check{Name: name, Detail: err.Error()}
	}
	body := strings.TrimSpace(string(data))
	if !strings.Contains(body, "OK") {
		return Check{Name: name, Detail: "unexpected body " + body}
	}
	return Check{Name: name, OK: true, Detail: body}
}

func checkConnectivity(ctx context.Context, opts Options) Check {
	name := "outbound connectivity"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.ProbeURL, nil)
	if err != nil {
		return Check{Name: name, Detail: err.Error()}
	}
	resp, err := opts.Client.Do(req)
	if err != nil {
		return Check{Name: name, Detail: err.Error()}
	}
	_ = resp.Body.Close()
	return Check{Name: name, OK: true, Detail: opts.ProbeURL}
}

func checkSTUN(ctx context.Context, opts Options) Check {
	name := "public address"
	addr, err := stunutil.PublicAddr(ctx, opts.STUNServers, opts.STUNTimeout)
	if err != nil {
		return Check{Name: name, Detail: err.Error()}
	}
	return Check{Name: name, OK: true, Detail: addr}
}
