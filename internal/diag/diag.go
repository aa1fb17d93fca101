package diag

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"routerctl/internal/execx"
	"routerctl/internal/systemd"
)

const DefaultUnitPath = "/etc/systemd/system/kernel-panic.service"

// Packages are diagnostic tools for operators debugging traffic through the
// router. Their absence never fails a bootstrap.
var Packages = []string{"tcpdump", "traceroute", "bind-utils", "mtr"}

// panicUnit is a manually-started oneshot that panics the kernel after a
// short delay. Operators use it to exercise auto-healing; it is installed
// but never enabled.
const panicUnit = `[Unit]
Description=Trigger a kernel panic (auto-healing drill)

[Service]
Type=oneshot
ExecStart=/bin/sh -c 'sleep 5; echo c > /proc/sysrq-trigger'
`

// Installer is the auxiliary, best-effort tail of the bootstrap.
type Installer struct {
	Runner   execx.Runner
	Systemd  systemd.Manager
	UnitPath string
	Log      *logrus.Logger
}

func New(r execx.Runner, sd systemd.Manager, log *logrus.Logger) *Installer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Installer{Runner: r, Systemd: sd, UnitPath: DefaultUnitPath, Log: log}
}

// Install adds diagnostic packages and the panic-trigger unit. Package
// failures are logged and swallowed; only the unit install is reported, and
// the caller treats even that as non-fatal.
func (i *Installer) Install(ctx context.Context) error {
	args := append([]string{"install", "-y"}, Packages...)
	if err := i.Runner.Run(ctx, "yum", args...); err != nil {
		i.Log.WithError(err).Warn("diagnostic package install failed")
	}

	if err := os.WriteFile(i.UnitPath, []byte(panicUnit), 0o644); err != nil {
		return fmt.Errorf("install panic unit: %w", err)
	}
	if err := i.Systemd.DaemonReload(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	return nil
}
