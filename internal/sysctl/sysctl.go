package sysctl

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"routerctl/internal/systemd"
)

const (
	// DefaultConfPath takes precedence over /etc/sysctl.conf, so the
	// forwarding keys live here and ONLY here.
	DefaultConfPath   = "/etc/sysctl.d/50-ip-router.conf"
	DefaultLegacyPath = "/etc/sysctl.conf"

	SysctlUnit = "systemd-sysctl.service"
)

// conf is the full content of the dedicated sysctl drop-in. The router
// forwards between two NICs, so rp_filter must be off on both.
const conf = `net.ipv4.ip_forward=1
net.ipv4.conf.default.forwarding=1
net.ipv4.conf.all.forwarding=1
net.ipv4.conf.default.rp_filter=0
net.ipv4.conf.all.rp_filter=0
`

// Step enables kernel IP forwarding and disables reverse-path filtering.
type Step struct {
	ConfPath   string
	LegacyPath string
	Systemd    systemd.Manager
	Log        *logrus.Logger
}

func New(sd systemd.Manager, log *logrus.Logger) *Step {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Step{ConfPath: DefaultConfPath, LegacyPath: DefaultLegacyPath, Systemd: sd, Log: log}
}

// Apply writes the drop-in, strips conflicting keys from the legacy global
// file, and restarts systemd-sysctl. A rerun with nothing to change performs
// no writes and no restart.
func (s *Step) Apply(ctx context.Context) error {
	wrote, err := s.writeConf()
	if err != nil {
		return err
	}
	cleaned, err := s.cleanLegacy()
	if err != nil {
		return err
	}
	if !wrote && !cleaned {
		s.Log.Info("sysctl already configured, skipping reload")
		return nil
	}
	if err := s.Systemd.Restart(ctx, SysctlUnit); err != nil {
		return fmt.Errorf("reload sysctl: %w", err)
	}
	return nil
}

func (s *Step) writeConf() (bool, error) {
	existing, err := os.ReadFile(s.ConfPath)
	if err == nil && string(existing) == conf {
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	if err := os.WriteFile(s.ConfPath, []byte(conf), 0o644); err != nil {
		return false, fmt.Errorf("install %s: %w", s.ConfPath, err)
	}
	s.Log.WithField("path", s.ConfPath).Info("installed forwarding sysctls")
	return true, nil
}

// cleanLegacy removes ip_forward/rp_filter lines from /etc/sysctl.conf so the
// keys are never set in two files with different values. The file is only
// rewritten when a conflicting line was actually present.
func (s *Step) cleanLegacy() (bool, error) {
	data, err := os.ReadFile(s.LegacyPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	lines := strings.Split(string(data), "\n")
	kept := lines[:0]
	removed := 0
	for _, line := range lines {
		if conflicting(line) {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	if removed == 0 {
		return false, nil
	}
	out := strings.Join(kept, "\n")
	if err := os.WriteFile(s.LegacyPath, []byte(out), 0o644); err != nil {
		return false, fmt.Errorf("rewrite %s: %w", s.LegacyPath, err)
	}
	s.Log.WithFields(logrus.Fields{"path": s.LegacyPath, "lines": removed}).
		Info("removed conflicting sysctl lines")
	return true, nil
}

func conflicting(line string) bool {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "#") {
		return false
	}
	return strings.Contains(trimmed, "ip_forward") || strings.Contains(trimmed, "rp_filter")
}
