package diag

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

type recordRunner struct {
	cmds   []string
	runErr error
}

func (r *recordRunner) Run(_ context.Context, name string, args ...string) error {
	r.cmds = append(r.cmds, name+" "+strings.Join(args, " "))
	return r.runErr
}

func (r *recordRunner) Output(_ context.Context, name string, args ...string) (string, error) {
	return "", nil
}

type fakeSystemd struct {
	reloads int
}

func (f *fakeSystemd) Restart(_ context.Context, unit string) error   { return nil }
func (f *fakeSystemd) EnableNow(_ context.Context, unit string) error { return nil }
func (f *fakeSystemd) DaemonReload(_ context.Context) error           { f.reloads++; return nil }
func (f *fakeSystemd) Close()                                         {}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestInstall_WritesUnitAndReloads(t *testing.T) {
	rr := &recordRunner{}
	sd := &fakeSystemd{}
	i := New(rr, sd, quietLogger())
	i.UnitPath = filepath.Join(t.TempDir(), "kernel-panic.service")

	if err := i.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}

	data, err := os.ReadFile(i.UnitPath)
	if err != nil {
		t.Fatalf("read unit: %v", err)
	}
	if !strings.Contains(string(data), "Type=oneshot") ||
		!strings.Contains(string(data), "sysrq-trigger") {
		t.Fatalf("unit body:\n%s", data)
	}
	if sd.reloads != 1 {
		t.Fatalf("reloads=%d", sd.reloads)
	}
	if len(rr.cmds) != 1 || !strings.HasPrefix(rr.cmds[0], "yum install -y tcpdump") {
		t.Fatalf("cmds=%v", rr.cmds)
	}
}

func TestInstall_PackageFailureIsSwallowed(t *testing.T) {
	rr := &recordRunner{runErr: errors.New("no network")}
	sd := &fakeSystemd{}
	i := New(rr, sd, quietLogger())
	i.UnitPath = filepath.Join(t.TempDir(), "kernel-panic.service")

	if err := i.Install(context.Background()); err != nil {
		t.Fatalf("package failure must not fail install: %v", err)
	}
	if _, err := os.Stat(i.UnitPath); err != nil {
		t.Fatalf("unit not written: %v", err)
	}
}
