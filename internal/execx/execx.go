package execx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Runner abstracts command execution so packages can be unit-tested without
// touching the real system (yum/rpm).
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) (string, error)
}

// OSRunner executes commands on the host via os/exec.
type OSRunner struct {
	Stdout io.Writer
	Stderr io.Writer
	Log    *logrus.Logger
}

func NewOSRunner(log *logrus.Logger) *OSRunner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &OSRunner{Stdout: os.Stdout, Stderr: os.Stderr, Log: log}
}

func (r *OSRunner) Run(ctx context.Context, name string, args ...string) error {
	r.Log.WithField("cmd", name+" "+strings.Join(args, " ")).Debug("exec")
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = r.Stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s: %s: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	if stderr.Len() > 0 && r.Stderr != nil {
		_, _ = io.Copy(r.Stderr, &stderr)
	}
	return nil
}

func (r *OSRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	r.Log.WithField("cmd", name+" "+strings.Join(args, " ")).Debug("exec")
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %s", name, strings.TrimSpace(buf.String()))
	}
	return strings.TrimSpace(buf.String()), nil
}
