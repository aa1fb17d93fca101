package statusapi

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"

	"routerctl/internal/execx"
	"routerctl/internal/systemd"
)

const (
	NginxUnit    = "nginx.service"
	NginxPackage = "nginx"

	// StatusFile is served at /status by the web server's default site.
	StatusFile = "status"

	// statusBody is the exact literal the health checkers expect; it is not
	// generated through a JSON encoder on purpose.
	statusBody = `{"status": "OK"}` + "\n"
)

// Step waits for outbound connectivity, installs the web server, publishes
// the status document, and starts the service.
type Step struct {
	Client      *http.Client
	ProbeURL    string
	WaitTimeout time.Duration
	RetryDelay  time.Duration
	DocRoot     string
	Runner      execx.Runner
	Systemd     systemd.Manager
	Log         *logrus.Logger
}

func New(r execx.Runner, sd systemd.Manager, log *logrus.Logger) *Step {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Step{
		Client:     &http.Client{Timeout: 10 * time.Second},
		RetryDelay: time.Second,
		Runner:     r,
		Systemd:    sd,
		Log:        log,
	}
}

func (s *Step) Run(ctx context.Context) error {
	if err := s.waitNetwork(ctx); err != nil {
		return fmt.Errorf("network wait: %w", err)
	}
	if err := s.ensurePackage(ctx); err != nil {
		return err
	}
	if err := s.writeStatus(); err != nil {
		return err
	}
	if err := s.Systemd.EnableNow(ctx, NginxUnit); err != nil {
		return fmt.Errorf("start %s: %w", NginxUnit, err)
	}
	return nil
}

// waitNetwork probes an unrelated public URL until it answers. Any HTTP
// response counts: the probe only proves outbound connectivity, nothing
// about the target's health. WaitTimeout bounds the loop; zero keeps the
// legacy wait-forever behavior.
func (s *Step) waitNetwork(ctx context.Context) error {
	if s.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.WaitTimeout)
		defer cancel()
	}
	attempt := 0
	return retry.Do(
		func() error {
			attempt++
			err := s.probe(ctx)
			if err != nil {
				s.Log.WithError(err).WithField("attempt", attempt).Debug("connectivity probe failed")
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(s.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

func (s *Step) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.ProbeURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func (s *Step) ensurePackage(ctx context.Context) error {
	if err := s.Runner.Run(ctx, "rpm", "-q", NginxPackage); err == nil {
		return nil
	}
	if err := s.Runner.Run(ctx, "yum", "install", "-y", NginxPackage); err != nil {
		return fmt.Errorf("install %s: %w", NginxPackage, err)
	}
	return nil
}

func (s *Step) writeStatus() error {
	path := filepath.Join(s.DocRoot, StatusFile)
	if err := os.WriteFile(path, []byte(statusBody), 0o644); err != nil {
		return fmt.Errorf("write status document: %w", err)
	}
	s.Log.WithField("path", path).Info("published status document")
	return nil
}
