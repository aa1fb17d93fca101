package statusapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type recordRunner struct {
	cmds   []string
	rpmErr error
	yumErr error
}

func (r *recordRunner) Run(_ context.Context, name string, args ...string) error {
	cmd := name + " " + strings.Join(args, " ")
	r.cmds = append(r.cmds, cmd)
	if name == "rpm" {
		return r.rpmErr
	}
	if name == "yum" {
		return r.yumErr
	}
	return nil
}

func (r *recordRunner) Output(_ context.Context, name string, args ...string) (string, error) {
	return "", nil
}

type fakeSystemd struct {
	enabled []string
}

func (f *fakeSystemd) Restart(_ context.Context, unit string) error { return nil }
func (f *fakeSystemd) EnableNow(_ context.Context, unit string) error {
	f.enabled = append(f.enabled, unit)
	return nil
}
func (f *fakeSystemd) DaemonReload(_ context.Context) error { return nil }
func (f *fakeSystemd) Close()                               {}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestStep(t *testing.T, probeURL string) (*Step, *recordRunner, *fakeSystemd) {
	t.Helper()
	rr := &recordRunner{}
	sd := &fakeSystemd{}
	s := New(rr, sd, quietLogger())
	s.ProbeURL = probeURL
	s.RetryDelay = time.Millisecond
	s.WaitTimeout = 2 * time.Second
	s.DocRoot = t.TempDir()
	return s, rr, sd
}

func TestRun_PublishesStatusAndStartsService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	s, rr, sd := newTestStep(t, srv.URL)
	// rpm reports the package missing, so yum must install it.
	rr.rpmErr = os.ErrNotExist

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(s.DocRoot, StatusFile))
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if !strings.Contains(string(data), `"status": "OK"`) {
		t.Fatalf("status body=%q", data)
	}

	wantYum := false
	for _, c := range rr.cmds {
		if c == "yum install -y nginx" {
			wantYum = true
		}
	}
	if !wantYum {
		t.Fatalf("yum install missing: %v", rr.cmds)
	}
	if len(sd.enabled) != 1 || sd.enabled[0] != NginxUnit {
		t.Fatalf("enabled=%v", sd.enabled)
	}
}

func TestRun_SkipsInstallWhenPackagePresent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	s, rr, _ := newTestStep(t, srv.URL)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, c := range rr.cmds {
		if strings.HasPrefix(c, "yum ") {
			t.Fatalf("unexpected install: %v", rr.cmds)
		}
	}
}

func TestWaitNetwork_RetriesUntilReachable(t *testing.T) {
	// The first two probes get their connection dropped mid-request; the
	// third succeeds.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				_ = conn.Close()
			}
			return
		}
	}))
	defer srv.Close()

	s, _, _ := newTestStep(t, srv.URL)
	if err := s.waitNetwork(context.Background()); err != nil {
		t.Fatalf("waitNetwork: %v", err)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected retries, calls=%d", calls.Load())
	}
}

func TestWaitNetwork_ZeroTimeoutKeepsPolling(t *testing.T) {
	// WaitTimeout 0 is the legacy wait-forever mode: no deadline is
	// installed and the wait still ends once the probe succeeds.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				_ = conn.Close()
			}
			return
		}
	}))
	defer srv.Close()

	s, _, _ := newTestStep(t, srv.URL)
	s.WaitTimeout = 0
	if err := s.waitNetwork(context.Background()); err != nil {
		t.Fatalf("waitNetwork: %v", err)
	}
	if calls.Load() < 2 {
		t.Fatalf("expected a retry, calls=%d", calls.Load())
	}
}

func TestWaitNetwork_HonorsTimeout(t *testing.T) {
	s, _, _ := newTestStep(t, "http://127.0.0.1:1") // nothing listens here
	s.WaitTimeout = 50 * time.Millisecond

	start := time.Now()
	if err := s.waitNetwork(context.Background()); err == nil {
		t.Fatalf("expected timeout")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout not honored")
	}
}
