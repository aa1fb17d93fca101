package systemd

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestWaitJob_Done(t *testing.T) {
	ch := make(chan string, 1)
	ch <- "done"
	if err := waitJob(context.Background(), "nginx.service", ch); err != nil {
		t.Fatalf("waitJob: %v", err)
	}
}

func TestWaitJob_FailedResult(t *testing.T) {
	for _, res := range []string{"failed", "timeout", "canceled"} {
		ch := make(chan string, 1)
		ch <- res
		err := waitJob(context.Background(), "nginx.service", ch)
		if err == nil {
			t.Fatalf("result %q: expected error", res)
		}
		if !strings.Contains(err.Error(), "nginx.service") || !strings.Contains(err.Error(), res) {
			t.Fatalf("result %q: error %v should name the unit and the result", res, err)
		}
	}
}

func TestWaitJob_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The job never reports back, so the canceled context must unblock us.
	ch := make(chan string)
	err := waitJob(ctx, "nginx.service", ch)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}
