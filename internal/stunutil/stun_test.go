package stunutil

import (
	"context"
	"testing"
	"time"
)

func TestPublicAddr_NoServers(t *testing.T) {
	t.Parallel()

	if _, err := PublicAddr(context.Background(), nil, time.Second); err == nil {
		t.Fatalf("expected error with no servers")
	}
}

func TestPublicAddr_BadServer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := PublicAddr(ctx, []string{""}, 100*time.Millisecond); err == nil {
		t.Fatalf("expected error for empty server entry")
	}
}
