package systemd

import (
	"context"
	"fmt"

	sd "github.com/coreos/go-systemd/v22/dbus"
)

// Manager abstracts the few systemd operations the bootstrap needs, so steps
// can be unit-tested with a fake.
type Manager interface {
	Restart(ctx context.Context, unit string) error
	EnableNow(ctx context.Context, unit string) error
	DaemonReload(ctx context.Context) error
	Close()
}

// DBus talks to systemd over the system bus.
type DBus struct {
	conn *sd.Conn
}

func Connect(ctx context.Context) (*DBus, error) {
	conn, err := sd.NewWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect systemd: %w", err)
	}
	return &DBus{conn: conn}, nil
}

func (d *DBus) Restart(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	if _, err := d.conn.RestartUnitContext(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("restart %s: %w", unit, err)
	}
	return waitJob(ctx, unit, ch)
}

// EnableNow enables the unit persistently and starts it, matching
// `systemctl enable --now`.
func (d *DBus) EnableNow(ctx context.Context, unit string) error {
	if _, _, err := d.conn.EnableUnitFilesContext(ctx, []string{unit}, false, true); err != nil {
		return fmt.Errorf("enable %s: %w", unit, err)
	}
	ch := make(chan string, 1)
	if _, err := d.conn.StartUnitContext(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("start %s: %w", unit, err)
	}
	return waitJob(ctx, unit, ch)
}

func (d *DBus) DaemonReload(ctx context.Context) error {
	if err := d.conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	return nil
}

func (d *DBus) Close() {
	d.conn.Close()
}

func waitJob(ctx context.Context, unit string, ch <-chan string) error {
	select {
	case res := <-ch:
		if res != "done" {
			return fmt.Errorf("%s job finished %q", unit, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
