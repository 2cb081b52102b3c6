//go:build linux

package systemd

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// DBus talks to systemd over the system bus and waits for each job to finish.
type DBus struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

func openDBus(ctx context.Context) (*DBus, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &DBus{conn: conn}, nil
}

func (d *DBus) Do(ctx context.Context, unit string, action Action) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return fmt.Errorf("systemd connection is closed")
	}
	unit = NormalizeUnit(unit)

	done := make(chan string, 1)
	var err error
	switch action {
	case Start:
		_, err = d.conn.StartUnitContext(ctx, unit, "replace", done)
	case Stop:
		_, err = d.conn.StopUnitContext(ctx, unit, "replace", done)
	case Restart:
		_, err = d.conn.RestartUnitContext(ctx, unit, "replace", done)
	case Reload:
		_, err = d.conn.ReloadUnitContext(ctx, unit, "replace", done)
	default:
		return fmt.Errorf("unknown systemd action %q", action)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", action, unit, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("%s %s: job %s", action, unit, res)
		}
		return nil
	}
}

func (d *DBus) IsActive(ctx context.Context, unit string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return false, fmt.Errorf("systemd connection is closed")
	}
	p, err := d.conn.GetUnitPropertyContext(ctx, NormalizeUnit(unit), "ActiveState")
	if err != nil {
		return false, err
	}
	s, _ := p.Value.Value().(string)
	return s == "active", nil
}

func (d *DBus) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	return nil
}
