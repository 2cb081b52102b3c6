// Package systemd starts, stops and restarts systemd units, over D-Bus when
// the system bus is reachable and through systemctl otherwise.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var ErrUnsupported = errors.New("systemd: unsupported on this platform")

type Action string

const (
	Start   Action = "start"
	Stop    Action = "stop"
	Restart Action = "restart"
	Reload  Action = "reload"
)

// ParseAction accepts start, stop, restart and reload. Empty means restart.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return Restart, nil
	case Start, Stop, Restart, Reload:
		return a, nil
	default:
		return "", fmt.Errorf("unknown systemd action %q", s)
	}
}

// Controller runs unit actions.
type Controller interface {
	Do(ctx context.Context, unit string, action Action) error
	IsActive(ctx context.Context, unit string) (bool, error)
	Close() error
}

// NormalizeUnit appends ".service" to bare unit names.
func NormalizeUnit(unit string) string {
	unit = strings.TrimSpace(unit)
	if unit == "" || strings.Contains(unit, ".") {
		return unit
	}
	return unit + ".service"
}

// Open returns a D-Bus controller, or Systemctl when the bus is unavailable.
func Open(ctx context.Context) Controller {
	if c, err := openDBus(ctx); err == nil {
		return c
	}
	return Systemctl{}
}

// Systemctl shells out to systemctl.
type Systemctl struct{}

func (Systemctl) Do(ctx context.Context, unit string, action Action) error {
	unit = NormalizeUnit(unit)
	out, err := exec.CommandContext(ctx, "systemctl", string(action), unit).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("systemctl %s %s: %w: %s", action, unit, err, msg)
		}
		return fmt.Errorf("systemctl %s %s: %w", action, unit, err)
	}
	return nil
}

func (Systemctl) IsActive(ctx context.Context, unit string) (bool, error) {
	out, err := exec.CommandContext(ctx, "systemctl", "is-active", NormalizeUnit(unit)).CombinedOutput()
	// is-active exits non-zero for inactive units.
	if err != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	return strings.TrimSpace(string(out)) == "active", nil
}

func (Systemctl) Close() error { return nil }
