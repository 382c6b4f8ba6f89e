// Package servicectl implements the Service Controller (spec C8): it
// enumerates systemd units matching klipper*/moonraker*, excludes
// klipperfleet.service itself, and applies start/stop/restart to each.
//
// Grounded on arianvp/nomad-driver-systemd's Driver, which lazily opens a
// single *dbus.Conn (github.com/coreos/go-systemd/v22/dbus) guarded by
// sync.Once and issues unit operations over it rather than shelling out to
// systemctl, which is the idiomatic Go way to talk to systemd and avoids a
// subprocess per unit.
package servicectl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Action is the operation requested against the matched units.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

// selfUnit is excluded from every match (spec §4.8: "filters out
// klipperfleet.service itself").
const selfUnit = "klipperfleet.service"

// Controller is the Service Controller.
type Controller struct {
	once sync.Once
	conn *dbus.Conn
	err  error
	log  *slog.Logger
}

// New returns a Controller. The dbus connection is opened lazily on first
// use, matching the nomad driver's getConn() pattern.
func New(log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{log: log}
}

func (c *Controller) getConn(ctx context.Context) (*dbus.Conn, error) {
	c.once.Do(func() {
		c.conn, c.err = dbus.NewSystemConnectionContext(ctx)
	})
	return c.conn, c.err
}

// matchingUnits returns the names of loaded units whose name starts with
// "klipper" or "moonraker", excluding selfUnit.
func matchingUnits(units []dbus.UnitStatus) []string {
	out := make([]string, 0, len(units))
	for _, u := range units {
		if u.Name == selfUnit {
			continue
		}
		if strings.HasPrefix(u.Name, "klipper") || strings.HasPrefix(u.Name, "moonraker") {
			out = append(out, u.Name)
		}
	}
	return out
}

// Apply enumerates matching units and applies action to each. It never
// returns an error to the caller (spec §4.8: "never throws"); failures are
// folded into the returned summary line.
func (c *Controller) Apply(ctx context.Context, action Action) string {
	conn, err := c.getConn(ctx)
	if err != nil {
		return fmt.Sprintf("services %s: failed to connect to systemd: %v", action, err)
	}

	units, err := conn.ListUnitsContext(ctx)
	if err != nil {
		return fmt.Sprintf("services %s: failed to list units: %v", action, err)
	}

	names := matchingUnits(units)
	if len(names) == 0 {
		return fmt.Sprintf("services %s: no klipper*/moonraker* units found", action)
	}

	var failures []string
	for _, name := range names {
		resultCh := make(chan string, 1)
		var opErr error
		switch action {
		case ActionStart:
			_, opErr = conn.StartUnitContext(ctx, name, "replace", resultCh)
		case ActionStop:
			_, opErr = conn.StopUnitContext(ctx, name, "replace", resultCh)
		case ActionRestart:
			_, opErr = conn.RestartUnitContext(ctx, name, "replace", resultCh)
		default:
			opErr = fmt.Errorf("unknown action %q", action)
		}
		if opErr != nil {
			failures = append(failures, fmt.Sprintf("%s (%v)", name, opErr))
			continue
		}
		select {
		case res := <-resultCh:
			if res != "done" {
				failures = append(failures, fmt.Sprintf("%s (%s)", name, res))
			}
		case <-ctx.Done():
			failures = append(failures, fmt.Sprintf("%s (cancelled)", name))
		}
	}

	if len(failures) == 0 {
		return fmt.Sprintf("services %s: %s", action, strings.Join(names, ", "))
	}
	return fmt.Sprintf("services %s: %s; failures: %s", action, strings.Join(names, ", "), strings.Join(failures, "; "))
}

// Status returns the current ActiveState of every matching unit, used by
// the /services/status endpoint.
func (c *Controller) Status(ctx context.Context) (map[string]string, error) {
	conn, err := c.getConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("servicectl: connect: %w", err)
	}
	units, err := conn.ListUnitsContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("servicectl: list units: %w", err)
	}
	out := make(map[string]string)
	for _, name := range matchingUnits(units) {
		for _, u := range units {
			if u.Name == name {
				out[name] = u.ActiveState
			}
		}
	}
	return out, nil
}
