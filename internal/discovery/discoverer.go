package discovery

import (
	"context"
	"log/slog"

	"github.com/klipperfleet/klipperfleet-go/internal/busarbiter"
	"github.com/klipperfleet/klipperfleet-go/internal/fleet"
	"github.com/klipperfleet/klipperfleet-go/internal/identity"
)

// Local aliases so the rest of this package can write the short mode
// names the spec uses without repeating the fleet. qualifier everywhere.
const (
	modeService  = fleet.ModeService
	modeReady    = fleet.ModeReady
	modeDFU      = fleet.ModeDFU
	modeOffline  = fleet.ModeOffline
	modeFlashing = fleet.ModeFlashing
	modeBusBusy  = fleet.ModeBusBusy
	modeQuerying = fleet.ModeQuerying
)

// Discoverer is the Device Discoverer (spec C1).
type Discoverer struct {
	arbiter      *busarbiter.Arbiter
	katapultDir  string
	moonrakerURL string
	log          *slog.Logger
}

// New returns a Discoverer.
func New(arbiter *busarbiter.Arbiter, katapultDir, moonrakerURL string, log *slog.Logger) *Discoverer {
	if log == nil {
		log = slog.Default()
	}
	return &Discoverer{arbiter: arbiter, katapultDir: katapultDir, moonrakerURL: moonrakerURL, log: log}
}

// DiscoverHostProcess returns the singleton host-process record (spec
// §4.1).
func (d *Discoverer) DiscoverHostProcess() LinuxRecord {
	return LinuxRecord{ID: "linux_process", Mode: string(modeService)}
}

// CheckDeviceStatus returns a single mode for one device (spec §4.1
// check_device_status), composing the per-transport listings with the
// bridge and mode-crossover subtleties.
func (d *Discoverer) CheckDeviceStatus(ctx context.Context, dev *fleet.Device, configured []ConfiguredMCU, busTasksRunning bool, fast bool) (fleet.Mode, error) {
	// An observing caller never blocks on a held bus lock (spec §5): report
	// bus_busy (or, in fast mode, querying) immediately.
	switch dev.Method {
	case fleet.MethodCAN:
		release, busy := d.arbiter.TryLockCAN(dev.Interface)
		if busy {
			if fast {
				return modeQuerying, nil
			}
			return modeBusBusy, nil
		}
		release() // only probing contention; the real read below takes its own lock
	case fleet.MethodDFU:
		release, busy := d.arbiter.TryLockDFU()
		if busy {
			if fast {
				return modeQuerying, nil
			}
			return modeBusBusy, nil
		}
		release()
	}

	if dev.IsBridge {
		return d.checkBridgeStatus(ctx, dev, configured)
	}

	switch dev.Method {
	case fleet.MethodLinux:
		return modeService, nil
	case fleet.MethodCAN:
		recs, err := d.DiscoverCAN(ctx, dev.Interface, configured, false)
		if err != nil {
			return modeOffline, err
		}
		for _, r := range recs {
			if r.UUID == dev.ID {
				return fleet.Mode(r.Mode), nil
			}
		}
		return modeOffline, nil
	case fleet.MethodDFU:
		devs, err := d.DiscoverDFU(ctx, false)
		if err != nil {
			return modeOffline, err
		}
		for _, r := range devs {
			if r.ID == dev.ID {
				return modeDFU, nil
			}
		}
		return modeOffline, nil
	case fleet.MethodSerial:
		return d.checkSerialStatus(ctx, dev, configured, busTasksRunning)
	}
	return modeOffline, nil
}

// checkSerialStatus implements the mode-crossover subtlety: a serial
// device may currently be sitting in DFU mode. While a bus task is running
// the configured-MCU set from Moonraker is treated as unavailable.
func (d *Discoverer) checkSerialStatus(ctx context.Context, dev *fleet.Device, configured []ConfiguredMCU, busTasksRunning bool) (fleet.Mode, error) {
	if busTasksRunning {
		configured = nil
	}
	records := d.DiscoverSerial(configured)
	for _, r := range records {
		if r.ID == dev.ID {
			return fleet.Mode(r.Mode), nil
		}
	}

	dfus, err := d.DiscoverDFU(ctx, false)
	if err == nil {
		dfuID := identity.ResolveDFUID(dev.ID, dev.DFUID, true, dfus)
		for _, r := range dfus {
			if r.ID == dfuID && dfuID != dev.ID {
				return modeDFU, nil
			}
		}
	}
	return modeOffline, nil
}

// checkBridgeStatus implements spec §4.1's bridge subtlety: the
// interface being UP implies service; presence of its serial/DFU
// incarnation implies ready; otherwise offline. Only the interface state
// is checked for service mode; the MCU object's state in Moonraker is not
// queried.
func (d *Discoverer) checkBridgeStatus(ctx context.Context, dev *fleet.Device, configured []ConfiguredMCU) (fleet.Mode, error) {
	if dev.Interface != "" {
		if up, err := canInterfaceUp(ctx, dev.Interface); err == nil && up {
			return modeService, nil
		}
	}

	switch dev.Method {
	case fleet.MethodDFU:
		devs, err := d.DiscoverDFU(ctx, false)
		if err == nil {
			for _, r := range devs {
				if r.ID == dev.ID {
					return modeReady, nil
				}
			}
		}
	case fleet.MethodSerial:
		for _, r := range d.DiscoverSerial(configured) {
			if r.ID == dev.ID {
				return modeReady, nil
			}
		}
	}
	return modeOffline, nil
}
