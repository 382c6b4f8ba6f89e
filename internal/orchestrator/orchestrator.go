// Package orchestrator implements the Batch Orchestrator (spec C7): the
// end-to-end multi-device pipeline (build -> stop services -> reboot wave
// -> flash wave -> start services -> summary), driving every other
// component and writing exclusively into the Task Store.
//
// The phase sequencing, cancellation checks between steps, and
// "services-restart always runs, even on cancel or panic" shape are
// grounded on the Python original's fleet-wide batch routine; the
// goroutine-dispatch-with-streamed-log pattern (one background goroutine
// per task, writing into a shared store instead of returning a value) is
// the teacher's handleCalStartStep/handleTestStart idiom
// (internal/server/server.go, test_flash.go).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klipperfleet/klipperfleet-go/internal/buildsys"
	"github.com/klipperfleet/klipperfleet-go/internal/busarbiter"
	"github.com/klipperfleet/klipperfleet-go/internal/discovery"
	"github.com/klipperfleet/klipperfleet-go/internal/flasher"
	"github.com/klipperfleet/klipperfleet-go/internal/fleet"
	"github.com/klipperfleet/klipperfleet-go/internal/identity"
	"github.com/klipperfleet/klipperfleet-go/internal/servicectl"
	"github.com/klipperfleet/klipperfleet-go/internal/taskstore"
	"github.com/klipperfleet/klipperfleet-go/internal/transition"
)

// Action is one of the five batch actions spec §4.7 names.
type Action string

const (
	ActionBuild             Action = "build"
	ActionFlashReady        Action = "flash-ready"
	ActionFlashAll          Action = "flash-all"
	ActionBuildFlashReady   Action = "build-flash-ready"
	ActionBuildFlashAll     Action = "build-flash-all"
)

func (a Action) hasBuild() bool { return strings.Contains(string(a), "build") }
func (a Action) hasFlash() bool { return strings.Contains(string(a), "flash") }
func (a Action) onlyReady() bool { return strings.HasSuffix(string(a), "flash-ready") }

// Orchestrator wires every other component together.
type Orchestrator struct {
	fleet       *fleet.Registry
	discoverer  *discovery.Discoverer
	transitioner *transition.Transitioner
	flasherD    *flasher.Flasher
	services    *servicectl.Controller
	build       *buildsys.Driver
	tasks       *taskstore.Store
	arbiter     *busarbiter.Arbiter
	profilesDir string
	artifactsDir string
	moonrakerURL string
	logger      *slog.Logger
}

// Deps bundles the components an Orchestrator needs. All fields are
// required.
type Deps struct {
	Fleet        *fleet.Registry
	Discoverer   *discovery.Discoverer
	Transitioner *transition.Transitioner
	Flasher      *flasher.Flasher
	Services     *servicectl.Controller
	Build        *buildsys.Driver
	Tasks        *taskstore.Store
	Arbiter      *busarbiter.Arbiter
	ProfilesDir  string
	ArtifactsDir string
	MoonrakerURL string
	Log          *slog.Logger
}

// New returns an Orchestrator.
func New(d Deps) *Orchestrator {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Orchestrator{
		fleet: d.Fleet, discoverer: d.Discoverer, transitioner: d.Transitioner,
		flasherD: d.Flasher, services: d.Services, build: d.Build, tasks: d.Tasks,
		arbiter: d.Arbiter, profilesDir: d.ProfilesDir, artifactsDir: d.ArtifactsDir,
		moonrakerURL: d.MoonrakerURL, logger: d.Log,
	}
}

// deviceResult is one line of the final summary (spec §4.7 step 7).
type deviceResult struct {
	label  string
	status string // SUCCESS, FAILED, SKIPPED (mode), EXCLUDED
	color  string // GREEN, YELLOW, RED
}

// Run starts action as a background task and returns its task id
// immediately (spec §5: "long-running work runs as a background task whose
// only observable is the Task Store").
func (o *Orchestrator) Run(ctx context.Context, action Action) string {
	isBusTask := action.hasFlash()
	taskID := o.tasks.Create(isBusTask)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.tasks.AppendLog(taskID, fmt.Sprintf("[COLOR:RED]!!! CRITICAL ERROR: %v[/COLOR]", r))
				o.tasks.Complete(taskID, taskstore.StatusFailed)
			}
		}()
		o.run(ctx, taskID, action)
	}()

	return taskID
}

func (o *Orchestrator) log(taskID, line string) {
	o.tasks.AppendLog(taskID, line)
}

func (o *Orchestrator) cancelled(taskID string) bool {
	return o.tasks.IsCancelled(taskID)
}

func (o *Orchestrator) run(ctx context.Context, taskID string, action Action) {
	buildResults := make(map[string]string)
	var deviceResults []deviceResult
	servicesStopped := false

	defer func() {
		if servicesStopped {
			summary := o.services.Apply(context.Background(), servicectl.ActionStart)
			o.log(taskID, summary)
		}
		o.writeSummary(taskID, buildResults, deviceResults)
		if !o.cancelled(taskID) {
			o.tasks.Complete(taskID, taskstore.StatusCompleted)
		} else {
			o.tasks.Complete(taskID, taskstore.StatusCancelled)
		}
	}()

	if action.hasBuild() {
		o.runBuildPhase(ctx, taskID, buildResults)
		if o.cancelled(taskID) {
			return
		}
	}

	if action.hasFlash() {
		o.runFlashPhase(ctx, taskID, action, &servicesStopped, &deviceResults)
	}
}

func (o *Orchestrator) runBuildPhase(ctx context.Context, taskID string, results map[string]string) {
	for _, profile := range o.fleet.Profiles() {
		if o.cancelled(taskID) {
			return
		}
		configPath := filepath.Join(o.profilesDir, profile+".config")
		o.log(taskID, fmt.Sprintf(">>> building profile %s", profile))
		_, err := o.build.RunBuild(ctx, configPath, func(line string) { o.log(taskID, line) })
		if err != nil {
			results[profile] = "FAILED"
			o.log(taskID, fmt.Sprintf("[COLOR:RED]!!! Build failed for %s: %v[/COLOR]", profile, err))
			continue
		}
		results[profile] = "SUCCESS"
	}
}

// rebootCandidate is a device queued for a reboot-to-bootloader during the
// pre-stop discovery pass.
type rebootCandidate struct {
	dev        *fleet.Device
	manualDFU  bool
}

func (o *Orchestrator) runFlashPhase(ctx context.Context, taskID string, action Action, servicesStopped *bool, results *[]deviceResult) {
	devices := o.fleet.List()

	var candidates []*fleet.Device
	for _, dev := range devices {
		if dev.ExcludeFromBatch {
			*results = append(*results, deviceResult{label: dev.ID, status: "EXCLUDED", color: "YELLOW"})
			continue
		}
		candidates = append(candidates, dev)
	}

	configured := discovery.ConfiguredMCUs(ctx, o.moonrakerURL)

	// Pre-stop discovery: queue non-bridge devices currently in service for
	// a reboot-to-bootloader.
	var reboots []rebootCandidate
	for _, dev := range candidates {
		if dev.IsBridge {
			continue
		}
		mode, _ := o.discoverer.CheckDeviceStatus(ctx, dev, configured, false, false)
		if mode == fleet.ModeService {
			reboots = append(reboots, rebootCandidate{dev: dev})
		}
	}

	if o.cancelled(taskID) {
		return
	}

	o.log(taskID, o.services.Apply(ctx, servicectl.ActionStop))
	*servicesStopped = true

	initialSerials := make(map[string]struct{})
	for _, r := range o.discoverer.DiscoverSerial(nil) {
		initialSerials[r.ID] = struct{}{}
	}

	originalIDs := make(map[*fleet.Device]string, len(reboots))
	for _, r := range reboots {
		originalIDs[r.dev] = r.dev.ID
	}

	manualDFURequested := o.rebootWave(ctx, taskID, reboots)
	if o.cancelled(taskID) {
		return
	}

	o.pollForBootloader(ctx, taskID, reboots, manualDFURequested)

	// Persist any identity change detected by the poll (spec §3: "rewrite
	// id after a successful identity change"; §8 scenario 1).
	for dev, oldID := range originalIDs {
		if dev.ID != oldID {
			if err := o.fleet.RewriteID(oldID, dev.ID, dev.Method); err != nil {
				o.log(taskID, fmt.Sprintf("!!! failed to persist identity change %s -> %s: %v", oldID, dev.ID, err))
			} else {
				o.log(taskID, fmt.Sprintf(">>> identity change detected: %s -> %s", oldID, dev.ID))
			}
		}
	}

	if o.cancelled(taskID) {
		return
	}

	o.flashWave(ctx, taskID, action, candidates, initialSerials, results)
}

func (o *Orchestrator) rebootWave(ctx context.Context, taskID string, reboots []rebootCandidate) bool {
	manualDFU := false
	for i := range reboots {
		if o.cancelled(taskID) {
			return manualDFU
		}
		dev := reboots[i].dev
		switch {
		case dev.Method == fleet.MethodDFU && dev.UseMagicBaud:
			o.log(taskID, fmt.Sprintf(">>> triggering magic-baud DFU reboot for %s", dev.ID))
			_ = o.transitioner.ToDFU(ctx, dev.ID, func(l string) { o.log(taskID, l) })
		case dev.Method == fleet.MethodDFU:
			o.log(taskID, fmt.Sprintf(">>> %s requires manual DFU entry (no magic baud support)", dev.ID))
			reboots[i].manualDFU = true
			manualDFU = true
		case dev.Method == fleet.MethodCAN:
			_ = o.transitioner.ToKatapultCAN(ctx, dev.Interface, dev.ID, func(l string) { o.log(taskID, l) })
		default:
			_ = o.transitioner.ToKatapultSerial(ctx, dev.ID, dev.Baudrate, func(l string) { o.log(taskID, l) })
		}
	}
	return manualDFU
}

func (o *Orchestrator) pollForBootloader(ctx context.Context, taskID string, reboots []rebootCandidate, manualDFU bool) {
	deadline := 30 * time.Second
	if manualDFU {
		deadline = 60 * time.Second
	}
	start := time.Now()
	configured := discovery.ConfiguredMCUs(ctx, o.moonrakerURL)

	ifaces := map[string]struct{}{}
	for _, r := range reboots {
		if r.dev.Method == fleet.MethodCAN {
			ifaces[r.dev.Interface] = struct{}{}
		}
	}

	for time.Since(start) < deadline {
		if o.cancelled(taskID) {
			return
		}

		ready := 0
		dfus, _ := o.discoverer.DiscoverDFU(ctx, true)
		serials := o.discoverer.DiscoverSerial(configured)

		serialEntries := make([]identity.SerialEntry, len(serials))
		for i, s := range serials {
			serialEntries[i] = identity.SerialEntry{ID: s.ID}
		}

		for i := range reboots {
			dev := reboots[i].dev
			if dev.Method == fleet.MethodDFU {
				if resolved := identity.ResolveDFUID(dev.ID, dev.DFUID, true, dfus); resolved != dev.ID {
					dev.ID = resolved
					ready++
				} else {
					for _, d := range dfus {
						if d.ID == dev.ID {
							ready++
							break
						}
					}
				}
				continue
			}
			if dev.Method == fleet.MethodSerial {
				resolved := identity.ResolveSerialID(dev.ID, "", dfus, serialEntries)
				if resolved != dev.ID {
					dev.ID = resolved
				}
				for _, s := range serials {
					if s.ID == dev.ID && s.Mode == "ready" {
						ready++
						break
					}
				}
			}
		}

		for iface := range ifaces {
			if up := hasCarrierOrRecover(ctx, iface); !up {
				o.log(taskID, fmt.Sprintf("!!! CAN interface %s dropped and could not be brought back up", iface))
			}
		}

		if ready >= len(reboots) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func hasCarrierOrRecover(ctx context.Context, iface string) bool {
	if up, err := discovery.CANInterfaceUp(ctx, iface); err == nil && up && discovery.CANInterfaceHasCarrier(ctx, iface) {
		return true
	}
	_ = discovery.EnsureCANUp(ctx, iface, 1000000)
	up, err := discovery.CANInterfaceUp(ctx, iface)
	return err == nil && up && discovery.CANInterfaceHasCarrier(ctx, iface)
}

func (o *Orchestrator) flashWave(ctx context.Context, taskID string, action Action, devices []*fleet.Device, initialSerials map[string]struct{}, results *[]deviceResult) {
	sort.SliceStable(devices, func(i, j int) bool {
		return !devices[i].IsBridge && devices[j].IsBridge
	})

	configured := discovery.ConfiguredMCUs(ctx, o.moonrakerURL)

	for _, dev := range devices {
		if o.cancelled(taskID) {
			return
		}
		if dev.Profile == "" {
			continue
		}

		mode, _ := o.discoverer.CheckDeviceStatus(ctx, dev, configured, true, false)

		if dev.IsBridge && mode == fleet.ModeService {
			o.log(taskID, fmt.Sprintf(">>> bridge %s still in service, rebooting it now", dev.ID))
			if dev.Method == fleet.MethodDFU {
				_ = o.transitioner.ToDFU(ctx, dev.ID, func(l string) { o.log(taskID, l) })
			} else {
				_ = o.transitioner.ToKatapultSerial(ctx, dev.ID, dev.Baudrate, func(l string) { o.log(taskID, l) })
			}
			o.waitForBridgeReappearance(ctx, taskID, dev, initialSerials)
			mode, _ = o.discoverer.CheckDeviceStatus(ctx, dev, configured, true, false)
		}

		if action.onlyReady() && mode != fleet.ModeReady && mode != fleet.ModeDFU {
			*results = append(*results, deviceResult{label: dev.ID, status: fmt.Sprintf("SKIPPED (%s)", mode), color: "YELLOW"})
			continue
		}
		if mode != fleet.ModeReady && mode != fleet.ModeDFU && dev.Method != fleet.MethodLinux {
			*results = append(*results, deviceResult{label: dev.ID, status: fmt.Sprintf("SKIPPED (%s)", mode), color: "YELLOW"})
			continue
		}

		o.tasks.UpdateDeviceStatus(taskID, dev.ID, string(fleet.ModeFlashing))
		err := o.flashOne(ctx, taskID, dev)
		if err != nil {
			o.tasks.UpdateDeviceStatus(taskID, dev.ID, "failed")
			*results = append(*results, deviceResult{label: dev.ID, status: "FAILED", color: "RED"})
			continue
		}
		o.tasks.UpdateDeviceStatus(taskID, dev.ID, string(fleet.ModeReady))
		*results = append(*results, deviceResult{label: dev.ID, status: "SUCCESS", color: "GREEN"})

		if info, ok := o.build.LastBuildInfo(dev.Profile); ok {
			_ = o.fleet.RecordFlashSuccess(dev.ID, info.Version, info.Commit, info.BuiltAt)
		}
	}
}

func (o *Orchestrator) waitForBridgeReappearance(ctx context.Context, taskID string, dev *fleet.Device, initialSerials map[string]struct{}) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if o.cancelled(taskID) {
			return
		}
		if dfus, err := o.discoverer.DiscoverDFU(ctx, true); err == nil && len(dfus) > 0 {
			dev.ID = dfus[0].ID
			dev.Method = fleet.MethodDFU
			return
		}
		for _, s := range o.discoverer.DiscoverSerial(nil) {
			if _, existed := initialSerials[s.ID]; existed {
				continue
			}
			lower := strings.ToLower(s.ID)
			if strings.Contains(lower, "katapult") || strings.Contains(lower, "canboot") {
				dev.ID = s.ID
				dev.Method = fleet.MethodSerial
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (o *Orchestrator) flashOne(ctx context.Context, taskID string, dev *fleet.Device) error {
	artifact := filepath.Join(o.artifactsDir, dev.Profile+".bin")
	onLog := func(l string) { o.log(taskID, l) }

	switch dev.Method {
	case fleet.MethodSerial:
		return o.flasherD.FlashSerial(ctx, dev.ID, artifact, dev.Baudrate, onLog)
	case fleet.MethodCAN:
		return o.flasherD.FlashCAN(ctx, dev.ID, artifact, dev.Interface, onLog)
	case fleet.MethodDFU:
		address := flasher.FlashAddressHex(flasher.FlashAddress(o.readProfileConfig(dev.Profile)))
		resolve := func(rctx context.Context) (string, []identity.DFUDevice) {
			devs, _ := o.discoverer.DiscoverDFU(rctx, true)
			return dev.DFUID, devs
		}
		return o.flasherD.FlashDFU(ctx, dev.ID, artifact, address, dev.UseDFUExit, resolve, onLog)
	case fleet.MethodLinux:
		return o.flasherD.FlashLinux(ctx, filepath.Join(o.artifactsDir, dev.Profile+".elf"), "/usr/local/bin/klipper_mcu", onLog)
	}
	return fmt.Errorf("orchestrator: unknown method %q", dev.Method)
}

// readProfileConfig loads the profile's saved Kconfig text for flash-address
// derivation (spec §4.5); a missing or unreadable file just falls back to
// the default address via flasher.FlashAddress's empty-match path.
func (o *Orchestrator) readProfileConfig(profile string) string {
	data, err := os.ReadFile(filepath.Join(o.profilesDir, profile+".config"))
	if err != nil {
		return ""
	}
	return string(data)
}

func (o *Orchestrator) writeSummary(taskID string, buildResults map[string]string, deviceResults []deviceResult) {
	var sb strings.Builder
	sb.WriteString(">>> ==== SUMMARY ====\n")
	for profile, status := range buildResults {
		color := "GREEN"
		if status != "SUCCESS" {
			color = "RED"
		}
		sb.WriteString(fmt.Sprintf("[COLOR:%s]build %s: %s[/COLOR]\n", color, profile, status))
	}
	for _, r := range deviceResults {
		sb.WriteString(fmt.Sprintf("[COLOR:%s]%s: %s[/COLOR]\n", r.color, r.label, r.status))
	}
	o.log(taskID, sb.String())
}
