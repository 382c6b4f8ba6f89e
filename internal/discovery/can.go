package discovery

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/klipperfleet/klipperfleet-go/internal/busarbiter"
)

// canInterfaceUp shells out to `ip link show <iface>` and looks for "state
// UP", exactly as the Python original's ensure_canbus_up does. The ip
// query itself is unbounded (spec §5: "ip link queries unbounded (fast)").
// CANInterfaceUp is the exported form of canInterfaceUp, used by the
// orchestrator's reboot-wave poll to check whether a bridge dropped its
// interface.
func CANInterfaceUp(ctx context.Context, iface string) (bool, error) {
	return canInterfaceUp(ctx, iface)
}

func canInterfaceUp(ctx context.Context, iface string) (bool, error) {
	out, err := exec.CommandContext(ctx, "ip", "link", "show", iface).CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("ip link show %s: %w", iface, err)
	}
	return strings.Contains(string(out), "state UP"), nil
}

// CANInterfaceHasCarrier checks for a live physical link (spec §4.7 step 5:
// "verify it is UP and HAS-CARRIER"), used by the reboot-wave poll to detect
// a bridge that dropped its CAN interface.
func CANInterfaceHasCarrier(ctx context.Context, iface string) bool {
	out, err := exec.CommandContext(ctx, "ip", "link", "show", iface).CombinedOutput()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "LOWER_UP")
}

func bringCANUp(ctx context.Context, iface string, bitrate int) error {
	cmd := exec.CommandContext(ctx, "sudo", "ip", "link", "set", iface, "up", "type", "can", "bitrate", fmt.Sprintf("%d", bitrate))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("bring up %s: %w", iface, err)
	}
	time.Sleep(time.Second)
	return nil
}

var foundUUIDRE = regexp.MustCompile(`(?i)canbus_uuid[:=]?\s*([0-9a-f]{12})`)
var foundAppRE = regexp.MustCompile(`(?i)Application:\s*(\S+)`)

func parseCANQueryOutput(output string) []CANRecord {
	var out []CANRecord
	var current CANRecord
	for _, line := range strings.Split(output, "\n") {
		if m := foundUUIDRE.FindStringSubmatch(line); m != nil {
			if current.UUID != "" {
				out = append(out, current)
			}
			current = CANRecord{UUID: strings.ToLower(m[1])}
			continue
		}
		if m := foundAppRE.FindStringSubmatch(line); m != nil {
			current.Name = m[1]
		}
	}
	if current.UUID != "" {
		out = append(out, current)
	}
	return out
}

// discoverCANInterface runs the vendor bootloader-query and firmware-query
// tools sequentially against one interface (spec §4.1: "concurrent queries
// on one bus corrupt each other"), with timeouts per spec §5 (5s
// bootloader, 2s firmware).
func (d *Discoverer) discoverCANInterface(ctx context.Context, iface string) ([]CANRecord, error) {
	release := d.arbiter.LockCAN(iface)
	defer release()

	bootloaderCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	bootOut, _ := runCANQueryTool(bootloaderCtx, d.katapultDir, iface, true)
	cancel()

	fwCtx, cancel2 := context.WithTimeout(ctx, 2*time.Second)
	fwOut, _ := runCANQueryTool(fwCtx, d.katapultDir, iface, false)
	cancel2()

	bootDevs := parseCANQueryOutput(bootOut)
	fwDevs := parseCANQueryOutput(fwOut)

	byUUID := make(map[string]CANRecord)
	for _, rec := range fwDevs {
		rec.Interface = iface
		rec.Mode = string(modeService)
		byUUID[rec.UUID] = rec
	}
	for _, rec := range bootDevs {
		rec.Interface = iface
		if isKatapultApp(rec.Name) {
			rec.Mode = string(modeReady)
		} else {
			rec.Mode = string(modeService)
		}
		byUUID[rec.UUID] = rec // bootloader query takes priority
	}

	out := make([]CANRecord, 0, len(byUUID))
	for _, rec := range byUUID {
		out = append(out, rec)
	}
	return out, nil
}

func isKatapultApp(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "katapult") || strings.Contains(lower, "canboot")
}

// runCANQueryTool invokes Katapult's CAN query helper. bootloader selects
// the "-r" (query-in-bootloader) vs default firmware query form.
func runCANQueryTool(ctx context.Context, katapultDir, iface string, bootloader bool) (string, error) {
	args := []string{katapultDir + "/scripts/flashtool.py", "-i", iface, "-q"}
	if bootloader {
		args = append(args, "-r")
	}
	cmd := exec.CommandContext(ctx, "python3", args...)
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return "", err
	}
	var sb strings.Builder
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteByte('\n')
	}
	_ = cmd.Wait()
	return sb.String(), nil
}

// DiscoverCAN returns the merged device list for iface: bus-observed
// devices plus any configured-but-unseen MCU from configured. Results are
// cached for busarbiter.CANCacheTTL unless force is set.
func (d *Discoverer) DiscoverCAN(ctx context.Context, iface string, configured []ConfiguredMCU, force bool) ([]CANRecord, error) {
	key := busarbiter.CANCacheKey(iface)
	if !force {
		if cached, ok := d.arbiter.CacheGet(key); ok {
			return cached.([]CANRecord), nil
		}
	}

	seen, err := d.discoverCANInterface(ctx, iface)
	if err != nil {
		return nil, err
	}

	byUUID := make(map[string]CANRecord, len(seen))
	for _, rec := range seen {
		byUUID[rec.UUID] = rec
	}

	for _, cfg := range configured {
		if rec, ok := byUUID[cfg.Identity]; ok {
			rec.Name = cfg.Section
			byUUID[cfg.Identity] = rec
			continue
		}
		up, _ := canInterfaceUp(ctx, iface)
		mode := string(modeOffline)
		if up {
			mode = string(modeService)
		}
		byUUID[cfg.Identity] = CANRecord{UUID: cfg.Identity, Name: cfg.Section, Interface: iface, Mode: mode}
	}

	out := make([]CANRecord, 0, len(byUUID))
	for _, rec := range byUUID {
		out = append(out, rec)
	}

	d.arbiter.CacheSet(key, out, busarbiter.CANCacheTTL)
	return out, nil
}
