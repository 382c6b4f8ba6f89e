package transition

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/tarm/serial"

	"github.com/klipperfleet/klipperfleet-go/internal/busarbiter"
)

// LogFunc receives one log line at a time, in program order, the way the
// teacher's flashParameters forwards progress via a callback instead of
// building a full string up front (internal/server/flash_logic.go).
type LogFunc func(line string)

// Transitioner is the Mode Transitioner (spec C3).
type Transitioner struct {
	arbiter     *busarbiter.Arbiter
	katapultDir string
	log         *slog.Logger
}

// New returns a Transitioner that invokes the vendor Katapult tool out of
// katapultDir (KATAPULT_DIR, spec §6).
func New(arbiter *busarbiter.Arbiter, katapultDir string, log *slog.Logger) *Transitioner {
	if log == nil {
		log = slog.Default()
	}
	return &Transitioner{arbiter: arbiter, katapultDir: katapultDir, log: log}
}

func (t *Transitioner) katapultBinary() string {
	return t.katapultDir + "/scripts/flashtool.py"
}

// runTool invokes the vendor Katapult tool with args and, once it exits,
// passes its whole combined stdout/stderr to onLog as one chunk (spec:
// "Return an error-log line on non-zero exit but never raise").
func (t *Transitioner) runTool(ctx context.Context, args []string, onLog LogFunc) error {
	cmd := exec.CommandContext(ctx, "python3", append([]string{t.katapultBinary()}, args...)...)
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		onLog(string(out))
	}
	if err != nil {
		onLog(fmt.Sprintf("!!! katapult tool exited non-zero: %v", err))
		return nil
	}
	return nil
}

// openAndCloseAt1200 performs the "magic baud" trick: open the serial port
// at 1200 baud and immediately close it (spec §4.3).
func openAndCloseAt1200(path string) error {
	cfg := &serial.Config{Name: path, Baud: 1200, ReadTimeout: time.Second}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return fmt.Errorf("transition: open %s at 1200 baud: %w", path, err)
	}
	return port.Close()
}

func deviceNodeExists(path string) bool {
	_, err := exec.Command("test", "-e", path).CombinedOutput()
	return err == nil
}

// ToKatapultSerial implements spec §4.3 "-> Katapult (serial)".
func (t *Transitioner) ToKatapultSerial(ctx context.Context, id string, baud int, onLog LogFunc) error {
	onLog(fmt.Sprintf(">>> rebooting %s to Katapult via magic baud", id))
	if err := openAndCloseAt1200(id); err != nil {
		onLog(fmt.Sprintf("!!! magic baud attempt failed: %v", err))
	} else {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
		if !deviceNodeExists(id) {
			onLog(">>> device node disappeared, magic baud succeeded")
			return nil
		}
	}

	onLog(">>> invoking Katapult tool to reboot to bootloader")
	return t.runTool(ctx, []string{"-d", id, "-b", strconv.Itoa(baud), "-r"}, onLog)
}

// ToKatapultCAN implements spec §4.3 "-> Katapult (CAN)".
func (t *Transitioner) ToKatapultCAN(ctx context.Context, iface, uuid string, onLog LogFunc) error {
	release := t.arbiter.LockCAN(iface)
	defer func() {
		t.arbiter.CacheInvalidate(busarbiter.CANCacheKey(iface))
		release()
	}()

	onLog(fmt.Sprintf(">>> rebooting CAN device %s on %s to Katapult", uuid, iface))
	return t.runTool(ctx, []string{"-i", iface, "-u", uuid, "-r"}, onLog)
}

// ToDFU implements spec §4.3 "-> DFU".
func (t *Transitioner) ToDFU(ctx context.Context, serialID string, onLog LogFunc) error {
	onLog(fmt.Sprintf(">>> rebooting %s to DFU via magic baud", serialID))
	if err := openAndCloseAt1200(serialID); err != nil {
		onLog(fmt.Sprintf("!!! magic baud attempt failed: %v", err))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(3 * time.Second):
	}
	return nil
}

// ToApplicationCAN implements spec §4.3/§8 scenario 2: the hand-crafted
// jump-to-app packet sequence. uuidHex is the 12-hex-character CAN UUID.
func (t *Transitioner) ToApplicationCAN(ctx context.Context, iface, uuidHex string, onLog LogFunc) error {
	release := t.arbiter.LockCAN(iface)
	defer func() {
		t.arbiter.CacheInvalidate(busarbiter.CANCacheKey(iface))
		release()
	}()

	uuid, err := decodeHexUUID(uuidHex)
	if err != nil {
		onLog(fmt.Sprintf("!!! invalid CAN uuid %q: %v", uuidHex, err))
		return err
	}

	admin, complete, err := jumpToAppFrames(uuid)
	if err != nil {
		onLog(fmt.Sprintf("!!! failed to build jump-to-app frames: %v", err))
		return err
	}

	sock, err := openCANSocket(iface)
	if err != nil {
		onLog(fmt.Sprintf("!!! failed to open CAN socket on %s: %v", iface, err))
		return err
	}
	defer func() { _ = sock.close() }()

	if err := sock.send(admin); err != nil {
		onLog(fmt.Sprintf("!!! failed to send admin frame: %v", err))
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}

	if err := sock.send(complete); err != nil {
		onLog(fmt.Sprintf("!!! failed to send COMPLETE frame: %v", err))
		return err
	}

	onLog(fmt.Sprintf(">>> sent jump-to-app sequence for %s on %s", uuidHex, iface))
	return nil
}

// ToApplicationDFU implements spec §4.3 "-> Application (DFU)". Exit codes
// 0 and 251 both count as success (spec §6 "Exit codes treated as
// success").
func (t *Transitioner) ToApplicationDFU(ctx context.Context, dfuID, address, sinkFile string, onLog LogFunc) error {
	args := []string{"-a", "0", "-d", "0483:df11", "-U", sinkFile, "-s", address + ":leave"}
	args = append(args, dfuSelector(dfuID)...)

	cmd := exec.CommandContext(ctx, "dfu-util", args...)
	out, err := cmd.CombinedOutput()
	onLog(string(out))

	if err == nil {
		return nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 251 {
		onLog(">>> exit 251 on :leave step treated as success (expected USB disconnect)")
		return nil
	}
	onLog(fmt.Sprintf("!!! dfu-util jump-to-app failed: %v", err))
	return err
}

// ToApplicationSerial implements spec §4.3 "-> Application (serial)": a
// no-op with an advisory log line.
func (t *Transitioner) ToApplicationSerial(onLog LogFunc) error {
	onLog(">>> serial Katapult devices auto-jump to application on flash completion or timeout")
	return nil
}

// dfuSelector disambiguates a DFU id by serial (-S) or bus path (-p),
// never both (spec §4.5).
func dfuSelector(id string) []string {
	if looksLikeBusPath(id) {
		return []string{"-p", id}
	}
	return []string{"-S", id}
}

func looksLikeBusPath(id string) bool {
	for _, r := range id {
		if r == '-' || r == '.' {
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return id != ""
}

func decodeHexUUID(s string) ([]byte, error) {
	if len(s) != 12 {
		return nil, fmt.Errorf("expected 12 hex characters, got %d", len(s))
	}
	out := make([]byte, 6)
	for i := 0; i < 6; i++ {
		b, err := parseHexByte(s[i*2 : i*2+2])
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func parseHexByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid hex byte %q: %w", s, err)
	}
	return byte(v), nil
}
