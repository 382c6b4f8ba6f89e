// Package flasher implements the Flasher (spec C5): one flash operation per
// transport, each streaming subprocess output and retrying per spec §4.5.
//
// The retry-with-ctx.Done-check shape is a direct descendant of the
// teacher's flashParameters (internal/server/flash_logic.go): a bounded
// attempt loop, a short sleep between attempts, and a `select { case
// <-ctx.Done(): ... }` cancellation check between steps rather than inside
// the subprocess call itself.
package flasher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/klipperfleet/klipperfleet-go/internal/busarbiter"
	"github.com/klipperfleet/klipperfleet-go/internal/identity"
)

// LogFunc receives streamed output, chunk by chunk (spec §4.5: "stream
// output in small chunks, not line-buffered, so carriage-return progress
// updates are forwarded verbatim").
type LogFunc func(chunk string)

// Flasher drives the per-transport flash operations.
type Flasher struct {
	arbiter     *busarbiter.Arbiter
	katapultDir string
	log         *slog.Logger
}

// New returns a Flasher invoking the vendor Katapult tool out of
// katapultDir.
func New(arbiter *busarbiter.Arbiter, katapultDir string, log *slog.Logger) *Flasher {
	if log == nil {
		log = slog.Default()
	}
	return &Flasher{arbiter: arbiter, katapultDir: katapultDir, log: log}
}

// streamCommand runs cmd, forwarding combined stdout/stderr to onLog in
// small chunks, and returns the process error (nil on exit 0).
func streamCommand(ctx context.Context, name string, args []string, onLog LogFunc) error {
	cmd := exec.CommandContext(ctx, name, args...)
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("flasher: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("flasher: start %s: %w", name, err)
	}

	buf := make([]byte, 256)
	reader := bufio.NewReaderSize(pipe, 256)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			onLog(string(buf[:n]))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			break
		}
	}

	return cmd.Wait()
}

// FlashSerial implements spec §4.5 flash_serial.
func (f *Flasher) FlashSerial(ctx context.Context, id, artifact string, baud int, onLog LogFunc) error {
	return streamCommand(ctx, "python3", []string{
		f.katapultDir + "/scripts/flashtool.py",
		"-d", id, "-b", strconv.Itoa(baud), "-f", artifact,
	}, onLog)
}

// FlashCAN implements spec §4.5 flash_can.
func (f *Flasher) FlashCAN(ctx context.Context, uuid, artifact, iface string, onLog LogFunc) error {
	release := f.arbiter.LockCAN(iface)
	defer func() {
		f.arbiter.CacheInvalidate(busarbiter.CANCacheKey(iface))
		release()
	}()

	return streamCommand(ctx, "python3", []string{
		f.katapultDir + "/scripts/flashtool.py",
		"-i", iface, "-u", uuid, "-f", artifact,
	}, onLog)
}

// ResolveDFU is the re-resolution hook FlashDFU calls between retries
// (spec §4.5: "a re-resolution of the DFU id between attempts").
type ResolveDFU func(ctx context.Context) (dfuID string, dfus []identity.DFUDevice)

// FlashDFU implements spec §4.5 flash_dfu, including the 3-attempt retry
// with a 2s gap and id re-resolution, and the optional :leave follow-up.
func (f *Flasher) FlashDFU(ctx context.Context, id, artifact, address string, leave bool, resolve ResolveDFU, onLog LogFunc) error {
	release := f.arbiter.LockDFU()
	defer func() {
		f.arbiter.CacheInvalidate(busarbiter.DFUCacheKey)
		release()
	}()

	const maxAttempts = 3
	var lastErr error
	currentID := id

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		args := append([]string{"-a", "0", "-d", "0483:df11", "-s", address, "-D", artifact}, dfuSelector(currentID)...)
		onLog(fmt.Sprintf(">>> dfu-util download attempt %d/%d\n", attempt, maxAttempts))
		err := streamCommand(ctx, "dfu-util", args, onLog)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}

		if resolve != nil {
			newID, dfus := resolve(ctx)
			currentID = identity.ResolveDFUID(currentID, newID, false, dfus)
		}
	}

	if lastErr != nil {
		return fmt.Errorf("flasher: dfu download failed after %d attempts: %w", maxAttempts, lastErr)
	}

	if !leave {
		return nil
	}

	leaveArgs := append([]string{"-a", "0", "-d", "0483:df11", "-s", address + ":leave", "-R"}, dfuSelector(currentID)...)
	err := streamCommand(ctx, "dfu-util", leaveArgs, onLog)
	if err == nil {
		return nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 251 {
		onLog(">>> exit 251 on :leave step treated as success\n")
		return nil
	}
	return fmt.Errorf("flasher: dfu :leave step failed: %w", err)
}

// FlashLinux implements spec §4.5 flash_linux.
func (f *Flasher) FlashLinux(ctx context.Context, artifact, dest string, onLog LogFunc) error {
	onLog(">>> stopping host-MCU service\n")
	_ = exec.CommandContext(ctx, "systemctl", "stop", "klipper_mcu").Run()

	onLog(">>> killing any remaining holders of the target binary\n")
	_ = exec.CommandContext(ctx, "fuser", "-k", dest).Run()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
	}

	if err := streamCommand(ctx, "cp", []string{artifact, dest}, onLog); err != nil {
		return fmt.Errorf("flasher: copy artifact to %s: %w", dest, err)
	}
	if err := streamCommand(ctx, "chmod", []string{"+x", dest}, onLog); err != nil {
		return fmt.Errorf("flasher: chmod %s: %w", dest, err)
	}
	return nil
}

func dfuSelector(id string) []string {
	if looksLikeBusPath(id) {
		return []string{"-p", id}
	}
	return []string{"-S", id}
}

func looksLikeBusPath(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r == '-' || r == '.' {
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
