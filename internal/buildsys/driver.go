// Package buildsys implements the firmware Build Driver, an external
// collaborator to the orchestrator (spec §1) that invokes the vendor
// Makefile. Ported from the Python original's BuildManager
// (original_source/backend/build_manager.go): copy the profile's saved
// Kconfig text into klipper_dir/.config, `make clean`, `make olddefconfig`
// (each under a 60s timeout), then `make` streamed without a timeout, then
// collect the Klipper git version and copy build artifacts.
package buildsys

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogFunc receives build output line by line.
type LogFunc func(line string)

// VersionInfo is the Klipper git version metadata recorded after a build
// (spec §6 build_info.json schema).
type VersionInfo struct {
	Version string
	Commit  string
	Date    string
	BuiltAt string
}

// Driver runs builds for profiles stored under DATA_DIR/profiles against a
// single Klipper checkout, writing artifacts under DATA_DIR/artifacts.
type Driver struct {
	klipperDir   string
	artifactsDir string
	log          *slog.Logger

	mu            sync.Mutex
	lastBuildInfo map[string]VersionInfo
}

// New returns a Driver. artifactsDir is created if missing.
func New(klipperDir, artifactsDir string, log *slog.Logger) (*Driver, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("buildsys: create artifacts dir: %w", err)
	}
	return &Driver{
		klipperDir:    klipperDir,
		artifactsDir:  artifactsDir,
		log:           log,
		lastBuildInfo: make(map[string]VersionInfo),
	}, nil
}

// LastBuildInfo returns the most recent successful build's metadata for
// profile, if any.
func (d *Driver) LastBuildInfo(profile string) (VersionInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.lastBuildInfo[profile]
	return v, ok
}

// runWithTimeout runs a short build sub-step (make clean, make
// olddefconfig) under the 60s timeout spec §5 prescribes, killing it on
// expiry.
func (d *Driver) runWithTimeout(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "make", args...)
	cmd.Dir = d.klipperDir
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("buildsys: make %s timed out after 60s", strings.Join(args, " "))
		}
		return fmt.Errorf("buildsys: make %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

// GitVersion reports the Klipper checkout's version info, mirroring
// get_klipper_version(): `git describe --always --tags --dirty`, `git
// rev-parse HEAD` (truncated to 12 chars), and `git log -1 --format=%ci`.
func (d *Driver) GitVersion(ctx context.Context) VersionInfo {
	v := VersionInfo{Version: "unknown", Commit: "unknown", Date: "unknown"}

	if out, err := d.git(ctx, "describe", "--always", "--tags", "--dirty"); err == nil {
		v.Version = strings.TrimSpace(out)
	}
	if out, err := d.git(ctx, "rev-parse", "HEAD"); err == nil {
		commit := strings.TrimSpace(out)
		if len(commit) > 12 {
			commit = commit[:12]
		}
		v.Commit = commit
	}
	if out, err := d.git(ctx, "log", "-1", "--format=%ci"); err == nil {
		v.Date = strings.TrimSpace(out)
	}
	return v
}

func (d *Driver) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = d.klipperDir
	out, err := cmd.Output()
	return string(out), err
}

// RunBuild runs the full build pipeline for the profile named by
// configPath (DATA_DIR/profiles/{profile}.config), streaming output to
// onLog, and returns the resulting VersionInfo on success.
func (d *Driver) RunBuild(ctx context.Context, configPath string, onLog LogFunc) (VersionInfo, error) {
	profile := strings.TrimSuffix(filepath.Base(configPath), ".config")

	target := filepath.Join(d.klipperDir, ".config")
	if err := copyFile(configPath, target); err != nil {
		onLog(fmt.Sprintf("!!! Error copying config: %v\n", err))
		return VersionInfo{}, err
	}

	onLog(">>> Cleaning build environment...\n")
	if err := d.runWithTimeout(ctx, "clean"); err != nil {
		onLog(fmt.Sprintf("!!! Error during make clean: %v\n", err))
		return VersionInfo{}, err
	}

	onLog(">>> Validating configuration (olddefconfig)...\n")
	if err := d.runWithTimeout(ctx, "olddefconfig"); err != nil {
		onLog(fmt.Sprintf("!!! Error during make olddefconfig: %v\n", err))
		return VersionInfo{}, err
	}

	onLog(">>> Starting build...\n")
	cmd := exec.CommandContext(ctx, "make")
	cmd.Dir = d.klipperDir
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return VersionInfo{}, fmt.Errorf("buildsys: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return VersionInfo{}, fmt.Errorf("buildsys: start make: %w", err)
	}
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		onLog(scanner.Text() + "\n")
	}
	runErr := cmd.Wait()

	if runErr != nil {
		onLog(fmt.Sprintf(">>> Build failed with return code: %v\n", runErr))
		return VersionInfo{}, fmt.Errorf("buildsys: build failed: %w", runErr)
	}

	onLog(">>> Build successful!\n")
	version := d.GitVersion(ctx)
	onLog(fmt.Sprintf(">>> Klipper version: %s (%s)\n", version.Version, version.Commit))

	binSrc := filepath.Join(d.klipperDir, "out", "klipper.bin")
	elfSrc := filepath.Join(d.klipperDir, "out", "klipper.elf")
	if err := copyIfExists(binSrc, filepath.Join(d.artifactsDir, profile+".bin")); err == nil {
		onLog(fmt.Sprintf(">>> Saved artifact: %s.bin\n", profile))
	}
	if err := copyIfExists(elfSrc, filepath.Join(d.artifactsDir, profile+".elf")); err == nil {
		onLog(fmt.Sprintf(">>> Saved artifact: %s.elf\n", profile))
	}

	version.BuiltAt = time.Now().Format("2006-01-02 15:04:05")

	d.mu.Lock()
	d.lastBuildInfo[profile] = version
	d.mu.Unlock()

	return version, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func copyIfExists(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return err
	}
	return copyFile(src, dst)
}
