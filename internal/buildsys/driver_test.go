package buildsys

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunBuildCopiesConfigAndRunsMakeSteps(t *testing.T) {
	klipperDir := t.TempDir()
	artifactsDir := t.TempDir()

	// A fake "make" on PATH that handles clean/olddefconfig/(bare) the way
	// a real Klipper checkout's Makefile would for this test's purposes:
	// clean/olddefconfig succeed instantly, bare invocation writes out/
	// artifacts and succeeds.
	binDir := t.TempDir()
	script := `#!/bin/sh
case "$1" in
  clean) exit 0 ;;
  olddefconfig) exit 0 ;;
  *)
    mkdir -p out
    echo fakebin > out/klipper.bin
    echo fakeelf > out/klipper.elf
    exit 0
    ;;
esac
`
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "make"), []byte(script), 0o755))
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	configPath := filepath.Join(t.TempDir(), "mcu.config")
	require.NoError(t, os.WriteFile(configPath, []byte("CONFIG_MCU=\"stm32f401xc\"\n"), 0o644))

	d, err := New(klipperDir, artifactsDir, nil)
	require.NoError(t, err)

	var lines []string
	_, err = d.RunBuild(context.Background(), configPath, func(l string) { lines = append(lines, l) })
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(artifactsDir, "mcu.bin"))
	require.FileExists(t, filepath.Join(artifactsDir, "mcu.elf"))
	require.FileExists(t, filepath.Join(klipperDir, ".config"))

	_, ok := d.LastBuildInfo("mcu")
	require.True(t, ok)
}

func TestRunBuildFailureOnMissingConfig(t *testing.T) {
	d, err := New(t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	_, err = d.RunBuild(context.Background(), "/nonexistent/profile.config", func(string) {})
	require.Error(t, err)
}
