package flasher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klipperfleet/klipperfleet-go/internal/busarbiter"
)

// fakeDFUUtil installs a shell-script stand-in for dfu-util on PATH that
// fails the download step failUntilAttempt-1 times before succeeding, and
// records how many times it was invoked with "-D" (a download) at
// countFile.
func fakeDFUUtil(t *testing.T, failUntilAttempt int) (binDir string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake dfu-util shim is a POSIX shell script")
	}
	dir := t.TempDir()
	countFile := filepath.Join(dir, "count")
	require.NoError(t, os.WriteFile(countFile, []byte("0"), 0o644))

	script := fmt.Sprintf(`#!/bin/sh
for a in "$@"; do
  if [ "$a" = "-D" ]; then
    n=$(cat %q)
    n=$((n+1))
    echo "$n" > %q
    if [ "$n" -lt %d ]; then
      echo "simulated transient failure $n"
      exit 1
    fi
    echo "download ok on attempt $n"
    exit 0
  fi
done
echo "leave step ok"
exit 0
`, countFile, countFile, failUntilAttempt)

	path := filepath.Join(dir, "dfu-util")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return dir
}

func TestFlashDFURetriesThenSucceeds(t *testing.T) {
	dir := fakeDFUUtil(t, 3)
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))

	f := New(busarbiter.New(), "/opt/katapult", nil)

	var lines []string
	err := f.FlashDFU(context.Background(), "1A0028", "/tmp/fw.bin", "0x08000000", false, nil, func(chunk string) {
		lines = append(lines, chunk)
	})
	require.NoError(t, err)
	require.NotEmpty(t, lines)
}

func TestFlashDFUFailsAfterMaxAttempts(t *testing.T) {
	dir := fakeDFUUtil(t, 99) // never succeeds within 3 attempts
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))

	f := New(busarbiter.New(), "/opt/katapult", nil)

	err := f.FlashDFU(context.Background(), "1A0028", "/tmp/fw.bin", "0x08000000", false, nil, func(string) {})
	require.Error(t, err)
}

func TestFlashDFULeaveExit251IsSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake dfu-util shim is a POSIX shell script")
	}
	dir := t.TempDir()
	script := "#!/bin/sh\nfor a in \"$@\"; do if [ \"$a\" = \":leave\" ] || echo \"$a\" | grep -q leave; then exit 251; fi; done\nexit 0\n"
	path := filepath.Join(dir, "dfu-util")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))

	f := New(busarbiter.New(), "/opt/katapult", nil)
	err := f.FlashDFU(context.Background(), "1A0028", "/tmp/fw.bin", "0x08000000", true, nil, func(string) {})
	require.NoError(t, err)
}

func TestDFUSelectorChoosesByPathForNumericID(t *testing.T) {
	require.Equal(t, []string{"-p", "1-1.2"}, dfuSelector("1-1.2"))
	require.Equal(t, []string{"-S", "1A0028"}, dfuSelector("1A0028"))
}
