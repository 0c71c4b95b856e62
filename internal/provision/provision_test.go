package provision

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warped-pinball/trench-coat/internal/bundle"
)

func writeFakeUF2(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("UF2 image bytes"), 0o644))
	return path
}

// TestProvisionSkipFirmwareOnlyFlashesApplication exercises the
// supplemented --skip-firmware path (S4 only, no bootloader cycle).
func TestProvisionSkipFirmwareOnlyFlashesApplication(t *testing.T) {
	probes := &fakeProbes{}
	dir := t.TempDir()
	firmware := writeFakeUF2(t, dir, "firmware.uf2")
	nuke := writeFakeUF2(t, dir, "nuke.uf2")

	err := Provision(probes, firmware, nuke, nil, nil, Options{SkipFirmware: true})
	assert.NoError(t, err)
}

// TestProvisionInterruptedWhileWaitingForBootloaderVolumes exercises
// S1's wait_for being stopped when no board ever reports a bootloader
// volume.
func TestProvisionInterruptedWhileWaitingForBootloaderVolumes(t *testing.T) {
	probes := &fakeProbes{}
	probes.setRuntime([]string{"/dev/ttyACM0"})
	dir := t.TempDir()
	firmware := writeFakeUF2(t, dir, "firmware.uf2")
	nuke := writeFakeUF2(t, dir, "nuke.uf2")

	stop := make(chan struct{})

	// bootloaderWaitTimeout is 60s in production; Provision has no
	// per-call override, so this test only exercises the Interrupted
	// branch instead of waiting out a full minute.
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(stop)
	}()

	err := Provision(probes, firmware, nuke, nil, stop, Options{})
	assert.Error(t, err)
}

func TestCopyUF2ToVolumesWritesEveryVolume(t *testing.T) {
	srcDir := t.TempDir()
	src := writeFakeUF2(t, srcDir, "firmware.uf2")

	volA := t.TempDir()
	volB := t.TempDir()

	err := copyUF2ToVolumes(src, []string{volA, volB})
	require.NoError(t, err)

	for _, vol := range []string{volA, volB} {
		got, err := os.ReadFile(filepath.Join(vol, "firmware.uf2"))
		require.NoError(t, err)
		assert.Equal(t, "UF2 image bytes", string(got))
	}
}

func TestCopyUF2ToVolumesMissingSourceErrors(t *testing.T) {
	err := copyUF2ToVolumes(filepath.Join(t.TempDir(), "missing.uf2"), []string{t.TempDir()})
	assert.Error(t, err)
}

func TestFlashApplicationNoRuntimePortsIsNoop(t *testing.T) {
	b := &bundle.Bundle{}
	err := flashApplication(nil, b, Options{})
	assert.NoError(t, err)
}
