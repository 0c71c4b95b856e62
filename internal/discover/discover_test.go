package discover

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasMarkerDetectsBootloaderVolume(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, bootloaderMarker), []byte("UF2 Bootloader\n"), 0o644))

	assert.True(t, hasMarker(dir))
}

func TestHasMarkerRejectsPlainDirectory(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, hasMarker(dir))
}

func TestHasMarkerRejectsEmptyRoot(t *testing.T) {
	assert.False(t, hasMarker(""))
}

func TestWalkOneLevelFindsMarkerCaseInsensitively(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "info_uf2.txt"), []byte("x"), 0o644))

	var volumes []string
	walkOneLevel(dir, &volumes)
	assert.Equal(t, []string{dir}, volumes)
}

func TestWalkOneLevelNoMatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0o644))

	var volumes []string
	walkOneLevel(dir, &volumes)
	assert.Empty(t, volumes)
}

// fakeUSBDevice writes a minimal sysfs device directory under root:
// busnum/devnum files plus a tty/<name> child, the shape
// serialPathForBus walks.
func fakeUSBDevice(t *testing.T, root, name string, bus, address int, ttyName string) {
	t.Helper()
	devDir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(devDir, "tty", ttyName), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "busnum"), []byte(strconv.Itoa(bus)+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "devnum"), []byte(strconv.Itoa(address)+"\n"), 0o644))
}

func TestSerialPathForBusResolvesDistinctDevices(t *testing.T) {
	root := t.TempDir()
	fakeUSBDevice(t, root, "1-1:1.0", 1, 5, "ttyACM0")
	fakeUSBDevice(t, root, "1-2:1.0", 1, 7, "ttyACM1")

	orig := usbDevicesRoot
	usbDevicesRoot = root
	defer func() { usbDevicesRoot = orig }()

	assert.Equal(t, filepath.Join("/dev", "ttyACM0"), serialPathForBus(1, 5))
	assert.Equal(t, filepath.Join("/dev", "ttyACM1"), serialPathForBus(1, 7))
	assert.Equal(t, "", serialPathForBus(1, 99))
}
