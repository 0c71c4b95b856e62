// Package discover implements two pure, side-effect-free platform
// probes: enumerating runtime (USB-serial) ports and enumerating
// bootloader (mass-storage) volumes. Both probes are cheap enough to
// call from a busy-wait loop and swallow permission or enumeration
// failures rather than propagating them.
package discover

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/gousb"
	"github.com/shirou/gopsutil/v3/disk"
)

// PicoVendorID and PicoProductID are the USB vendor/product pair the
// hardware presents while running its MicroPython-family runtime.
const (
	PicoVendorID  = 0x2E8A
	PicoProductID = 0x0005

	// bootloaderMarker is the file every RP2040 UF2 bootloader volume
	// exposes at its root.
	bootloaderMarker = "INFO_UF2.TXT"

	// unixWalkDepth bounds the subdirectory search under /Volumes and
	// /media: the marker lives at a mount's root or one level under a
	// parent mount directory, never deeper.
	unixWalkDepth = 1
)

// EnumerateRuntimePorts returns the OS serial-device paths for every
// attached board presenting its runtime identity. On Linux it asks
// libusb (via gousb) for every device matching (vendorID, productID)
// and resolves each one to its own sysfs-backed tty node, so N distinct
// boards yield N distinct paths. Elsewhere — and if the sysfs walk
// can't resolve every matched descriptor — it falls back to a path-glob
// scan, which already enumerates one entry per attached device file.
func EnumerateRuntimePorts(vendorID, productID int) []string {
	if runtime.GOOS == "linux" {
		if ports, ok := enumerateViaGousb(vendorID, productID); ok {
			return ports
		}
	}
	return enumerateViaPathGlob()
}

func enumerateViaGousb(vendorID, productID int) ([]string, bool) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var found []string
	allResolved := true
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor == gousb.ID(vendorID) && desc.Product == gousb.ID(productID) {
			path := serialPathForBus(int(desc.Bus), int(desc.Address))
			if path == "" {
				allResolved = false
				return false
			}
			found = append(found, path)
		}
		// Never actually open the device: we only want descriptor
		// matches, the serial channel itself is opened later by the
		// raw-REPL transport.
		return false
	})
	if err != nil {
		return nil, false
	}
	for _, d := range devs {
		d.Close()
	}
	if !allResolved {
		// A partial resolution would silently under-report boards; let
		// the glob fallback enumerate everything instead of returning a
		// short list.
		return nil, false
	}
	return found, true
}

// usbDevicesRoot is overridden by tests to point at a fake sysfs tree.
var usbDevicesRoot = "/sys/bus/usb/devices"

// serialPathForBus resolves a USB bus/address pair to the specific tty
// device node it owns by walking sysfs, so two boards on the same bus
// never collapse onto the same serial path the way a plain glob would.
func serialPathForBus(bus, address int) string {
	entries, err := os.ReadDir(usbDevicesRoot)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		devDir := filepath.Join(usbDevicesRoot, e.Name())
		if readSysfsInt(filepath.Join(devDir, "busnum")) != bus {
			continue
		}
		if readSysfsInt(filepath.Join(devDir, "devnum")) != address {
			continue
		}
		if tty := findTTYUnder(devDir); tty != "" {
			return tty
		}
	}
	return ""
}

func readSysfsInt(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return -1
	}
	return n
}

// findTTYUnder walks one matched USB device's sysfs subtree for its
// CDC-ACM interface's "tty" child directory (e.g.
// .../2-1:1.0/tty/ttyACM0) and returns the corresponding /dev path.
func findTTYUnder(devDir string) string {
	var found string
	filepath.WalkDir(devDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if !d.IsDir() || d.Name() != "tty" {
			return nil
		}
		children, err := os.ReadDir(path)
		if err != nil || len(children) == 0 {
			return nil
		}
		found = filepath.Join("/dev", children[0].Name())
		return fs.SkipAll
	})
	return found
}

func enumerateViaPathGlob() []string {
	var patterns []string
	switch runtime.GOOS {
	case "linux":
		patterns = []string{"/dev/ttyACM*"}
	case "darwin":
		patterns = []string{"/dev/tty.usbmodem*", "/dev/cu.usbmodem*"}
	case "windows":
		// Windows COM ports carry no descriptor-friendly glob, and the
		// gousb lookup runs only on Linux, so no runtime ports are
		// reported on Windows.
		return nil
	}
	var ports []string
	for _, pat := range patterns {
		matches, err := filepath.Glob(pat)
		if err != nil {
			continue
		}
		ports = append(ports, matches...)
	}
	return ports
}

// EnumerateBootloaderVolumes returns the filesystem roots of every
// mounted bootloader volume, i.e. every mount whose root contains a
// file literally named INFO_UF2.TXT. gopsutil/v3/disk provides a single
// cross-platform partition listing; failures enumerating any one
// partition (permission denied, a vanished drive) are skipped rather
// than propagated.
func EnumerateBootloaderVolumes() []string {
	partitions, err := disk.Partitions(true)
	if err != nil {
		return fallbackEnumerateBootloaderVolumes()
	}
	var volumes []string
	for _, p := range partitions {
		if hasMarker(p.Mountpoint) {
			volumes = append(volumes, p.Mountpoint)
		}
	}
	if volumes == nil {
		// gopsutil succeeded but found nothing; still worth trying the
		// direct walk in case the partition table lags a just-mounted
		// bootloader drive.
		return fallbackEnumerateBootloaderVolumes()
	}
	return volumes
}

func hasMarker(root string) bool {
	if root == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(root, bootloaderMarker))
	return err == nil
}

// fallbackEnumerateBootloaderVolumes searches per-platform mount
// locations directly, used when gopsutil can't enumerate partitions on
// the host.
func fallbackEnumerateBootloaderVolumes() []string {
	if runtime.GOOS == "windows" {
		return enumerateWindowsDrives()
	}
	return enumerateUnixMounts()
}

func enumerateWindowsDrives() []string {
	var volumes []string
	for c := 'A'; c <= 'Z'; c++ {
		root := string(c) + `:\`
		if _, err := os.Stat(root + bootloaderMarker); err == nil {
			volumes = append(volumes, root)
		}
	}
	return volumes
}

func enumerateUnixMounts() []string {
	var volumes []string
	for _, parent := range []string{"/Volumes", "/media"} {
		entries, err := os.ReadDir(parent)
		if err != nil {
			continue
		}
		if hasMarker(parent) {
			volumes = append(volumes, parent)
		}
		for _, e := range entries {
			child := filepath.Join(parent, e.Name())
			if hasMarker(child) {
				volumes = append(volumes, child)
				continue
			}
			if unixWalkDepth > 1 && e.IsDir() {
				walkOneLevel(child, &volumes)
			}
		}
	}
	return volumes
}

func walkOneLevel(dir string, volumes *[]string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(e.Name(), bootloaderMarker) {
			*volumes = append(*volumes, dir)
			return
		}
	}
}
