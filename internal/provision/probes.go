package provision

import "github.com/warped-pinball/trench-coat/internal/discover"

// Probes is the fleet-observation surface the pipeline polls. It is an
// interface so tests can substitute a fake fleet instead of real USB
// hardware.
type Probes interface {
	RuntimePorts() []string
	BootloaderVolumes() []string
}

// hardwareProbes is the production Probes backed by internal/discover.
type hardwareProbes struct {
	vendorID, productID int
}

// NewHardwareProbes returns the Probes implementation used outside of
// tests, scanning for the given USB (vendor, product) pair.
func NewHardwareProbes(vendorID, productID int) Probes {
	return &hardwareProbes{vendorID: vendorID, productID: productID}
}

func (h *hardwareProbes) RuntimePorts() []string {
	return discover.EnumerateRuntimePorts(h.vendorID, h.productID)
}

func (h *hardwareProbes) BootloaderVolumes() []string {
	return discover.EnumerateBootloaderVolumes()
}
