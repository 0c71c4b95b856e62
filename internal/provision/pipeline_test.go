package provision

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// fakeProbes is a scriptable Probes used to drive the S0-S4 state
// machine and the convergence loop without real USB hardware.
type fakeProbes struct {
	mu       sync.Mutex
	runtime  []string
	bootload []string
}

func (f *fakeProbes) RuntimePorts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.runtime))
	copy(out, f.runtime)
	return out
}

func (f *fakeProbes) BootloaderVolumes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.bootload))
	copy(out, f.bootload)
	return out
}

func (f *fakeProbes) setRuntime(ports []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runtime = ports
}

func (f *fakeProbes) setBootloader(vols []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootload = vols
}

func TestSelectPortsDefaultsToAllWhenUnrestricted(t *testing.T) {
	all := []string{"/dev/ttyACM0", "/dev/ttyACM1"}
	assert.Equal(t, all, selectPorts(all, nil))
}

func TestSelectPortsFiltersToWanted(t *testing.T) {
	all := []string{"/dev/ttyACM0", "/dev/ttyACM1", "/dev/ttyACM2"}
	got := selectPorts(all, []string{"/dev/ttyACM1"})
	assert.Equal(t, []string{"/dev/ttyACM1"}, got)
}

func TestSelectPortsDropsUnknownWantedEntries(t *testing.T) {
	all := []string{"/dev/ttyACM0"}
	got := selectPorts(all, []string{"/dev/ttyACM9"})
	assert.Empty(t, got)
}

func TestToBoardDescriptorsNilBundleReturnsNil(t *testing.T) {
	assert.Nil(t, toBoardDescriptors(nil))
}

func TestEncodeBodyRoundTrips(t *testing.T) {
	encoded := encodeBody([]byte("hello"))
	assert.Equal(t, "aGVsbG8=", encoded)
}
