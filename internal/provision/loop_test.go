package provision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gopkg.in/tomb.v2"

	tcerrors "github.com/warped-pinball/trench-coat/internal/errors"
)

// TestLoopWaitForAnyBoardReturnsOnceABoardAppears exercises the wait
// stage shared by RunOnce/RunContinuous without touching the
// hardware-facing Provision call.
func TestLoopWaitForAnyBoardReturnsOnceABoardAppears(t *testing.T) {
	probes := &fakeProbes{}
	loop := &Loop{Probes: probes, Options: Options{}}

	go func() {
		time.Sleep(10 * time.Millisecond)
		probes.setBootloader([]string{"/Volumes/RPI-RP2"})
	}()

	var tb tomb.Tomb
	err := loop.waitForAnyBoard(&tb)
	assert.NoError(t, err)
}

// TestLoopRunContinuousStopsOnKill verifies that a tomb Kill before
// any board appears surfaces as Interrupted rather than a timeout.
func TestLoopRunContinuousStopsOnKill(t *testing.T) {
	probes := &fakeProbes{}
	loop := &Loop{
		Probes:  probes,
		Options: Options{SkipFirmware: true},
	}

	var tb tomb.Tomb
	tb.Kill(nil)

	err := loop.RunContinuous(&tb)
	var interrupted *tcerrors.Interrupted
	assert.ErrorAs(t, err, &interrupted)
}
