package provision

import (
	"time"

	"gopkg.in/tomb.v2"

	"github.com/warped-pinball/trench-coat/internal/bundle"
	tcerrors "github.com/warped-pinball/trench-coat/internal/errors"
	"github.com/warped-pinball/trench-coat/internal/replraw"
)

const disconnectWaitTimeout = 24 * time.Hour

// Loop drives the outer convergence loop, supervised by a tomb.Tomb so
// a signal (wired by the caller into t.Kill) tears everything down
// cleanly mid-wait or mid-transfer.
type Loop struct {
	Probes      Probes
	FirmwareUF2 string
	NukeUF2     string
	Bundle      *bundle.Bundle
	Options     Options
}

// RunOnce implements one-shot mode: wait for at least one board,
// provision the fleet present at that moment, return.
func (l *Loop) RunOnce(t *tomb.Tomb) error {
	if err := l.waitForAnyBoard(t); err != nil {
		return err
	}
	return Provision(l.Probes, l.FirmwareUF2, l.NukeUF2, l.Bundle, t.Dying(), l.Options)
}

// RunContinuous implements continuous mode: the production workflow
// where an operator plugs a tray of boards in, watches them provision,
// unplugs them, and repeats.
func (l *Loop) RunContinuous(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return &tcerrors.Interrupted{}
		default:
		}

		if err := l.waitForAnyBoard(t); err != nil {
			return err
		}

		n := len(l.Probes.RuntimePorts()) + len(l.Probes.BootloaderVolumes())

		if err := Provision(l.Probes, l.FirmwareUF2, l.NukeUF2, l.Bundle, t.Dying(), l.Options); err != nil {
			return err
		}

		tick, done := startWait(l.Options, "waiting for reconciliation")
		err := waitFor("post-restart reconciliation", func() bool {
			return len(l.Probes.RuntimePorts()) == n
		}, firmwareWaitTimeout, tick, t.Dying())
		done()
		if err != nil {
			return err
		}

		tick, done = startWait(l.Options, "waiting for devices to disconnect")
		err = waitFor("fleet disconnect", func() bool {
			return len(l.Probes.RuntimePorts())+len(l.Probes.BootloaderVolumes()) == 0
		}, disconnectWaitTimeout, tick, t.Dying())
		done()
		if err != nil {
			return err
		}
	}
}

func (l *Loop) waitForAnyBoard(t *tomb.Tomb) error {
	tick, done := startWait(l.Options, "listening for devices")
	defer done()
	return waitFor("any board", func() bool {
		return len(l.Probes.RuntimePorts())+len(l.Probes.BootloaderVolumes()) > 0
	}, disconnectWaitTimeout, tick, t.Dying())
}

// Shutdown closes every open raw-REPL transport. It is safe to call
// from the signal handler registered against t.Kill.
func Shutdown() {
	replraw.CloseAll()
}
