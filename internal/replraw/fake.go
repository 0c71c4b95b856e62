package replraw

import (
	"io"
	"sync"

	"github.com/juju/ratelimit"
)

// FakeChannel is a hand-written stand-in for a board's serial channel.
// It understands just enough of the raw-REPL control-byte protocol to
// answer SendScript calls the way real firmware would, so Transport and
// board.Controller can be exercised end to end without hardware.
//
// respond is called with the accumulated script text (everything
// written between the raw-mode entry byte and the terminating
// ctrlEndScript byte) and returns the raw bytes Transport should read
// back — typically "OK<stdout>\x04<stderr>\x04".
type FakeChannel struct {
	mu      sync.Mutex
	respond func(script []byte) []byte
	current []byte
	pending []byte
	closed  bool
}

// NewFakeChannel builds a FakeChannel whose responses are computed by
// respond. A nil respond answers every script with an empty OK frame.
func NewFakeChannel(respond func(script []byte) []byte) *FakeChannel {
	return &FakeChannel{respond: respond}
}

func (f *FakeChannel) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	switch {
	case len(p) == 1 && p[0] == ctrlEnterRaw:
		f.current = f.current[:0]
	case len(p) == 1 && p[0] == ctrlEndScript:
		respond := f.respond
		script := append([]byte(nil), f.current...)
		f.current = f.current[:0]
		if respond == nil {
			f.pending = append(f.pending, 'O', 'K', ctrlEndScript, ctrlEndScript)
			break
		}
		f.pending = append(f.pending, respond(script)...)
	case len(p) == 1 && p[0] == ctrlExitRaw:
		// Listen mode leaves raw mode; nothing to accumulate.
	default:
		f.current = append(f.current, p...)
	}
	return len(p), nil
}

func (f *FakeChannel) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return 0, nil
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *FakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FakeChannel) Flush() error { return nil }

// OpenFake wraps ch in a Transport without opening a real serial port,
// for tests that need a Transport/Controller exercised against a fake
// channel instead of hardware.
func OpenFake(ch *FakeChannel, framing FramingMode) *Transport {
	return &Transport{
		portName: "fake",
		port:     ch,
		framing:  framing,
		bucket:   ratelimit.NewBucketWithRate(1<<30, 1<<30),
	}
}
