package main

import (
	"io"
	"sync"

	"github.com/pkg/term"
)

// keyboardMonitor puts the controlling tty into raw mode so a single
// keypress (no Enter required) can interrupt --listen-after streaming.
type keyboardMonitor struct {
	t  *term.Term
	mu sync.Mutex
}

func (km *keyboardMonitor) Open() error {
	km.mu.Lock()
	defer km.mu.Unlock()
	t, err := term.Open("/dev/tty")
	if err != nil {
		return err
	}
	if err := t.SetRaw(); err != nil {
		t.Close()
		return err
	}
	km.t = t
	return nil
}

// Get blocks for a single keystroke. It returns an error once the
// monitor has been closed out from under it.
func (km *keyboardMonitor) Get() (byte, error) {
	km.mu.Lock()
	t := km.t
	km.mu.Unlock()
	if t == nil {
		return 0, io.ErrClosedPipe
	}
	buf := make([]byte, 1)
	if _, err := t.Read(buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (km *keyboardMonitor) Close() error {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.t == nil {
		return nil
	}
	err := km.t.Restore()
	km.t.Close()
	km.t = nil
	return err
}

// watchForQuit closes stop as soon as the operator presses 'q', or
// silently returns if the tty can't be put into raw mode (e.g. stdin
// isn't a terminal during --listen-after in a CI job).
func watchForQuit() <-chan struct{} {
	stop := make(chan struct{})
	km := &keyboardMonitor{}
	if err := km.Open(); err != nil {
		return stop
	}
	go func() {
		defer km.Close()
		for {
			b, err := km.Get()
			if err != nil {
				close(stop)
				return
			}
			if b == 'q' {
				close(stop)
				return
			}
		}
	}()
	return stop
}
