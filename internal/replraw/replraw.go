// Package replraw implements the raw-REPL transport: it holds a
// board's interactive MicroPython-family runtime in its programmatic
// "raw" mode for the duration of a session, submits scripts, and
// recovers stdout/stderr framing over a line-oriented script channel.
package replraw

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/tarm/serial"

	tcerrors "github.com/warped-pinball/trench-coat/internal/errors"
)

// serialChannel is the minimal surface Transport needs from its
// underlying connection. *serial.Port satisfies it in production;
// FakeChannel satisfies it in tests, letting Transport/Controller be
// exercised without real hardware.
type serialChannel interface {
	io.ReadWriteCloser
	Flush() error
}

const (
	// Control bytes framing raw-REPL sessions.
	ctrlInterrupt = 0x03
	ctrlEnterRaw  = 0x01
	ctrlExitRaw   = 0x02
	ctrlEndScript = 0x04

	baudRate = 115200

	// DefaultChunkLimit sits in the recommended 4096-5000 byte window
	// for a single script submission and leaves headroom for the
	// `w('...')` wrapper overhead computed by Base64ChunkSize.
	DefaultChunkLimit = 4096

	openSettleDelay = 100 * time.Millisecond
	idleReadTimeout = 200 * time.Millisecond
)

const (
	// Both modes read until the channel goes quiet for IdleThreshold.
	// FramingStrict then drops everything up to and including the first
	// OK marker before splitting stdout/stderr at 0x04; FramingIdle
	// splits the bytes as read, for boards whose firmware drops the OK
	// marker.
	FramingStrict FramingMode = iota
	FramingIdle
)

// FramingMode selects how Transport recovers output framing from the
// board. The zero value is FramingStrict.
type FramingMode int

// IdleThreshold is the idle-for-N strategy's quiet-period threshold; it
// sits within the [500ms, 2s] window a healthy USB-CDC link settles in.
// Exported so tests can shrink it to keep a fake channel's read loop
// fast.
var IdleThreshold = 800 * time.Millisecond

var (
	registryMu sync.Mutex
	registry   = map[uint64]*Transport{}
	nextID     uint64
)

// Transport is bound to a single board across operations; it owns the
// serial channel and the raw-mode session state for that board's
// lifetime.
type Transport struct {
	portName string
	port     serialChannel
	framing  FramingMode
	bucket   *ratelimit.Bucket

	mu sync.Mutex
	id uint64
}

// Open opens the serial channel to portName at 115200 baud and
// registers the transport for signal-safe shutdown. The raw-mode
// handshake itself happens at the start of every SendScript call.
func Open(portName string, framing FramingMode) (*Transport, error) {
	cfg := &serial.Config{
		Name:        portName,
		Baud:        baudRate,
		ReadTimeout: idleReadTimeout,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, &tcerrors.TransportError{Port: portName, Err: err}
	}
	t := &Transport{
		portName: portName,
		port:     port,
		framing:  framing,
		// 64KiB/s limit on how fast WriteLine builds w('...') lines;
		// the script blocks built from them are written unpaced.
		bucket: ratelimit.NewBucketWithRate(64*1024, 64*1024),
	}
	registryMu.Lock()
	nextID++
	t.id = nextID
	registry[t.id] = t
	registryMu.Unlock()
	return t, nil
}

// enterRaw performs the open-procedure handshake: flush, interrupt
// twice, enter raw mode, wait briefly for the board to settle.
func (t *Transport) enterRaw() error {
	if err := t.port.Flush(); err != nil {
		return &tcerrors.TransportError{Port: t.portName, Err: err}
	}
	if _, err := t.port.Write([]byte{ctrlInterrupt, ctrlInterrupt}); err != nil {
		return &tcerrors.TransportError{Port: t.portName, Err: err}
	}
	if _, err := t.port.Write([]byte{ctrlEnterRaw}); err != nil {
		return &tcerrors.TransportError{Port: t.portName, Err: err}
	}
	time.Sleep(openSettleDelay)
	return nil
}

// SendScript sends script for execution and, if wantOutput is true,
// returns the board's stdout. A non-empty stderr section is surfaced as
// a BoardError; a lost channel is surfaced as a TransportError.
func (t *Transport) SendScript(script string, wantOutput bool) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return "", &tcerrors.TransportError{Port: t.portName, Err: io.ErrClosedPipe}
	}
	if err := t.enterRaw(); err != nil {
		return "", err
	}

	payload := script
	if !strings.HasSuffix(payload, "\n") {
		payload += "\n"
	}
	if _, err := t.port.Write([]byte(payload)); err != nil {
		return "", &tcerrors.TransportError{Port: t.portName, Err: err}
	}
	if _, err := t.port.Write([]byte{ctrlEndScript}); err != nil {
		return "", &tcerrors.TransportError{Port: t.portName, Err: err}
	}

	if !wantOutput {
		return "", nil
	}

	raw, err := t.readUntilIdle()
	if err != nil {
		return "", &tcerrors.TransportError{Port: t.portName, Err: err}
	}

	stdout, stderr := t.splitFrames(raw)
	if strings.TrimSpace(stderr) != "" {
		return stdout, &tcerrors.BoardError{Message: strings.TrimSpace(stderr)}
	}
	return stdout, nil
}

// splitFrames splits raw output at 0x04 bytes: stdout is everything
// before the first 0x04 and stderr everything between the first and
// second 0x04; anything after the second is dropped, which tolerates
// firmware that stutters the trailing 0x04. Under FramingStrict,
// everything up to and including the first OK marker (if any) is
// removed first; under FramingIdle an OK marker stays in stdout.
func (t *Transport) splitFrames(raw []byte) (stdout, stderr string) {
	okIdx := bytes.Index(raw, []byte("OK"))
	if t.framing == FramingStrict && okIdx >= 0 {
		raw = raw[okIdx+2:]
	}
	parts := bytes.SplitN(raw, []byte{ctrlEndScript}, 3)
	if len(parts) > 0 {
		stdout = string(parts[0])
	}
	if len(parts) > 1 {
		stderr = string(parts[1])
	}
	return stdout, stderr
}

func (t *Transport) readUntilIdle() ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	lastRead := time.Now()
	for {
		n, err := t.port.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			lastRead = time.Now()
		}
		if err != nil {
			// ReadTimeout elapsing surfaces as a zero-length read with
			// no error on most serial backends, but some return
			// io.EOF/timeout errors instead; either is expected idle
			// behavior, not a transport loss, as long as we've read at
			// least the opening ack.
			if buf.Len() > 0 && time.Since(lastRead) >= IdleThreshold {
				return buf.Bytes(), nil
			}
			if buf.Len() == 0 {
				return nil, err
			}
		}
		if time.Since(lastRead) >= IdleThreshold {
			return buf.Bytes(), nil
		}
	}
}

// ChunkLines accepts an iterator of script lines and invokes flush with
// the accumulated lines whenever the next line would exceed limit
// bytes. Critical multi-line groups (the caller's responsibility to
// submit as a single logical unit, e.g. open/write/close for one file)
// must be passed as already-joined entries so they are never split
// across two flush calls.
func ChunkLines(lines []string, limit int, flush func(block string) error) error {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	var pending strings.Builder
	flushPending := func() error {
		if pending.Len() == 0 {
			return nil
		}
		err := flush(pending.String())
		pending.Reset()
		return err
	}
	for _, line := range lines {
		if pending.Len() > 0 && pending.Len()+len(line)+1 > limit {
			if err := flushPending(); err != nil {
				return err
			}
		}
		if pending.Len() > 0 {
			pending.WriteByte('\n')
		}
		pending.WriteString(line)
	}
	return flushPending()
}

// Base64ChunkSize returns the maximum base64 text length that fits in a
// single `w('<chunk>')` line submitted under limit bytes, accounting for
// the `w('')` wrapper overhead.
func Base64ChunkSize(limit int) int {
	const wrapperOverhead = len("w('')") + 1
	size := limit - wrapperOverhead
	if size < 1 {
		size = 1
	}
	return size
}

// WriteLine builds the `w('<chunk>')` call for a single base64 piece
// after waiting on the rate limiter for len(chunk) tokens. This limits
// how fast lines are built; it does not pace the later SendScript
// writes, which send each accumulated block to the channel at once.
func (t *Transport) WriteLine(chunk string) string {
	t.bucket.Wait(int64(len(chunk)))
	return fmt.Sprintf("w('%s')", chunk)
}

// Listen is a passthrough mode used for interactive diagnostics: it
// leaves raw mode (so the board resumes its normal interactive REPL)
// and streams every byte it reads to sink until the channel is lost or
// stop is closed. It does not submit scripts.
func (t *Transport) Listen(sink func(p []byte), stop <-chan struct{}) error {
	t.mu.Lock()
	if t.port == nil {
		t.mu.Unlock()
		return &tcerrors.TransportError{Port: t.portName, Err: io.ErrClosedPipe}
	}
	if _, err := t.port.Write([]byte{ctrlExitRaw}); err != nil {
		t.mu.Unlock()
		return &tcerrors.TransportError{Port: t.portName, Err: err}
	}
	t.mu.Unlock()

	buf := make([]byte, 4096)
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		n, err := t.port.Read(buf)
		if n > 0 {
			sink(buf[:n])
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return &tcerrors.TransportError{Port: t.portName, Err: err}
		}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return false
}

// Close closes the underlying serial channel and removes the transport
// from the shutdown registry.
func (t *Transport) Close() error {
	registryMu.Lock()
	delete(registry, t.id)
	registryMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// CloseAll closes every open transport. It is safe to call from a
// signal handler: it takes a snapshot of the registry under lock, then
// closes each transport without allocating inside the loop body beyond
// what Close itself does.
func CloseAll() {
	registryMu.Lock()
	snapshot := make([]*Transport, 0, len(registry))
	for _, t := range registry {
		snapshot = append(snapshot, t)
	}
	registryMu.Unlock()

	for _, t := range snapshot {
		t.Close()
	}
}
