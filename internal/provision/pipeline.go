// Package provision orchestrates the full reinstall cycle — the S0-S4
// state machine driving a board from runtime through bootloader, nuke,
// firmware, and back to runtime with application files in place — and
// the outer convergence loop that repeatedly flashes batches of boards
// as they're plugged in.
package provision

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/warped-pinball/trench-coat/internal/board"
	"github.com/warped-pinball/trench-coat/internal/bundle"
	tcerrors "github.com/warped-pinball/trench-coat/internal/errors"
	"github.com/warped-pinball/trench-coat/internal/replraw"
)

const (
	bootloaderWaitTimeout = 60 * time.Second
	firmwareWaitTimeout   = 60 * time.Second
	postCopySettleDelay   = 5 * time.Second
)

// Options configures one Provision call.
type Options struct {
	// SkipFirmware skips S1-S3 (enter-bootloader, nuke, firmware) and
	// goes straight to S4 against boards already in runtime mode.
	SkipFirmware bool
	// Ports restricts S1 to the named runtime ports; empty means "all
	// discovered".
	Ports []string
	// Wipe, when true, runs WipeFilesystem against every board at S4
	// before Transfer, preserving the paths listed in Keep. Transfer's
	// own hash-diff already skips re-writing unchanged files, so wiping
	// is an explicit operator choice, not an implicit step.
	Wipe bool
	// Keep lists on-device paths WipeFilesystem must preserve; only
	// consulted when Wipe is true.
	Keep []string
	// ChunkLimit bounds script/base64 chunk size; zero selects
	// replraw.DefaultChunkLimit.
	ChunkLimit int
	// Framing selects strict vs idle-based raw-REPL output recovery.
	Framing replraw.FramingMode
	// Log receives human-readable progress lines; nil discards them.
	Log io.Writer
	// Progress renders wait/transfer bars; nil disables rendering.
	Progress *Progress
}

func (o Options) logf(format string, args ...interface{}) {
	if o.Log == nil {
		return
	}
	fmt.Fprintf(o.Log, format+"\n", args...)
}

// Provision drives one board (or fleet of boards) through
// Runtime -> Bootloader -> (nuke) -> Bootloader -> (firmware) -> Runtime -> FilesReady.
func Provision(probes Probes, firmwareUF2, nukeUF2 string, files *bundle.Bundle, stop <-chan struct{}, opts Options) error {
	// S0: initial snapshot.
	r0 := selectPorts(probes.RuntimePorts(), opts.Ports)
	b0 := probes.BootloaderVolumes()

	if opts.SkipFirmware {
		opts.logf("skipping firmware stages, flashing application files to %d runtime port(s)", len(r0))
		return flashApplication(r0, files, opts)
	}

	target := len(b0) + len(r0)

	// S1: coerce_runtime_to_bootloader.
	opts.logf("entering bootloader mode on %d device(s)", len(r0))
	for _, port := range r0 {
		if err := enterBootloaderOnPort(port, opts); err != nil {
			opts.logf("warning: %v (expected on disconnect, continuing)", err)
		}
	}
	tick, done := startWait(opts, "waiting for bootloader volumes")
	err := waitFor("bootloader volumes", func() bool {
		return len(probes.BootloaderVolumes()) >= target
	}, bootloaderWaitTimeout, tick, stop)
	done()
	if err != nil {
		return err
	}

	// S2: wipe_with_nuke.
	volumes := probes.BootloaderVolumes()
	opts.logf("nuking flash on %d device(s)", len(volumes))
	if err := copyUF2ToVolumes(nukeUF2, volumes); err != nil {
		return err
	}
	time.Sleep(postCopySettleDelay)

	tick, done = startWait(opts, "waiting for nuke to consume devices")
	err = waitFor("nuke consumption", func() bool {
		return len(probes.BootloaderVolumes()) < len(volumes)
	}, bootloaderWaitTimeout, tick, stop)
	done()
	if err != nil {
		return err
	}
	tick, done = startWait(opts, "waiting for bootloader volumes to recover")
	err = waitFor("bootloader recovery", func() bool {
		return len(probes.BootloaderVolumes()) >= target
	}, bootloaderWaitTimeout, tick, stop)
	done()
	if err != nil {
		return err
	}

	// S3: flash_firmware.
	volumes = probes.BootloaderVolumes()
	opts.logf("flashing firmware to %d device(s)", len(volumes))
	if err := copyUF2ToVolumes(firmwareUF2, volumes); err != nil {
		return err
	}
	time.Sleep(postCopySettleDelay)

	tick, done = startWait(opts, "waiting for devices to return as runtime")
	err = waitFor("runtime recovery", func() bool {
		return len(probes.RuntimePorts()) >= len(volumes)
	}, firmwareWaitTimeout, tick, stop)
	done()
	if err != nil {
		return err
	}

	// S4: flash_application.
	runtimePorts := probes.RuntimePorts()
	return flashApplication(runtimePorts, files, opts)
}

func startWait(opts Options, label string) (tick func(), done func()) {
	if opts.Progress == nil {
		return func() {}, func() {}
	}
	return opts.Progress.WaitSpinner(label, bootloaderWaitTimeout)
}

func selectPorts(all, wanted []string) []string {
	if len(wanted) == 0 {
		return all
	}
	want := map[string]bool{}
	for _, p := range wanted {
		want[p] = true
	}
	var out []string
	for _, p := range all {
		if want[p] {
			out = append(out, p)
		}
	}
	return out
}

func enterBootloaderOnPort(port string, opts Options) error {
	t, err := replraw.Open(port, opts.Framing)
	if err != nil {
		return err
	}
	c := board.New(t, opts.ChunkLimit, opts.Progress)
	return c.EnterBootloader()
}

// copyUF2ToVolumes copies src to every volume's root and syncs the file
// so the bootloader sees a complete write before it starts
// reprogramming.
func copyUF2ToVolumes(src string, volumes []string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return &tcerrors.ConfigError{Msg: "reading UF2 image", Err: err}
	}
	for _, vol := range volumes {
		dst := filepath.Join(vol, filepath.Base(src))
		f, err := os.Create(dst)
		if err != nil {
			return &tcerrors.TransportError{Port: vol, Err: err}
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return &tcerrors.TransportError{Port: vol, Err: err}
		}
		_ = f.Sync()
		f.Close()
	}
	return nil
}

func flashApplication(ports []string, files *bundle.Bundle, opts Options) error {
	descriptors := toBoardDescriptors(files)
	for _, port := range ports {
		if err := flashOnePort(port, descriptors, opts); err != nil {
			return err
		}
	}
	return nil
}

func flashOnePort(port string, descriptors []board.FileDescriptor, opts Options) error {
	t, err := replraw.Open(port, opts.Framing)
	if err != nil {
		return err
	}
	c := board.New(t, opts.ChunkLimit, opts.Progress)
	if opts.Wipe {
		opts.logf("wiping filesystem on %s (keeping %v)", port, opts.Keep)
		if err := c.WipeFilesystem(opts.Keep); err != nil {
			t.Close()
			return err
		}
	}
	opts.logf("transferring %d file(s) to %s", len(descriptors), port)
	if err := c.Transfer(descriptors); err != nil {
		t.Close()
		return err
	}
	opts.logf("restarting %s", port)
	return c.Restart()
}

func toBoardDescriptors(b *bundle.Bundle) []board.FileDescriptor {
	if b == nil {
		return nil
	}
	out := make([]board.FileDescriptor, 0, len(b.Files))
	for _, f := range b.Files {
		out = append(out, board.FileDescriptor{
			Path:      f.Path,
			Execute:   f.Execute,
			BodyB64:   encodeBody(f.Body),
			SHA256Hex: f.SHA256Hex,
		})
	}
	return out
}

func encodeBody(body []byte) string {
	return base64.StdEncoding.EncodeToString(body)
}
