// Command trenchcoat drives a fleet of pinball-machine controller
// boards through a complete reinstall cycle: bootloader entry, a nuke
// flash, a firmware flash, and a signed application-bundle transfer.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/acarl005/stripansi"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"gopkg.in/tomb.v2"

	"github.com/warped-pinball/trench-coat/internal/bundle"
	"github.com/warped-pinball/trench-coat/internal/discover"
	tcerrors "github.com/warped-pinball/trench-coat/internal/errors"
	"github.com/warped-pinball/trench-coat/internal/provision"
	"github.com/warped-pinball/trench-coat/internal/replraw"
)

var version = "dev"

type cliOptions struct {
	Firmware     string `short:"f" long:"firmware" description:"Path to a UF2 firmware image to flash (default: $TRENCHCOAT_FIRMWARE, else first non-nuke *.uf2 under the uf2 dir)"`
	Software     string `short:"s" long:"software" description:"Path to a signed update-bundle file (default: $TRENCHCOAT_BUNDLE)"`
	SkipFirmware bool   `long:"skip-firmware" description:"Skip the nuke/firmware stages; transfer application files only"`
	Once         bool   `long:"once" description:"Exit after one provisioning cycle"`
	ListenAfter  bool   `long:"listen-after" description:"After one cycle, stream the first board's stdout until interrupted"`
	Version      bool   `long:"version" description:"Print the version and exit"`
	List         bool   `long:"list" description:"List discovered devices and exit (supplemented feature)"`
	Ports        string `short:"p" long:"ports" description:"Comma-separated runtime ports to send into the bootloader (with --skip-firmware: to receive application files); default is all discovered"`
	ChunkLimit   int    `long:"chunk-limit" description:"Max bytes per raw-REPL script chunk (default: $TRENCHCOAT_CHUNK_LIMIT, else replraw.DefaultChunkLimit)"`
	Wipe         bool   `long:"wipe" description:"Wipe each board's filesystem before transferring application files"`
	Keep         string `long:"keep" description:"Comma-separated on-device paths to preserve when --wipe is set"`
}

var (
	banner = lipgloss.NewStyle().Bold(true)
	warn   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	fatal  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
)

func main() {
	loadDotEnv()

	var opts cliOptions
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(exitCodeForParseError(err))
	}

	if opts.Version {
		fmt.Println(version)
		return
	}

	if opts.List {
		runList()
		return
	}

	cycleID := uuid.NewString()[:8]
	stylePrint(banner, fmt.Sprintf("[%s] trenchcoat starting", cycleID))

	if err := run(cycleID, opts); err != nil {
		if _, interrupted := err.(*tcerrors.Interrupted); interrupted {
			os.Exit(0)
		}
		stylePrint(fatal, fmt.Sprintf("[%s] %v", cycleID, err))
		if _, timeout := err.(*tcerrors.DiscoveryTimeout); timeout {
			stylePrint(warn, "Unplug all devices, wait 10 seconds, and try again.")
		}
		os.Exit(1)
	}
}

func run(cycleID string, opts cliOptions) error {
	firmware, err := resolveFirmware(opts.Firmware)
	if err != nil {
		return err
	}
	nuke, err := resolveNuke()
	if err != nil {
		return err
	}

	software := resolveSoftware(opts.Software)
	var b *bundle.Bundle
	if software != "" {
		if err := bundle.Verify(software, bundle.SigningKey()); err != nil {
			return err
		}
		b, err = bundle.Load(software)
		if err != nil {
			return err
		}
	}

	provOpts := provision.Options{
		SkipFirmware: opts.SkipFirmware,
		Ports:        splitPorts(opts.Ports),
		Wipe:         opts.Wipe,
		Keep:         splitPorts(opts.Keep),
		ChunkLimit:   resolveChunkLimit(opts.ChunkLimit),
		Log:          os.Stdout,
		Progress:     provision.NewProgress(progressOutput(opts)),
		Framing:      replraw.FramingStrict,
	}

	probes := provision.NewHardwareProbes(discover.PicoVendorID, discover.PicoProductID)

	var t tomb.Tomb
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	t.Go(func() error {
		select {
		case <-sig:
			provision.Shutdown()
			return &tcerrors.Interrupted{}
		case <-t.Dying():
			return nil
		}
	})

	loop := &provision.Loop{
		Probes:      probes,
		FirmwareUF2: firmware,
		NukeUF2:     nuke,
		Bundle:      b,
		Options:     provOpts,
	}

	var runErr error
	t.Go(func() error {
		if opts.Once || opts.ListenAfter {
			runErr = loop.RunOnce(&t)
		} else {
			runErr = loop.RunContinuous(&t)
		}
		if opts.ListenAfter && runErr == nil {
			runErr = listenAfter(probes, opts, t.Dying())
		}
		t.Kill(runErr)
		return runErr
	})

	t.Wait()
	signal.Stop(sig)
	return runErr
}

// listenAfter implements the supplemented --listen-after flag: stream
// the first discovered board's raw-REPL output to stdout until the
// tomb is killed (signal), the operator presses 'q', or the board
// disconnects.
func listenAfter(probes provision.Probes, opts cliOptions, stop <-chan struct{}) error {
	ports := probes.RuntimePorts()
	if len(ports) == 0 {
		return nil
	}
	t, err := replraw.Open(ports[0], replraw.FramingStrict)
	if err != nil {
		return err
	}
	defer t.Close()

	quit := watchForQuit()
	merged := make(chan struct{})
	go func() {
		select {
		case <-stop:
		case <-quit:
		}
		close(merged)
	}()

	return t.Listen(func(p []byte) {
		os.Stdout.Write(p)
	}, merged)
}

// progressOutput disables bar rendering during --listen-after so
// stream output doesn't interleave with progress bars.
func progressOutput(opts cliOptions) io.Writer {
	if opts.ListenAfter {
		return nil
	}
	return os.Stdout
}

func runList() {
	ports := discover.EnumerateRuntimePorts(discover.PicoVendorID, discover.PicoProductID)
	volumes := discover.EnumerateBootloaderVolumes()
	fmt.Println("Runtime devices:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}
	fmt.Println("Bootloader volumes:")
	for _, v := range volumes {
		fmt.Printf("  %s\n", v)
	}
}

func splitPorts(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolveFirmware honors --firmware, then TRENCHCOAT_FIRMWARE, then the
// first non-nuke *.uf2 file found under uf2Dir().
func resolveFirmware(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if env := os.Getenv("TRENCHCOAT_FIRMWARE"); env != "" {
		return env, nil
	}
	dir := uf2Dir()
	matches, _ := filepath.Glob(filepath.Join(dir, "*.uf2"))
	for _, m := range matches {
		if !strings.Contains(strings.ToLower(filepath.Base(m)), "nuke") {
			return m, nil
		}
	}
	return "", &tcerrors.ConfigError{Msg: "no firmware UF2 found; pass --firmware explicitly"}
}

func resolveNuke() (string, error) {
	dir := uf2Dir()
	matches, _ := filepath.Glob(filepath.Join(dir, "*nuke*.uf2"))
	if len(matches) == 0 {
		return "", &tcerrors.ConfigError{Msg: "no nuke UF2 found under " + dir}
	}
	return matches[0], nil
}

// resolveSoftware honors --software, then TRENCHCOAT_BUNDLE.
func resolveSoftware(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return os.Getenv("TRENCHCOAT_BUNDLE")
}

// resolveChunkLimit honors --chunk-limit, then TRENCHCOAT_CHUNK_LIMIT;
// zero (the default for both) lets provision.Options fall back to
// replraw.DefaultChunkLimit.
func resolveChunkLimit(explicit int) int {
	if explicit > 0 {
		return explicit
	}
	if env := os.Getenv("TRENCHCOAT_CHUNK_LIMIT"); env != "" {
		if n, err := strconv.Atoi(env); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// uf2Dir honors TRENCHCOAT_UF2_DIR, then the "uf2" directory alongside
// the running executable.
func uf2Dir() string {
	if env := os.Getenv("TRENCHCOAT_UF2_DIR"); env != "" {
		return env
	}
	if exe, err := os.Executable(); err == nil {
		return filepath.Join(filepath.Dir(exe), "uf2")
	}
	return "uf2"
}

func loadDotEnv() {
	envFile := os.Getenv("TRENCHCOAT_ENV")
	if envFile == "" {
		envFile = ".env"
	}
	// Missing .env is normal, not an error worth surfacing.
	_ = godotenv.Load(envFile)
}

func stylePrint(style lipgloss.Style, s string) {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Println(stripansi.Strip(style.Render(s)))
		return
	}
	fmt.Println(style.Render(s))
}

func exitCodeForParseError(err error) int {
	if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
		return 0
	}
	return 1
}
