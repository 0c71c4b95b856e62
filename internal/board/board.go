// Package board implements the thin, single-board operations built on
// the raw-REPL transport: entering the bootloader, wiping the
// filesystem, restarting, indexing on-device file hashes, and
// transferring an update bundle's files.
package board

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	tcerrors "github.com/warped-pinball/trench-coat/internal/errors"
	"github.com/warped-pinball/trench-coat/internal/replraw"
)

// FileDescriptor mirrors bundle.FileDescriptor without importing the
// bundle package, so board stays usable against any source of files
// that already carry a verified hash.
type FileDescriptor struct {
	Path      string
	Execute   bool
	BodyB64   string
	SHA256Hex string
}

// ProgressReporter renders a byte-progress bar for one file transfer.
// *provision.Progress satisfies this interface structurally without
// board importing provision.
type ProgressReporter interface {
	TransferBar(label string, totalBytes int64) (advance func(n int), done func())
}

// Controller wraps a Transport with the higher-level operations a
// provisioning cycle needs for one board.
type Controller struct {
	transport  *replraw.Transport
	chunkLimit int
	progress   ProgressReporter
}

// New wraps an already-open transport. The chunkLimit governs how
// Transfer splits base64 payloads into w('...') lines; zero selects
// replraw.DefaultChunkLimit. A nil progress disables the per-file
// transfer bar.
func New(t *replraw.Transport, chunkLimit int, progress ProgressReporter) *Controller {
	if chunkLimit <= 0 {
		chunkLimit = replraw.DefaultChunkLimit
	}
	return &Controller{transport: t, chunkLimit: chunkLimit, progress: progress}
}

// EnterBootloader executes machine.bootloader() fire-and-forget. The
// channel is expected to error as the device disconnects immediately
// after; that error is swallowed. The controller's transport is
// invalidated after this call — any further operation on this
// Controller returns a TransportError.
func (c *Controller) EnterBootloader() error {
	_, _ = c.transport.SendScript(enterBootloaderScript, false)
	c.transport.Close()
	return nil
}

// Restart executes machine.reset() fire-and-forget, swallowing the
// expected disconnect error the same way EnterBootloader does.
func (c *Controller) Restart() error {
	_, _ = c.transport.SendScript(restartScript, false)
	c.transport.Close()
	return nil
}

// WipeFilesystem recursively removes everything under / except the
// paths listed in keep. Passing a nil/empty keep list wipes everything.
func (c *Controller) WipeFilesystem(keep []string) error {
	script := fmt.Sprintf(wipeFilesystemScriptTemplate, pyStringList(keep))
	out, err := c.transport.SendScript(script, true)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "DONE") {
		return &tcerrors.BoardError{Message: "wipe did not report completion: " + out}
	}
	return nil
}

// HashIndex runs a script that recursively walks / and returns the
// mapping of on-device path to hex SHA-256 digest. It locates the
// outermost {...} in the returned text, tolerating stray prompt
// characters the board's firmware sometimes injects before/after the
// JSON payload.
func (c *Controller) HashIndex() (map[string]string, error) {
	out, err := c.transport.SendScript(hashIndexScript, true)
	if err != nil {
		return nil, err
	}
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end < start {
		return nil, &tcerrors.BoardError{Message: "hash_index: no JSON object found in output: " + out}
	}
	var index map[string]string
	if err := json.Unmarshal([]byte(out[start:end+1]), &index); err != nil {
		return nil, &tcerrors.BoardError{Message: "hash_index: malformed JSON: " + err.Error()}
	}
	return index, nil
}

// Transfer computes the delta between files and the board's current
// hash index, then writes every file in the delta set, verifying each
// by content hash before returning. Files marked Execute are always
// transferred (they may have been consumed by a prior cycle), run
// immediately after upload, and then removed from the board — they are
// one-shot migration hooks, not part of the steady-state file set.
func (c *Controller) Transfer(files []FileDescriptor) error {
	index, err := c.HashIndex()
	if err != nil {
		return err
	}

	delta := deltaSet(files, index)
	if len(delta) == 0 {
		return nil
	}

	if _, err := c.transport.SendScript(transferPreamble, true); err != nil {
		return err
	}

	for _, f := range delta {
		if err := c.transferOne(f); err != nil {
			return err
		}
	}

	out, err := c.transport.SendScript("print([c for c in hash_checks if not c[1]])", true)
	if err != nil {
		return err
	}
	if failing := parseFailingPaths(out); len(failing) > 0 {
		return &tcerrors.VerifyError{Paths: failing}
	}
	return nil
}

func (c *Controller) transferOne(f FileDescriptor) error {
	dir := parentDir(f.Path)
	var lines []string
	if dir != "" && dir != "/" {
		lines = append(lines, fmt.Sprintf("mdir('%s')", dir))
	}
	lines = append(lines, fmt.Sprintf("f = open('%s', 'wb')", f.Path))

	advance, done := c.transferBar(f.Path, int64(len(f.BodyB64)))
	defer done()

	pieceSize := replraw.Base64ChunkSize(c.chunkLimit)
	for i := 0; i < len(f.BodyB64); i += pieceSize {
		end := i + pieceSize
		if end > len(f.BodyB64) {
			end = len(f.BodyB64)
		}
		piece := f.BodyB64[i:end]
		lines = append(lines, c.transport.WriteLine(piece))
		advance(len(piece))
	}
	lines = append(lines, "f.close()")
	lines = append(lines, fmt.Sprintf("hash_check('%s', '%s')", f.Path, f.SHA256Hex))
	if f.Execute {
		lines = append(lines, fmt.Sprintf("execute_file('%s')", f.Path))
	}

	return replraw.ChunkLines(lines, c.chunkLimit, func(block string) error {
		_, err := c.transport.SendScript(block, true)
		return err
	})
}

// Listen streams raw board output to sink for interactive diagnostics;
// it does not submit scripts. See replraw.Transport.Listen.
func (c *Controller) Listen(sink func([]byte), stop <-chan struct{}) error {
	return c.transport.Listen(sink, stop)
}

// transferBar renders a byte-progress bar for one file's upload, or a
// pair of no-ops if no ProgressReporter was configured.
func (c *Controller) transferBar(label string, totalBytes int64) (advance func(int), done func()) {
	if c.progress == nil {
		return func(int) {}, func() {}
	}
	return c.progress.TransferBar(label, totalBytes)
}

// deltaSet returns the files whose on-device digest differs from the
// decoded-body digest, plus every Execute-marked file unconditionally.
func deltaSet(files []FileDescriptor, index map[string]string) []FileDescriptor {
	var delta []FileDescriptor
	for _, f := range files {
		if f.Execute {
			delta = append(delta, f)
			continue
		}
		if index[f.Path] != f.SHA256Hex {
			delta = append(delta, f)
		}
	}
	return delta
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

func pyStringList(items []string) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Quote(item))
	}
	b.WriteByte(']')
	return b.String()
}

// parseFailingPaths extracts the path portion of each ('path', False)
// tuple printed by Transfer's final verification line.
func parseFailingPaths(out string) []string {
	out = strings.TrimSpace(out)
	if out == "" || out == "[]" {
		return nil
	}
	var failing []string
	for _, tok := range strings.Split(out, "'") {
		tok = strings.TrimSpace(tok)
		if strings.HasPrefix(tok, "/") {
			failing = append(failing, tok)
		}
	}
	return failing
}
