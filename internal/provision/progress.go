package provision

import (
	"io"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Progress renders the two kinds of progress a provisioning cycle
// needs: a live "waiting for devices" spinner while polling, and a
// per-file byte-progress bar during Transfer. Both are backed by mpb so
// the operator sees live bars instead of bare dot-printing; a nil
// *Progress is valid and renders nothing, which tests rely on to stay
// silent.
type Progress struct {
	container *mpb.Progress
}

// NewProgress creates a progress renderer writing to out. Passing a
// nil out disables rendering entirely (used for --listen-after and
// tests where bar output would interleave with board stdout).
func NewProgress(out io.Writer) *Progress {
	if out == nil {
		return &Progress{}
	}
	return &Progress{container: mpb.New(mpb.WithOutput(out), mpb.WithWidth(24))}
}

// WaitSpinner returns a bar tracking waitFor's poll ticks and a done
// func to call once the predicate succeeds or the wait times out.
func (p *Progress) WaitSpinner(label string, timeout time.Duration) (tick func(), done func()) {
	if p == nil || p.container == nil {
		return func() {}, func() {}
	}
	totalTicks := int64(timeout/(500*time.Millisecond)) + 1
	bar := p.container.AddBar(totalTicks,
		mpb.PrependDecorators(decor.Name(label)),
		mpb.AppendDecorators(decor.NewPercentage("% d")),
	)
	return func() { bar.Increment() }, func() { bar.Abort(true) }
}

// TransferBar returns a byte-progress bar for uploading a single file,
// backed by an explicit EWMA for the speed estimate.
func (p *Progress) TransferBar(label string, totalBytes int64) (advance func(n int), done func()) {
	if p == nil || p.container == nil {
		return func(int) {}, func() {}
	}
	average := ewma.NewMovingAverage()
	bar := p.container.AddBar(totalBytes,
		mpb.PrependDecorators(decor.Name(label)),
		mpb.AppendDecorators(
			decor.MovingAverageSpeed(decor.UnitKiB, "% .1f", average),
			decor.Percentage(),
		),
	)
	return func(n int) { bar.IncrBy(n) }, func() { bar.SetCurrent(totalBytes) }
}

// Wait blocks until every bar registered on this container has
// finished rendering, matching mpb's documented shutdown sequence.
func (p *Progress) Wait() {
	if p == nil || p.container == nil {
		return
	}
	p.container.Wait()
}
