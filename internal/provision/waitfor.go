package provision

import (
	"time"

	"gopkg.in/retry.v1"

	tcerrors "github.com/warped-pinball/trench-coat/internal/errors"
)

const pollInterval = 500 * time.Millisecond

// waitFor polls predicate every 500ms until it returns true or timeout
// elapses, reporting progress through tick for each poll. It is built
// on gopkg.in/retry.v1's bounded-time strategy rather than a
// hand-rolled for+sleep loop.
func waitFor(what string, predicate func() bool, timeout time.Duration, tick func(), stop <-chan struct{}) error {
	strategy := retry.LimitTime(timeout, retry.Regular{
		Delay: pollInterval,
		Min:   1,
	})
	for a := retry.Start(strategy, stop); a.Next(); {
		select {
		case <-stop:
			return &tcerrors.Interrupted{}
		default:
		}
		if predicate() {
			return nil
		}
		tick()
	}
	return &tcerrors.DiscoveryTimeout{What: what, Timeout: timeout.String()}
}
