package mesh

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// idleWait bounds how long a deadline loop sleeps when nothing is due.
const idleWait = time.Hour

// runDeadlineLoop sleeps until the deadline reported by next, calls fire,
// and repeats until ctx is cancelled. A send on wake makes it re-read next.
func runDeadlineLoop(ctx context.Context, clk clockwork.Clock, wake <-chan struct{},
	next func() (time.Time, bool), fire func(context.Context)) error {
	timer := clk.NewTimer(idleWait)
	defer timer.Stop()

	for {
		wait := idleWait
		if deadline, ok := next(); ok {
			wait = max(deadline.Sub(clk.Now()), 0)
		}
		timer.Stop()
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-timer.Chan():
			fire(ctx)
		}
	}
}

// signal performs a non-blocking send on a wake channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
