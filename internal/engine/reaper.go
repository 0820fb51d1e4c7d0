package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/escaperoomhq/booking/internal/model"
)

// sweepBatch bounds how many lapsed holds one Sweep call processes.  A
// lagging reaper catches up across successive runs instead of holding one
// long transaction.
const sweepBatch = 200

// Sweep expires every ACTIVE hold whose deadline has passed, releasing its
// slot lock or capacity share, then purges lock/counter rows past their
// grace deadline.  Each transition is conditioned on the hold still being
// ACTIVE with a lapsed deadline, so concurrent sweepers, racing
// confirmations, and extensions landing between the listing and the release
// are all safe: a hold that terminalized or whose deadline moved forward in
// the meantime is simply skipped.  Returns the number of holds expired by
// this call.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	expired := 0
	for {
		refs, err := e.store.LapsedHolds(ctx, e.now(), sweepBatch)
		if err != nil {
			return expired, err
		}
		if len(refs) == 0 {
			break
		}
		for _, ref := range refs {
			_, released, err := e.store.ReleaseHold(ctx, ref.OrgID, ref.HoldID, model.HoldStatusExpired, e.now())
			if err != nil {
				if errors.Is(err, ErrHoldNotFound) {
					continue
				}
				return expired, err
			}
			if released {
				expired++
			}
		}
		if len(refs) < sweepBatch {
			break
		}
	}
	if _, err := e.store.PurgeLapsed(ctx, e.now()); err != nil {
		return expired, err
	}
	return expired, nil
}

// CountActiveHolds reports the number of ACTIVE holds for an org.  It is a
// read-only diagnostic for dashboards and is never part of the write path.
func (e *Engine) CountActiveHolds(ctx context.Context, orgID string) (int, error) {
	return e.store.CountActiveHolds(ctx, orgID)
}

// RunReaper sweeps on the given interval until the context is cancelled.
// Multiple reapers may run against the same store; the conditioned
// transitions make duplicated work harmless.
func (e *Engine) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := e.Sweep(ctx)
			if err != nil {
				log.Printf("reaper: sweep failed after expiring %d holds: %v", n, err)
				continue
			}
			if n > 0 {
				log.Printf("reaper: expired %d lapsed holds", n)
			}
		}
	}
}
