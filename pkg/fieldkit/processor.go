package fieldkit

import (
	"context"
	"time"
)

// processor owns the sync schedule. One goroutine, one timer: armed to
// the earliest pending retry, bounded by the idle interval, with a kick
// channel for immediate wakeups after local writes. Cancelling the
// context tears the loop down.
type processor struct {
	syncer *syncer
	store  *Store
	cfg    Config
	kick   chan struct{}
}

func newProcessor(syncer *syncer, store *Store, cfg Config) *processor {
	return &processor{
		syncer: syncer,
		store:  store,
		cfg:    cfg,
		kick:   make(chan struct{}, 1),
	}
}

// Kick requests a sync pass without waiting for the timer. Safe to call
// from any goroutine; extra kicks while one is queued coalesce.
func (p *processor) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run drives sync passes until ctx is cancelled.
func (p *processor) Run(ctx context.Context) {
	timer := time.NewTimer(p.rearmDelay(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-p.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		// Outcomes land in the outbox rows themselves (attempts,
		// last_error), so a failed pass needs no handling here beyond
		// the backoff the syncer already booked.
		_, _ = p.syncer.SyncOnce(ctx)

		timer.Reset(p.rearmDelay(ctx))
	}
}

// rearmDelay returns how long to sleep before the next pass: until the
// earliest pending retry, but never longer than the idle interval.
func (p *processor) rearmDelay(ctx context.Context) time.Duration {
	delay := p.cfg.SyncInterval
	next, err := p.store.NextRetryAt(ctx)
	if err == nil && next != nil {
		if until := time.Until(*next); until < delay {
			delay = until
		}
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
