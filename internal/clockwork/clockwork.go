// Package clockwork wraps github.com/robfig/cron/v3 as a single periodic-
// task primitive shared by the checkpoint manager, the journal flusher and
// the page-map copier, so all three background workers are scheduled the
// same way. Grounded on _examples/SimonWaldherr-tinySQL's
// internal/storage/scheduler.go, which drives a cron.Cron for polled jobs
// and a separate goroutine for interval-only jobs; clockwork folds both
// into one type by building a cron.Schedule from a plain time.Duration via
// cron.Every, which is exactly how a fixed-interval poll is meant to be
// expressed with this library.
package clockwork

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Ticker runs fn every interval until Stop is called, plus exposes a Kick
// channel so callers can demand an out-of-band run (spec §5: "periodic task
// plus a kick-on-demand signal").
type Ticker struct {
	mu       sync.Mutex
	schedule cron.Schedule
	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	running  bool
}

// NewTicker builds a Ticker that invokes fn on the given fixed interval.
func NewTicker(interval time.Duration) *Ticker {
	return &Ticker{
		schedule: cron.Every(interval),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Kick requests an out-of-turn run at the next opportunity. Non-blocking.
func (t *Ticker) Kick() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Start runs fn on schedule until ctx is cancelled or Stop is called. fn
// receives the context so it can honor cancellation mid-run. Start must be
// called at most once per Ticker.
func (t *Ticker) Start(ctx context.Context, fn func(context.Context)) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	go func() {
		defer close(t.done)
		next := t.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			case <-t.kick:
				fn(ctx)
				next = t.schedule.Next(time.Now())
				timer.Reset(time.Until(next))
			case <-timer.C:
				fn(ctx)
				next = t.schedule.Next(time.Now())
				timer.Reset(time.Until(next))
			}
		}
	}()
}

// Stop signals the worker goroutine to exit and blocks until it has. If
// Start has not been called yet, Stop returns at once and a later Start's
// goroutine exits without running fn.
func (t *Ticker) Stop() {
	select {
	case <-t.done:
		return
	default:
	}
	t.mu.Lock()
	running := t.running
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
	t.mu.Unlock()
	if running {
		<-t.done
	}
}
