package stats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrQueueFull is returned by Async.Record when the event was dropped.
var ErrQueueFull = errors.New("stats queue full")

// Async hands events to a single worker over a bounded queue so a slow
// backend never holds up the request that produced the event. Events
// that do not fit in the queue are dropped and counted.
type Async struct {
	rec     Recorder
	timeout time.Duration
	log     zerolog.Logger

	queue   chan Event
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsync starts the worker. size bounds the queue and timeout bounds
// each write to rec.
func NewAsync(rec Recorder, size int, timeout time.Duration, logger zerolog.Logger) *Async {
	if size < 1 {
		size = 1
	}
	a := &Async{
		rec:     rec,
		timeout: timeout,
		log:     logger,
		queue:   make(chan Event, size),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Record enqueues ev without blocking. ctx is not used for the write.
func (a *Async) Record(_ context.Context, ev Event) error {
	select {
	case a.queue <- ev:
		return nil
	default:
		a.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped returns how many events did not fit in the queue.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Unwrap returns the recorder events are written to.
func (a *Async) Unwrap() Recorder { return a.rec }

// Close stops accepting events and waits for queued ones to be written.
// Record must not be called after Close.
func (a *Async) Close() {
	a.closeOnce.Do(func() { close(a.queue) })
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.rec.Record(ctx, ev); err != nil {
			a.log.Warn().Err(err).Str("limiter", ev.Limiter).Msg("record rate limit stats")
		}
		cancel()
	}
}
