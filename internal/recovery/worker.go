// Package recovery runs the hub's deferred work: a set of coalescing
// "wanted" flags drained in a fixed order, and the periodic sensor poll,
// both on one goroutine.
package recovery

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
)

// Flag is one kind of deferred work.
type Flag uint32

const (
	RetryExhausted Flag = 1 << iota
	ReInit
	Facedown
	KickStart
	StateChange
)

// order is the processing order within one run.
var order = []Flag{RetryExhausted, ReInit, Facedown, KickStart, StateChange}

func (f Flag) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, x := range order {
		if f&x == 0 {
			continue
		}
		switch x {
		case RetryExhausted:
			parts = append(parts, "retry_exhausted")
		case ReInit:
			parts = append(parts, "re_init")
		case Facedown:
			parts = append(parts, "facedown")
		case KickStart:
			parts = append(parts, "kick_start")
		case StateChange:
			parts = append(parts, "state_change")
		}
	}
	return strings.Join(parts, "|")
}

// Handler does the work behind each flag.
type Handler interface {
	RetryExhausted(ctx context.Context)
	ReInit(ctx context.Context)
	Facedown(ctx context.Context)
	KickStart(ctx context.Context)
	StateChange(ctx context.Context)
}

type Worker struct {
	h    Handler
	poll func(ctx context.Context)

	flags  atomic.Uint32
	wake   chan struct{}
	pollCh chan time.Duration

	runs atomic.Uint64
}

// New returns a worker; poll may be nil.
func New(h Handler, poll func(ctx context.Context)) *Worker {
	return &Worker{
		h:      h,
		poll:   poll,
		wake:   make(chan struct{}, 1),
		pollCh: make(chan time.Duration, 1),
	}
}

// Request sets f and wakes the worker. Repeated requests before the worker
// runs coalesce. Safe from any goroutine; never blocks.
func (w *Worker) Request(f Flag) {
	w.flags.Or(uint32(f))
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Pending returns the flags not yet taken.
func (w *Worker) Pending() Flag { return Flag(w.flags.Load()) }

// Runs counts completed RunOnce calls.
func (w *Worker) Runs() uint64 { return w.runs.Load() }

func (w *Worker) take(f Flag) bool {
	for {
		old := w.flags.Load()
		if old&uint32(f) == 0 {
			return false
		}
		if w.flags.CompareAndSwap(old, old&^uint32(f)) {
			return true
		}
	}
}

// RunOnce processes every set flag in order and returns the ones it handled.
// With nothing set it does nothing.
func (w *Worker) RunOnce(ctx context.Context) Flag {
	defer w.runs.Add(1)
	var done Flag
	for _, f := range order {
		if !w.take(f) {
			continue
		}
		done |= f
		switch f {
		case RetryExhausted:
			w.h.RetryExhausted(ctx)
		case ReInit:
			w.h.ReInit(ctx)
		case Facedown:
			w.h.Facedown(ctx)
		case KickStart:
			w.h.KickStart(ctx)
		case StateChange:
			w.h.StateChange(ctx)
		}
	}
	return done
}

// SetPollInterval reschedules the poll: the pending poll is cancelled and a
// new one queued d from now. d <= 0 stops polling.
func (w *Worker) SetPollInterval(d time.Duration) {
	for {
		select {
		case w.pollCh <- d:
			return
		default:
		}
		select {
		case <-w.pollCh:
		default:
		}
	}
}

// Run serves requests and the poll timer until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	var (
		timer    *time.Timer
		tick     <-chan time.Time
		interval time.Duration
	)
	stop := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		tick = nil
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
			w.RunOnce(ctx)
		case d := <-w.pollCh:
			stop()
			interval = d
			if d > 0 {
				timer = time.NewTimer(d)
				tick = timer.C
			}
		case <-tick:
			if w.poll != nil {
				w.poll(ctx)
			}
			timer.Reset(interval)
		}
	}
}
