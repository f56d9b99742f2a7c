// Package irq splits interrupt handling into a fast stage, safe to call from
// an ISR or an edge-watcher goroutine, and a single deferred worker that runs
// the real handler serially.
package irq

import (
	"context"
	"sync/atomic"
)

// Handler is the deferred stage. It is never called concurrently with itself.
type Handler func()

type Worker struct {
	// Written by the fast stage; MUST NOT block it.
	isrQ    chan struct{}
	handler Handler
	stopped chan struct{}
	started atomic.Bool

	fired   uint32 // fast-stage calls that were queued
	drops   uint32 // fast-stage calls lost to a full queue
	handled uint32 // deferred runs completed
}

func New(depth int, h Handler) *Worker {
	if depth <= 0 {
		depth = 8
	}
	return &Worker{
		isrQ:    make(chan struct{}, depth),
		handler: h,
		stopped: make(chan struct{}),
	}
}

// Start launches the deferred worker. It returns once ctx is done and the
// in-flight handler (if any) has returned.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(w.stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.isrQ:
				w.handler()
				atomic.AddUint32(&w.handled, 1)
			}
		}
	}()
}

// Trigger is the fast stage: a non-blocking hand-off to the worker.
// It reports false if the interrupt was dropped.
func (w *Worker) Trigger() bool {
	select {
	case w.isrQ <- struct{}{}:
		atomic.AddUint32(&w.fired, 1)
		return true
	default:
		atomic.AddUint32(&w.drops, 1) // protect ISR path
		return false
	}
}

// Stopped is closed after the worker goroutine exits.
func (w *Worker) Stopped() <-chan struct{} { return w.stopped }

func (w *Worker) Fired() uint32   { return atomic.LoadUint32(&w.fired) }
func (w *Worker) Drops() uint32   { return atomic.LoadUint32(&w.drops) }
func (w *Worker) Handled() uint32 { return atomic.LoadUint32(&w.handled) }
