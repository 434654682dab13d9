// Package worker runs blocking native calls on a dedicated goroutine locked
// to one OS thread.
package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/mzyy94/scanbridge/internal/metrics"
)

// ErrStopped is returned for calls submitted after Close.
var ErrStopped = errors.New("worker: stopped")

// Worker executes calls one at a time on its own OS thread. Callers wait for
// the result or their context, whichever comes first; a call abandoned by
// its caller still runs to completion on the worker.
type Worker struct {
	backend  string
	calls    chan func()
	stop     chan struct{}
	stopOnce sync.Once
}

// New starts a worker. backend labels the native call metrics.
func New(backend string) *Worker {
	w := &Worker{backend: backend, calls: make(chan func()), stop: make(chan struct{})}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for {
		select {
		case fn := <-w.calls:
			fn()
		case <-w.stop:
			return
		}
	}
}

// Close stops the worker after the call in progress, if any.
func (w *Worker) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Call runs fn on the worker and joins its result.
func Call[T any](ctx context.Context, w *Worker, name string, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	job := func() {
		start := time.Now()
		v, err := fn()
		metrics.ObserveNativeCall(w.backend, name, time.Since(start))
		done <- result{v, err}
	}

	var zero T
	select {
	case w.calls <- job:
	case <-ctx.Done():
		return zero, context.Cause(ctx)
	case <-w.stop:
		return zero, ErrStopped
	}
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return zero, context.Cause(ctx)
	}
}

// Run is Call for functions without a result value.
func Run(ctx context.Context, w *Worker, name string, fn func() error) error {
	_, err := Call(ctx, w, name, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}
