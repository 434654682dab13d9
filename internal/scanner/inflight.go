package scanner

import (
	"context"
	"sync"

	"github.com/mzyy94/scanbridge/internal/scanerr"
)

// Inflight tracks the cancel function of the operation currently running on
// a session so CancelScan can interrupt it from another goroutine.
type Inflight struct {
	mu     sync.Mutex
	cancel context.CancelCauseFunc
	id     uint64
}

// Begin derives a cancellable context for a new operation. The returned end
// func must be called when the operation returns.
func (f *Inflight) Begin(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	f.mu.Lock()
	f.id++
	id := f.id
	f.cancel = cancel
	f.mu.Unlock()

	return ctx, func() {
		f.mu.Lock()
		if f.id == id {
			f.cancel = nil
		}
		f.mu.Unlock()
		cancel(nil)
	}
}

// Interrupt cancels the running operation with a Canceled cause. It reports
// false when nothing was running.
func (f *Inflight) Interrupt() bool {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel(scanerr.New(scanerr.KindCanceled, "scan", nil))
	return true
}

// Active reports whether an operation is running.
func (f *Inflight) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancel != nil
}

// CancelCause converts a done context into a classified error: the cancel
// cause when CancelScan interrupted it, ScanTimeout on deadline, otherwise
// Canceled.
func CancelCause(ctx context.Context, op string) error {
	cause := context.Cause(ctx)
	if cause == nil {
		return nil
	}
	if scanerr.KindOf(cause) != scanerr.KindUnknown {
		return cause
	}
	if cause == context.DeadlineExceeded {
		return scanerr.New(scanerr.KindScanTimeout, op, cause)
	}
	return scanerr.New(scanerr.KindCanceled, op, cause)
}
