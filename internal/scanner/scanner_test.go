package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mzyy94/scanbridge/internal/capability"
	"github.com/mzyy94/scanbridge/internal/scanerr"
)

func TestScanResult_PartialKeepsPages(t *testing.T) {
	r := NewResult(capability.FormatJPEG)
	r.AddPage([]byte{1})
	r.AddPage([]byte{2})
	r.AddPage([]byte{3})
	r.Fail(scanerr.New(scanerr.KindProtocol, "capture", errors.New("jammed")))
	r.Fail(errors.New("second"))
	r.Done()

	if r.Success {
		t.Error("Success = true, want false")
	}
	if r.PageCount != 3 || len(r.Pages) != 3 {
		t.Errorf("PageCount = %d, len(Pages) = %d, want 3", r.PageCount, len(r.Pages))
	}
	if len(r.Errors) != 2 {
		t.Errorf("Errors = %v, want 2 entries", r.Errors)
	}
	if r.FailureKind != scanerr.KindProtocol {
		t.Errorf("FailureKind = %v, want protocol", r.FailureKind)
	}
	if got := Classify(r); got != OutcomePartial {
		t.Errorf("Classify = %v, want partial", got)
	}
}

func TestClassify(t *testing.T) {
	ok := NewResult(capability.FormatPDF).Done()
	if got := Classify(ok); got != OutcomeSucceeded {
		t.Errorf("Classify(success) = %v", got)
	}

	offline := NewResult(capability.FormatPDF)
	offline.Fail(scanerr.New(scanerr.KindTransport, "dial", nil))
	if got := Classify(offline.Done()); got != OutcomeUnreachable {
		t.Errorf("Classify(transport) = %v, want unreachable", got)
	}

	failed := NewResult(capability.FormatPDF)
	failed.Fail(scanerr.New(scanerr.KindCapabilityMismatch, "validate", nil))
	if got := Classify(failed.Done()); got != OutcomeFailed {
		t.Errorf("Classify(mismatch) = %v, want failed", got)
	}
}

func TestStream_SingleUse(t *testing.T) {
	calls := 0
	s := NewStream(func(yield func(int, []byte) bool) error {
		calls++
		for i := range 3 {
			if !yield(i, []byte{byte(i)}) {
				return nil
			}
		}
		return nil
	})

	var got []int
	for i := range s.Pages() {
		got = append(got, i)
	}
	if len(got) != 3 || s.Err() != nil {
		t.Fatalf("first pass got %v, err %v", got, s.Err())
	}

	for range s.Pages() {
		t.Fatal("second pass yielded a page")
	}
	if !errors.Is(s.Err(), ErrStreamConsumed) {
		t.Errorf("Err = %v, want ErrStreamConsumed", s.Err())
	}
	if calls != 1 {
		t.Errorf("producer ran %d times, want 1", calls)
	}
}

func TestStream_EarlyBreak(t *testing.T) {
	stopped := false
	s := NewStream(func(yield func(int, []byte) bool) error {
		for i := 0; ; i++ {
			if !yield(i, nil) {
				stopped = true
				return nil
			}
		}
	})
	for i := range s.Pages() {
		if i == 1 {
			break
		}
	}
	if !stopped {
		t.Error("producer did not observe the break")
	}
}

func TestFailedStream(t *testing.T) {
	want := scanerr.New(scanerr.KindDeviceBusy, "open", nil)
	s := FailedStream(want)
	for range s.Pages() {
		t.Fatal("unexpected page")
	}
	if !errors.Is(s.Err(), scanerr.ErrDeviceBusy) {
		t.Errorf("Err = %v", s.Err())
	}
}

func TestInflight_InterruptOnce(t *testing.T) {
	var f Inflight
	if f.Interrupt() {
		t.Fatal("Interrupt with nothing running = true")
	}

	ctx, end := f.Begin(context.Background())
	defer end()
	if !f.Active() {
		t.Fatal("Active = false after Begin")
	}
	if !f.Interrupt() {
		t.Fatal("first Interrupt = false, want true")
	}
	if f.Interrupt() {
		t.Error("second Interrupt = true, want false")
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not canceled")
	}
	if err := CancelCause(ctx, "scan"); !errors.Is(err, scanerr.ErrCanceled) {
		t.Errorf("CancelCause = %v, want Canceled", err)
	}
}

func TestInflight_EndClears(t *testing.T) {
	var f Inflight
	_, end := f.Begin(context.Background())
	end()
	if f.Active() || f.Interrupt() {
		t.Error("operation still tracked after end")
	}
}

func TestCancelCause_Deadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()
	if err := CancelCause(ctx, "poll"); !errors.Is(err, scanerr.ErrScanTimeout) {
		t.Errorf("CancelCause = %v, want ScanTimeout", err)
	}
	if err := CancelCause(context.Background(), "poll"); err != nil {
		t.Errorf("CancelCause(live ctx) = %v, want nil", err)
	}
}

func TestParseProtocol(t *testing.T) {
	for in, want := range map[string]Protocol{"eSCL": ProtocolESCL, "sane": ProtocolSANE, "TWAIN": ProtocolTWAIN} {
		got, err := ParseProtocol(in)
		if err != nil || got != want {
			t.Errorf("ParseProtocol(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseProtocol("wia"); err == nil {
		t.Error("ParseProtocol(wia) should fail")
	}
}
