package scanner

import (
	"time"

	"github.com/mzyy94/scanbridge/internal/capability"
	"github.com/mzyy94/scanbridge/internal/metrics"
	"github.com/mzyy94/scanbridge/internal/scanerr"
)

// ScanResult is the outcome of one Scan call. Partial results keep every page
// captured before the failure.
type ScanResult struct {
	Success     bool
	Pages       [][]byte
	PageCount   int
	Format      capability.Format
	Elapsed     time.Duration
	Errors      []string
	FailureKind scanerr.Kind // kind of the first failure, KindUnknown on success
	Metadata    map[string]string

	start time.Time
	err   error
}

// NewResult starts timing a result for the given output format.
func NewResult(format capability.Format) *ScanResult {
	return &ScanResult{
		Format:   format,
		Metadata: make(map[string]string),
		start:    time.Now(),
	}
}

// AddPage appends one page.
func (r *ScanResult) AddPage(b []byte) {
	r.Pages = append(r.Pages, b)
	r.PageCount = len(r.Pages)
}

// Fail records an error. The first error decides FailureKind.
func (r *ScanResult) Fail(err error) {
	if err == nil {
		return
	}
	if r.err == nil {
		r.err = err
		r.FailureKind = scanerr.KindOf(err)
	}
	r.Errors = append(r.Errors, err.Error())
}

// Err returns the first recorded error.
func (r *ScanResult) Err() error { return r.err }

// Done finalizes the result: success means no error was recorded.
func (r *ScanResult) Done() *ScanResult {
	r.Success = r.err == nil
	r.Elapsed = time.Since(r.start)
	return r
}

// Finish finalizes r and records it in the scan metrics for protocol p.
func (r *ScanResult) Finish(p Protocol) *ScanResult {
	r.Done()
	metrics.RecordScan(p.String(), Classify(r).String(), r.Elapsed, r.PageCount)
	return r
}

// Outcome distinguishes what a caller should tell the user.
type Outcome int

const (
	OutcomeSucceeded   Outcome = iota
	OutcomePartial             // device found, some pages captured before failure
	OutcomeFailed              // device found, scan failed with no pages
	OutcomeUnreachable         // no device found or responding
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomePartial:
		return "partial"
	case OutcomeFailed:
		return "failed"
	default:
		return "unreachable"
	}
}

// Classify maps a result onto an Outcome.
func Classify(r *ScanResult) Outcome {
	switch {
	case r.Success:
		return OutcomeSucceeded
	case r.PageCount > 0:
		return OutcomePartial
	}
	switch r.FailureKind {
	case scanerr.KindTransport, scanerr.KindDeviceOffline, scanerr.KindBindingUnavailable:
		return OutcomeUnreachable
	}
	return OutcomeFailed
}
