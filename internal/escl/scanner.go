package escl

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	mfp "github.com/OpenPrinting/go-mfp/proto/escl"
	"github.com/OpenPrinting/go-mfp/transport"
	"github.com/OpenPrinting/go-mfp/util/optional"

	"github.com/mzyy94/scanbridge/internal/capability"
	"github.com/mzyy94/scanbridge/internal/metrics"
	"github.com/mzyy94/scanbridge/internal/scanerr"
	"github.com/mzyy94/scanbridge/internal/scanner"
	"github.com/mzyy94/scanbridge/internal/telemetry"
)

// Defaults for job polling.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultTimeout      = 120 * time.Second
)

// unknownGrace is how many polls a freshly created job may be missing from
// ScannerStatus before NextDocument is tried anyway.
const unknownGrace = 3

// Config tunes a Scanner.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration // bound on each wait for a page to become ready
	Transport    *transport.Transport
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Scanner drives an eSCL device through the scanner.Scanner interface.
type Scanner struct {
	client *Client
	id     scanner.Identity
	cfg    Config

	mu       sync.Mutex // one in-flight operation per session
	caps     *Capabilities
	inflight scanner.Inflight

	jobMu  sync.Mutex
	jobURL string
}

var _ scanner.Scanner = (*Scanner)(nil)

// New creates a Scanner for the endpoint at baseURL.
func New(baseURL string, id scanner.Identity, cfg Config) (*Scanner, error) {
	cfg.setDefaults()
	client, err := NewClient(baseURL, cfg.Transport)
	if err != nil {
		return nil, err
	}
	id.Protocol = scanner.ProtocolESCL
	id.Connection = client.BaseURL()
	if id.Name == "" {
		id.Name = client.base.Host
	}
	return &Scanner{client: client, id: id, cfg: cfg}, nil
}

// Identity returns the device identity.
func (s *Scanner) Identity() scanner.Identity { return s.id }

// IsAvailable reports whether ScannerStatus answers.
func (s *Scanner) IsAvailable(ctx context.Context) bool {
	_, err := s.client.Status(ctx)
	return err == nil
}

// Capabilities fetches ScannerCapabilities once per session.
func (s *Scanner) Capabilities(ctx context.Context) (capability.ScannerCapabilities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	caps, err := s.capabilitiesLocked(ctx)
	if err != nil {
		return capability.ScannerCapabilities{}, err
	}
	return caps.Canonical, nil
}

func (s *Scanner) capabilitiesLocked(ctx context.Context) (Capabilities, error) {
	if s.caps != nil {
		return *s.caps, nil
	}
	caps, err := s.client.Capabilities(ctx)
	if err != nil {
		return Capabilities{}, err
	}
	s.caps = &caps
	slog.Debug("eSCL capabilities", "device", s.id.Name, "model", caps.MakeAndModel,
		"sources", caps.Canonical.Sources, "formats", caps.Canonical.Formats)
	return caps, nil
}

// Scan runs one job to completion and collects every page.
func (s *Scanner) Scan(ctx context.Context, opts capability.ScanOptions) *scanner.ScanResult {
	ctx, span := telemetry.StartScanSpan(ctx, "escl", s.id.Name, opts.Resolution, opts.Source.String())
	defer metrics.ScanStarted()()

	res := scanner.NewResult(opts.Format)
	err := s.run(ctx, opts, res.Metadata, func(_ int, page []byte) bool {
		res.AddPage(page)
		return true
	})
	res.Fail(err)
	res.Finish(scanner.ProtocolESCL)
	if err != nil {
		slog.Warn("eSCL scan failed", "device", s.id.Name, "pages", res.PageCount, "error", err)
	}
	telemetry.EndScanSpan(span, scanner.Classify(res).String(), res.PageCount, err)
	return res
}

// ScanStream runs a new job and yields pages as they are fetched. Stopping
// the iteration deletes the job.
func (s *Scanner) ScanStream(ctx context.Context, opts capability.ScanOptions) *scanner.Stream {
	return scanner.NewStream(func(yield func(int, []byte) bool) error {
		return s.run(ctx, opts, nil, yield)
	})
}

func (s *Scanner) run(ctx context.Context, opts capability.ScanOptions, meta map[string]string, yield func(int, []byte) bool) error {
	const op = "escl.scan"
	s.mu.Lock()
	defer s.mu.Unlock()

	caps, err := s.capabilitiesLocked(ctx)
	if err != nil {
		return err
	}
	if err := capability.Validate(opts, caps.Canonical); err != nil {
		return err
	}

	ctx, end := s.inflight.Begin(ctx)
	defer end()

	jobURL, err := s.client.CreateJob(ctx, BuildScanSettings(opts, caps))
	if err != nil {
		return interrupted(ctx, op, err)
	}
	s.setJob(jobURL)
	slog.Info("eSCL job created", "device", s.id.Name, "job", jobURL)
	if meta != nil {
		meta["job_url"] = jobURL
	}

	finished := false
	defer func() {
		if !s.takeJob(jobURL) || finished {
			return
		}
		// Job still open on the device: error, early stop or page cap.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.client.DeleteJob(dctx, jobURL); err != nil {
			slog.Warn("delete eSCL job", "job", jobURL, "error", err)
		}
	}()

	for page := 0; opts.MaxPages == 0 || page < opts.MaxPages; page++ {
		if err := s.waitReady(ctx, jobURL, page); err != nil {
			if page > 0 && scanerr.KindOf(err) == scanerr.KindFeederEmpty {
				finished = true
				return nil
			}
			return err
		}
		data, contentType, err := s.client.NextDocument(ctx, jobURL)
		if err != nil {
			return interrupted(ctx, op, err)
		}
		if data == nil {
			finished = true
			slog.Info("eSCL job complete", "job", jobURL, "pages", page)
			return nil
		}
		slog.Debug("eSCL page received", "job", jobURL, "page", page+1, "bytes", len(data), "type", contentType)
		if !yield(page, data) {
			return nil
		}
	}
	return nil
}

// waitReady polls ScannerStatus until the next page of the job can be
// fetched. It gives up with ScanTimeout after cfg.Timeout.
func (s *Scanner) waitReady(ctx context.Context, jobURL string, page int) error {
	const op = "escl.poll"
	wctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	for polls := 1; ; polls++ {
		js, err := s.client.PollStatus(wctx, jobURL)
		if err != nil {
			return interrupted(wctx, op, err)
		}
		metrics.RecordJobPoll(strings.ToLower(js.State.String()))

		switch js.State {
		case mfp.JobCompleted:
			return nil
		case mfp.JobPending, mfp.JobProcessing:
			if js.ImagesToTransfer > 0 {
				return nil
			}
		case mfp.UnknownJobState:
			if page > 0 || polls >= unknownGrace {
				return nil
			}
		case mfp.JobCanceled:
			return scanerr.Errorf(scanerr.KindCanceled, op, "job canceled by device (%s)", strings.Join(js.Reasons, ", "))
		case mfp.JobAborted:
			return abortedError(op, js.Reasons)
		}

		select {
		case <-wctx.Done():
			return scanner.CancelCause(wctx, op)
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

func abortedError(op string, reasons []string) error {
	for _, r := range reasons {
		if strings.Contains(r, "Empty") || strings.Contains(r, "NoMedia") {
			return scanerr.Errorf(scanerr.KindFeederEmpty, op, "job aborted (%s)", r)
		}
		if strings.Contains(r, "Jam") {
			return scanerr.Errorf(scanerr.KindDeviceBusy, op, "job aborted (%s)", r)
		}
	}
	return scanerr.Errorf(scanerr.KindProtocol, op, "job aborted (%s)", strings.Join(reasons, ", "))
}

// interrupted prefers the cancellation cause over the transport error it
// produced.
func interrupted(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return scanner.CancelCause(ctx, op)
	}
	return err
}

// Status maps ScannerStatus onto StatusInfo. An unreachable device is
// reported as offline.
func (s *Scanner) Status(ctx context.Context) scanner.StatusInfo {
	st, err := s.client.Status(ctx)
	if err != nil {
		return scanner.StatusInfo{State: scanner.StateOffline, JobActive: s.inflight.Active(), Detail: err.Error()}
	}
	info := scanner.StatusInfo{JobActive: s.inflight.Active(), Detail: st.State.String()}
	switch st.State {
	case mfp.ScannerIdle:
		info.State = scanner.StateIdle
	case mfp.ScannerProcessing, mfp.ScannerTesting:
		info.State = scanner.StateProcessing
	case mfp.ScannerStopped:
		info.State = scanner.StateStopped
	case mfp.ScannerDown:
		info.State = scanner.StateOffline
	}
	switch optional.Get(st.ADFState) {
	case mfp.ScannerAdfLoaded:
		info.ADF = scanner.ADFLoaded
	case mfp.ScannerAdfEmpty:
		info.ADF = scanner.ADFEmpty
	case mfp.ScannerAdfJam:
		info.ADF = scanner.ADFJam
	}
	return info
}

// CancelScan deletes the active job. It reports false when no job is tracked
// or the device could not be reached.
func (s *Scanner) CancelScan(ctx context.Context) bool {
	s.jobMu.Lock()
	jobURL := s.jobURL
	s.jobURL = ""
	s.jobMu.Unlock()
	if jobURL == "" {
		return false
	}

	s.inflight.Interrupt()
	if err := s.client.DeleteJob(ctx, jobURL); err != nil {
		slog.Warn("cancel eSCL job", "job", jobURL, "error", err)
		return false
	}
	slog.Info("eSCL job canceled", "job", jobURL)
	return true
}

// Preview scans at the lowest resolution the device offers.
func (s *Scanner) Preview(ctx context.Context) *scanner.ScanResult {
	return scanner.DefaultPreview(ctx, s)
}

// Close releases idle connections.
func (s *Scanner) Close() error {
	s.client.Close()
	return nil
}

func (s *Scanner) setJob(jobURL string) {
	s.jobMu.Lock()
	s.jobURL = jobURL
	s.jobMu.Unlock()
}

// takeJob clears the tracked job if it is still jobURL and reports whether it
// was.
func (s *Scanner) takeJob(jobURL string) bool {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.jobURL != jobURL {
		return false
	}
	s.jobURL = ""
	return true
}
