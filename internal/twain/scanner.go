package twain

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mzyy94/scanbridge/internal/capability"
	"github.com/mzyy94/scanbridge/internal/imaging"
	"github.com/mzyy94/scanbridge/internal/metrics"
	"github.com/mzyy94/scanbridge/internal/scanerr"
	"github.com/mzyy94/scanbridge/internal/scanner"
	"github.com/mzyy94/scanbridge/internal/telemetry"
	"github.com/mzyy94/scanbridge/internal/worker"
)

const (
	// releaseTimeout bounds disable and close calls made on cleanup paths.
	releaseTimeout = 5 * time.Second
	// eventPollInterval paces the wait for MSG_XFERREADY.
	eventPollInterval = 20 * time.Millisecond
)

// Scanner drives one TWAIN data source. All manager calls run on the
// runtime's worker thread, which is also the thread that owns the manager's
// messages.
type Scanner struct {
	rt      *Runtime
	product string

	mu        sync.Mutex // one in-flight operation per session
	sess      *Session
	caps      *capability.ScannerCapabilities
	connected atomic.Bool
	inflight  scanner.Inflight

	idmu sync.Mutex
	id   scanner.Identity

	live atomic.Pointer[Session] // session visible to CancelScan while mu is held
}

var _ scanner.Scanner = (*Scanner)(nil)

// New returns a Scanner for the data source named product, or the manager's
// first source when product is empty. Nothing is opened until Connect.
func New(product string, rt *Runtime) *Scanner {
	return &Scanner{
		rt:      rt,
		product: product,
		id: scanner.Identity{
			Protocol:   scanner.ProtocolTWAIN,
			Name:       product,
			Model:      product,
			Connection: "twain:" + product,
		},
	}
}

// Identity returns the device identity, completed from the source identity
// once connected.
func (s *Scanner) Identity() scanner.Identity {
	s.idmu.Lock()
	defer s.idmu.Unlock()
	return s.id
}

// IsConnected reports whether a source session is open.
func (s *Scanner) IsConnected() bool { return s.connected.Load() }

// Connect loads the manager and opens the data source.
func (s *Scanner) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Scanner) connectLocked(ctx context.Context) error {
	if s.sess != nil {
		return nil
	}
	sess, err := s.rt.openSource(ctx, s.product)
	if err != nil {
		slog.Info("TWAIN connect failed", "source", s.product, "error", err)
		return err
	}

	src := sess.Source()
	s.idmu.Lock()
	s.id.Name = src.ProductName
	s.id.Manufacturer = src.Manufacturer
	s.id.Model = src.ProductName
	s.idmu.Unlock()

	s.sess = sess
	s.live.Store(sess)
	s.connected.Store(true)
	slog.Info("TWAIN source connected", "source", src.ProductName, "manufacturer", src.Manufacturer)
	return nil
}

// IsAvailable connects if needed and reports whether the source is online.
func (s *Scanner) IsAvailable(ctx context.Context) bool {
	if !s.mu.TryLock() {
		return s.inflight.Active()
	}
	defer s.mu.Unlock()
	if err := s.connectLocked(ctx); err != nil {
		return false
	}
	online, err := worker.Call(ctx, s.rt.w, "device_online", func() (bool, error) {
		v, ok := s.sess.Query(CapDeviceOnline)
		return !ok || v.Current != 0, nil
	})
	return err == nil && online
}

// Capabilities queries the capability table once per session. A source that
// cannot be connected yields empty capabilities and no error.
func (s *Scanner) Capabilities(ctx context.Context) (capability.ScannerCapabilities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caps != nil {
		return *s.caps, nil
	}
	if err := s.connectLocked(ctx); err != nil {
		return capability.ScannerCapabilities{}, nil
	}
	return s.capabilitiesLocked(ctx)
}

func (s *Scanner) capabilitiesLocked(ctx context.Context) (capability.ScannerCapabilities, error) {
	if s.caps != nil {
		return *s.caps, nil
	}
	caps, err := worker.Call(ctx, s.rt.w, "capabilities", func() (capability.ScannerCapabilities, error) {
		return canonicalCapabilities(s.sess.Query), nil
	})
	if err != nil {
		return capability.ScannerCapabilities{}, err
	}
	s.caps = &caps
	slog.Debug("TWAIN capabilities", "source", s.product, "resolutions", caps.Resolutions.Values(),
		"modes", caps.ColorModes, "sources", caps.Sources)
	return caps, nil
}

// Scan captures one page, or every page the feeder delivers when BatchMode
// is set.
func (s *Scanner) Scan(ctx context.Context, opts capability.ScanOptions) *scanner.ScanResult {
	ctx, span := telemetry.StartScanSpan(ctx, "twain", s.product, opts.Resolution, opts.Source.String())
	defer metrics.ScanStarted()()

	res := scanner.NewResult(opts.Format)
	res.Metadata["source"] = s.Identity().Name
	err := s.run(ctx, opts, func(_ int, page []byte) bool {
		res.AddPage(page)
		return true
	})
	res.Fail(err)
	res.Finish(scanner.ProtocolTWAIN)
	if err != nil {
		slog.Warn("TWAIN scan failed", "source", s.product, "pages", res.PageCount, "error", err)
	}
	telemetry.EndScanSpan(span, scanner.Classify(res).String(), res.PageCount, err)
	return res
}

// ScanStream transfers pages lazily; breaking out of the iteration disables
// the source.
func (s *Scanner) ScanStream(ctx context.Context, opts capability.ScanOptions) *scanner.Stream {
	return scanner.NewStream(func(yield func(int, []byte) bool) error {
		return s.run(ctx, opts, yield)
	})
}

func (s *Scanner) run(ctx context.Context, opts capability.ScanOptions, yield func(int, []byte) bool) error {
	const op = "twain.scan"
	if err := opts.Check(); err != nil {
		return err
	}
	if !slices.Contains(outputFormats, opts.Format) {
		return scanerr.Errorf(scanerr.KindCapabilityMismatch, op, "format %s not supported", opts.Format)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(ctx); err != nil {
		return err
	}
	caps, err := s.capabilitiesLocked(ctx)
	if err != nil {
		return err
	}
	if err := capability.ValidateOffered(opts, caps); err != nil {
		return err
	}
	sess := s.sess

	ctx, end := s.inflight.Begin(ctx)
	defer end()

	batch := opts.BatchMode && opts.Source.IsFeeder()
	if err := worker.Run(ctx, s.rt.w, "configure", func() error {
		return s.configure(sess, opts, batch)
	}); err != nil {
		if ctx.Err() != nil {
			return scanner.CancelCause(ctx, op)
		}
		return err
	}
	if err := worker.Run(ctx, s.rt.w, "enable_ds", sess.Enable); err != nil {
		if ctx.Err() != nil {
			return scanner.CancelCause(ctx, op)
		}
		return err
	}
	defer func() {
		// Disabling also discards transfers still pending.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := worker.Run(cctx, s.rt.w, "disable_ds", sess.Disable); err != nil {
			slog.Warn("disable TWAIN source", "source", s.product, "error", err)
		}
	}()

	if err := s.awaitXferReady(ctx, sess); err != nil {
		if ctx.Err() != nil {
			return scanner.CancelCause(ctx, op)
		}
		return err
	}

	for page := 0; ; page++ {
		if opts.MaxPages > 0 && page >= opts.MaxPages {
			return nil
		}
		dib, err := worker.Call(ctx, s.rt.w, "native_xfer", sess.NativeTransfer)
		if err != nil {
			if ctx.Err() != nil {
				return scanner.CancelCause(ctx, op)
			}
			if batch && page > 0 && scanerr.KindOf(err) == scanerr.KindFeederEmpty {
				slog.Info("TWAIN batch complete", "source", s.product, "pages", page)
				return nil
			}
			return err
		}
		pending, err := worker.Call(ctx, s.rt.w, "end_xfer", sess.EndXfer)
		if err != nil {
			if ctx.Err() != nil {
				return scanner.CancelCause(ctx, op)
			}
			return err
		}
		data, err := encodePage(dib, opts)
		if err != nil {
			return err
		}
		slog.Debug("TWAIN page transferred", "source", s.product, "page", page+1, "bytes", len(data), "pending", pending)
		if !yield(page, data) || !batch || pending == 0 {
			return nil
		}
	}
}

// awaitXferReady polls the source's messages on the worker until it signals
// a pending transfer. The worker stays free between polls, so enumeration and
// status calls interleave with the wait.
func (s *Scanner) awaitXferReady(ctx context.Context, sess *Session) error {
	tick := time.NewTicker(eventPollInterval)
	defer tick.Stop()
	for {
		ready, err := worker.Call(ctx, s.rt.w, "poll_event", sess.PollXferReady)
		if err != nil || ready {
			return err
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-tick.C:
		}
	}
}

func encodePage(dib []byte, opts capability.ScanOptions) ([]byte, error) {
	img, err := dibImage(dib)
	if err != nil {
		return nil, scanerr.New(scanerr.KindProtocol, "twain.decode", err)
	}
	out, err := imaging.Encode(img, imaging.Options{
		Format:  opts.Format,
		DPI:     opts.Resolution,
		Bitonal: opts.ColorMode == capability.ColorModeMonochrome,
	})
	if err != nil {
		return nil, scanerr.New(scanerr.KindProtocol, "twain.encode", err)
	}
	return out, nil
}

// configure sets capabilities for opts. It runs on the worker. A capability
// the source does not implement is skipped; the first value it rejects ends
// configuration with a capability mismatch.
func (s *Scanner) configure(sess *Session, opts capability.ScanOptions, batch bool) error {
	const op = "twain.configure"
	var failed error
	set := func(id CapID, v uint32) {
		if failed != nil {
			return
		}
		err := sess.SetCap(id, v)
		switch {
		case err == nil:
		case unsupported(err):
			slog.Debug("TWAIN capability not implemented", "source", s.product, "cap", capName(id))
		default:
			failed = scanerr.Errorf(scanerr.KindCapabilityMismatch, op, "%s rejected: %w", capName(id), err)
		}
	}
	flag := func(on bool) uint32 {
		if on {
			return 1
		}
		return 0
	}
	adjust := func(v int) uint32 {
		// -100..100 onto the TWAIN -1000..1000 range.
		return uint32(Fix32FromFloat(float64(v) * 10))
	}

	set(ICapXferMech, twsxNative)
	set(ICapUnits, twunInches)
	set(ICapPixelType, uint32(capability.TWAINPixelType(opts.ColorMode)))
	dpi := uint32(Fix32FromFloat(float64(opts.Resolution)))
	set(ICapXResolution, dpi)
	set(ICapYResolution, dpi)

	feeder := opts.Source.IsFeeder()
	set(CapFeederEnabled, flag(feeder))
	if feeder {
		set(CapDuplexEnabled, flag(opts.IsDuplex()))
	}
	count := uint32(1)
	if batch {
		count = countAll
		if opts.MaxPages > 0 {
			count = uint32(opts.MaxPages)
		}
	}
	set(CapXferCount, count)

	if opts.Brightness != 0 {
		set(ICapBrightness, adjust(opts.Brightness))
	}
	if opts.Contrast != 0 {
		set(ICapContrast, adjust(opts.Contrast))
	}
	if opts.AutoCrop {
		set(ICapAutomaticBorderDetection, 1)
	}
	if opts.Deskew {
		set(ICapAutomaticDeskew, 1)
	}
	if opts.BlankPageRemoval {
		auto := int32(twbpAuto)
		set(ICapAutoDiscardBlankPages, uint32(auto))
	}

	if failed != nil {
		return failed
	}

	if r := opts.Region; r != nil {
		layout := ImageLayout{
			Left:           r.XOffset / mmPerInch,
			Top:            r.YOffset / mmPerInch,
			Right:          (r.XOffset + r.Width) / mmPerInch,
			Bottom:         (r.YOffset + r.Height) / mmPerInch,
			DocumentNumber: 1,
			PageNumber:     1,
			FrameNumber:    1,
		}
		err := sess.SetLayout(layout)
		switch {
		case err == nil:
		case unsupported(err):
			slog.Debug("TWAIN image layout not implemented", "source", s.product)
		default:
			return scanerr.Errorf(scanerr.KindCapabilityMismatch, op, "image layout rejected: %w", err)
		}
	}
	return nil
}

// Status reports processing while a scan runs and reads the feeder state
// otherwise.
func (s *Scanner) Status(ctx context.Context) scanner.StatusInfo {
	if s.inflight.Active() {
		return scanner.StatusInfo{State: scanner.StateProcessing, JobActive: true}
	}
	if !s.connected.Load() {
		return scanner.StatusInfo{State: scanner.StateOffline, Detail: "not connected"}
	}
	if !s.mu.TryLock() {
		return scanner.StatusInfo{State: scanner.StateProcessing}
	}
	defer s.mu.Unlock()
	if s.sess == nil {
		return scanner.StatusInfo{State: scanner.StateOffline, Detail: "not connected"}
	}

	type feederState struct {
		online, feeder, loaded, hasLoaded bool
	}
	p, err := worker.Call(ctx, s.rt.w, "status", func() (feederState, error) {
		var p feederState
		v, ok := s.sess.Query(CapDeviceOnline)
		p.online = !ok || v.Current != 0
		v, p.feeder = s.sess.Query(CapFeederEnabled)
		p.feeder = p.feeder && v.Current != 0
		v, p.hasLoaded = s.sess.Query(CapFeederLoaded)
		p.loaded = v.Current != 0
		return p, nil
	})
	if err != nil {
		return scanner.StatusInfo{State: scanner.StateUnknown, Detail: err.Error()}
	}
	if !p.online {
		return scanner.StatusInfo{State: scanner.StateOffline, Detail: "device offline"}
	}
	info := scanner.StatusInfo{State: scanner.StateIdle}
	if p.hasLoaded {
		info.ADF = scanner.ADFEmpty
		if p.loaded {
			info.ADF = scanner.ADFLoaded
		}
	}
	return info
}

// CancelScan interrupts the scan in flight and disables the source. The
// interrupt ends a wait for MSG_XFERREADY; the disable runs on the worker
// between polls.
func (s *Scanner) CancelScan(ctx context.Context) bool {
	if !s.inflight.Interrupt() {
		return false
	}
	sess := s.live.Load()
	if sess == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := worker.Run(ctx, s.rt.w, "disable_ds", sess.Disable); err != nil {
		slog.Warn("cancel TWAIN scan", "source", s.product, "error", err)
		return false
	}
	slog.Info("TWAIN scan canceled", "source", s.product)
	return true
}

// Preview scans at the lowest resolution the source offers.
func (s *Scanner) Preview(ctx context.Context) *scanner.ScanResult {
	return scanner.DefaultPreview(ctx, s)
}

// Close disables and closes the source if needed. The runtime's manager
// stays open. Close failures are logged and returned.
func (s *Scanner) Close() error {
	s.inflight.Interrupt()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil
	}
	sess := s.sess
	s.sess, s.caps = nil, nil
	s.live.Store(nil)
	s.connected.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := worker.Run(ctx, s.rt.w, "close", sess.Close); err != nil {
		slog.Warn("close TWAIN session", "source", s.product, "error", err)
		return err
	}
	return nil
}
