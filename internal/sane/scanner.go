package sane

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/mzyy94/scanbridge/internal/capability"
	"github.com/mzyy94/scanbridge/internal/imaging"
	"github.com/mzyy94/scanbridge/internal/metrics"
	"github.com/mzyy94/scanbridge/internal/scanerr"
	"github.com/mzyy94/scanbridge/internal/scanner"
	"github.com/mzyy94/scanbridge/internal/telemetry"
	"github.com/mzyy94/scanbridge/internal/worker"
)

// releaseTimeout bounds cancel and close calls made on cleanup paths.
const releaseTimeout = 5 * time.Second

// Scanner drives one SANE device through the scanner.Scanner interface. The
// device is opened lazily on first use and owned exclusively until Close.
type Scanner struct {
	rt  *Runtime
	dev Device
	id  scanner.Identity

	mu       sync.Mutex // one in-flight operation per session
	handle   Handle
	registry *OptionRegistry
	caps     *capability.ScannerCapabilities
	inflight scanner.Inflight

	hmu  sync.Mutex
	live Handle // handle visible to CancelScan while mu is held
}

var _ scanner.Scanner = (*Scanner)(nil)

// NewScanner returns a Scanner for dev. Nothing is opened yet.
func NewScanner(rt *Runtime, dev Device) *Scanner {
	return &Scanner{
		rt:  rt,
		dev: dev,
		id: scanner.Identity{
			Protocol:     scanner.ProtocolSANE,
			Name:         dev.Name,
			Manufacturer: dev.Vendor,
			Model:        dev.Model,
			Connection:   "sane:" + dev.Name,
		},
	}
}

// Identity returns the device identity.
func (s *Scanner) Identity() scanner.Identity { return s.id }

// IsAvailable reports whether the library still lists the device.
func (s *Scanner) IsAvailable(ctx context.Context) bool {
	devices, err := s.rt.Devices(ctx)
	if err != nil {
		return false
	}
	return slices.ContainsFunc(devices, func(d Device) bool { return d.Name == s.dev.Name })
}

// ensureInitialized initializes the library, opens the device and builds the
// option registry. s.mu must be held.
func (s *Scanner) ensureInitialized(ctx context.Context) error {
	if s.handle != nil {
		return nil
	}
	if err := s.rt.ensureInit(ctx); err != nil {
		return err
	}
	h, err := worker.Call(ctx, s.rt.w, "open", func() (Handle, error) { return s.rt.lib.Open(ctx, s.dev.Name) })
	if err != nil {
		return classify("sane.open", err)
	}
	descs, err := worker.Call(ctx, s.rt.w, "get_option_descriptors", func() ([]OptionDescriptor, error) { return h.Options(ctx) })
	if err != nil {
		if cerr := worker.Run(context.Background(), s.rt.w, "close", h.Close); cerr != nil {
			slog.Warn("close SANE device", "device", s.dev.Name, "error", cerr)
		}
		return classify("sane.options", err)
	}

	s.handle = h
	s.registry = NewOptionRegistry(descs, handleAccess{w: s.rt.w, h: h})
	s.setLive(h)
	slog.Debug("SANE device opened", "device", s.dev.Name, "options", len(s.registry.Names()))
	return nil
}

// Capabilities introspects the device options once per session.
func (s *Scanner) Capabilities(ctx context.Context) (capability.ScannerCapabilities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilitiesLocked(ctx)
}

func (s *Scanner) capabilitiesLocked(ctx context.Context) (capability.ScannerCapabilities, error) {
	if s.caps != nil {
		return *s.caps, nil
	}
	if err := s.ensureInitialized(ctx); err != nil {
		return capability.ScannerCapabilities{}, err
	}
	caps := s.registry.Capabilities()
	s.caps = &caps
	slog.Debug("SANE capabilities", "device", s.dev.Name, "resolutions", caps.Resolutions.Values(),
		"modes", caps.ColorModes, "sources", caps.Sources)
	return caps, nil
}

// Scan configures the device and captures one page, or a batch of pages from
// the feeder when BatchMode is set.
func (s *Scanner) Scan(ctx context.Context, opts capability.ScanOptions) *scanner.ScanResult {
	ctx, span := telemetry.StartScanSpan(ctx, "sane", s.dev.Name, opts.Resolution, opts.Source.String())
	defer metrics.ScanStarted()()

	res := scanner.NewResult(opts.Format)
	res.Metadata["device"] = s.dev.Name
	err := s.run(ctx, opts, func(_ int, page []byte) bool {
		res.AddPage(page)
		return true
	})
	res.Fail(err)
	res.Finish(scanner.ProtocolSANE)
	if err != nil {
		slog.Warn("SANE scan failed", "device", s.dev.Name, "pages", res.PageCount, "error", err)
	}
	telemetry.EndScanSpan(span, scanner.Classify(res).String(), res.PageCount, err)
	return res
}

// ScanStream captures pages lazily; breaking out of the iteration cancels the
// device.
func (s *Scanner) ScanStream(ctx context.Context, opts capability.ScanOptions) *scanner.Stream {
	return scanner.NewStream(func(yield func(int, []byte) bool) error {
		return s.run(ctx, opts, yield)
	})
}

func (s *Scanner) run(ctx context.Context, opts capability.ScanOptions, yield func(int, []byte) bool) error {
	const op = "sane.scan"
	if err := opts.Check(); err != nil {
		return err
	}
	if !slices.Contains(outputFormats, opts.Format) {
		return scanerr.Errorf(scanerr.KindCapabilityMismatch, op, "format %s not supported", opts.Format)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	caps, err := s.capabilitiesLocked(ctx)
	if err != nil {
		return err
	}
	if err := capability.ValidateOffered(opts, caps); err != nil {
		return err
	}
	h := s.handle

	// A caller deadline or cancel must unblock a Read in progress on the
	// worker.
	stopCancel := context.AfterFunc(ctx, func() { _ = h.Cancel() })
	defer stopCancel()

	ctx, end := s.inflight.Begin(ctx)
	defer end()

	if err := s.configure(ctx, opts); err != nil {
		return err
	}

	defer func() {
		// Every scan ends with a cancel to return the device to idle.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := worker.Run(cctx, s.rt.w, "cancel", h.Cancel); err != nil {
			slog.Debug("SANE cancel after scan", "device", s.dev.Name, "error", err)
		}
	}()

	batch := opts.BatchMode && opts.Source.IsFeeder()
	for page := 0; ; page++ {
		if opts.MaxPages > 0 && page >= opts.MaxPages {
			return nil
		}
		data, err := s.capture(ctx, h, opts)
		if err != nil {
			if ctx.Err() != nil {
				return scanner.CancelCause(ctx, op)
			}
			if batch && page > 0 && scanerr.KindOf(err) == scanerr.KindFeederEmpty {
				slog.Info("SANE batch complete", "device", s.dev.Name, "pages", page)
				return nil
			}
			return err
		}
		slog.Debug("SANE page captured", "device", s.dev.Name, "page", page+1, "bytes", len(data))
		if !yield(page, data) || !batch {
			return nil
		}
	}
}

// capture acquires one frame on the worker and encodes it.
func (s *Scanner) capture(ctx context.Context, h Handle, opts capability.ScanOptions) ([]byte, error) {
	if err := worker.Run(ctx, s.rt.w, "start", func() error { return h.Start(ctx) }); err != nil {
		return nil, classify("sane.start", err)
	}
	params, err := worker.Call(ctx, s.rt.w, "get_parameters", func() (Parameters, error) { return h.Parameters(ctx) })
	if err != nil {
		return nil, classify("sane.get_parameters", err)
	}
	raw, err := worker.Call(ctx, s.rt.w, "read", func() ([]byte, error) { return h.Read(ctx) })
	if err != nil {
		return nil, classify("sane.read", err)
	}
	img, err := frameImage(params, raw)
	if err != nil {
		return nil, err
	}
	out, err := imaging.Encode(img, imaging.Options{
		Format:  opts.Format,
		DPI:     opts.Resolution,
		Bitonal: opts.ColorMode == capability.ColorModeMonochrome,
	})
	if err != nil {
		return nil, scanerr.New(scanerr.KindProtocol, "sane.encode", err)
	}
	return out, nil
}

// configure applies opts option by option. Options the device lacks are
// skipped; a present option that cannot take the requested value is a
// capability mismatch.
func (s *Scanner) configure(ctx context.Context, opts capability.ScanOptions) error {
	const op = "sane.configure"
	var problems []string
	set := func(name string, value func(o *Option) (Value, bool)) {
		o, ok := s.registry.Lookup(name)
		if !ok {
			slog.Debug("SANE option not available", "device", s.dev.Name, "option", name)
			return
		}
		if !o.Desc.Active() || !o.Desc.Settable() {
			problems = append(problems, fmt.Sprintf("option %s is not settable", name))
			return
		}
		v, ok := value(o)
		if !ok {
			problems = append(problems, fmt.Sprintf("option %s has no matching value", name))
			return
		}
		if err := o.Set(ctx, v); err != nil {
			slog.Warn("set SANE option", "device", s.dev.Name, "option", name, "error", err)
		}
	}

	// Source first: backends often change other constraints with it.
	source := opts.Source
	if opts.Duplex && source == capability.SourceADF {
		source = capability.SourceADFDuplex
	}
	set(OptSource, func(o *Option) (Value, bool) {
		return choiceValue(o, func(v string) bool {
			src, ok := capability.SourceFromSANE(v)
			return ok && src == source
		})
	})
	set(OptMode, func(o *Option) (Value, bool) {
		return choiceValue(o, func(v string) bool {
			mode, ok := capability.ColorModeFromSANE(v)
			return ok && mode == opts.ColorMode
		})
	})
	set(OptResolution, func(o *Option) (Value, bool) {
		return numberValue(o, float64(opts.Resolution)), true
	})

	if r := opts.Region; r != nil {
		geometry := []struct {
			name string
			mm   float64
		}{
			{OptTLX, r.XOffset},
			{OptTLY, r.YOffset},
			{OptBRX, r.XOffset + r.Width},
			{OptBRY, r.YOffset + r.Height},
		}
		for _, g := range geometry {
			set(g.name, func(o *Option) (Value, bool) {
				switch o.Desc.Unit {
				case UnitMM:
					return numberValue(o, g.mm), true
				case UnitPixel:
					return numberValue(o, float64(capability.MMToPixels(g.mm, opts.Resolution))), true
				}
				return Value{}, false
			})
		}
	}

	if opts.Brightness != 0 {
		set(OptBrightness, func(o *Option) (Value, bool) { return adjustValue(o, opts.Brightness), true })
	}
	if opts.Contrast != 0 {
		set(OptContrast, func(o *Option) (Value, bool) { return adjustValue(o, opts.Contrast), true })
	}
	for name, on := range map[string]bool{
		OptSwCrop:   opts.AutoCrop,
		OptSwDeskew: opts.Deskew,
		OptSwSkip:   opts.BlankPageRemoval,
	} {
		if on {
			set(name, func(*Option) (Value, bool) { return BoolValue(true), true })
		}
	}
	if len(problems) > 0 {
		return scanerr.Errorf(scanerr.KindCapabilityMismatch, op, "%s", strings.Join(problems, "; "))
	}
	return nil
}

// Status reports processing while a scan runs, offline when the library no
// longer lists the device.
func (s *Scanner) Status(ctx context.Context) scanner.StatusInfo {
	if s.inflight.Active() {
		return scanner.StatusInfo{State: scanner.StateProcessing, JobActive: true}
	}
	devices, err := s.rt.Devices(ctx)
	if err != nil {
		return scanner.StatusInfo{State: scanner.StateOffline, Detail: err.Error()}
	}
	if !slices.ContainsFunc(devices, func(d Device) bool { return d.Name == s.dev.Name }) {
		return scanner.StatusInfo{State: scanner.StateOffline, Detail: "device not listed"}
	}
	return scanner.StatusInfo{State: scanner.StateIdle}
}

// CancelScan interrupts the running capture. It calls the handle directly
// since the worker is blocked in Read.
func (s *Scanner) CancelScan(ctx context.Context) bool {
	if !s.inflight.Interrupt() {
		return false
	}
	h := s.liveHandle()
	if h == nil {
		return false
	}
	if err := h.Cancel(); err != nil {
		slog.Warn("cancel SANE scan", "device", s.dev.Name, "error", err)
		return false
	}
	slog.Info("SANE scan canceled", "device", s.dev.Name)
	return true
}

// Preview scans at the lowest resolution the device offers.
func (s *Scanner) Preview(ctx context.Context) *scanner.ScanResult {
	return scanner.DefaultPreview(ctx, s)
}

// Close cancels a running scan and releases the device handle.
func (s *Scanner) Close() error {
	var result *multierror.Error
	if s.inflight.Active() {
		if h := s.liveHandle(); h != nil {
			s.inflight.Interrupt()
			if err := h.Cancel(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return result.ErrorOrNil()
	}
	h := s.handle
	s.handle, s.registry, s.caps = nil, nil, nil
	s.setLive(nil)

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := worker.Run(ctx, s.rt.w, "close", h.Close); err != nil {
		slog.Warn("close SANE device", "device", s.dev.Name, "error", err)
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (s *Scanner) setLive(h Handle) {
	s.hmu.Lock()
	s.live = h
	s.hmu.Unlock()
}

func (s *Scanner) liveHandle() Handle {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return s.live
}

// handleAccess routes registry reads and writes through the worker.
type handleAccess struct {
	w *worker.Worker
	h Handle
}

func (a handleAccess) getOption(ctx context.Context, index int, d OptionDescriptor) (Value, error) {
	v, err := worker.Call(ctx, a.w, "control_option", func() (Value, error) { return a.h.GetOption(ctx, index, d) })
	return v, classify("sane.get_option", err)
}

func (a handleAccess) setOption(ctx context.Context, index int, v Value) error {
	err := worker.Run(ctx, a.w, "control_option", func() error { return a.h.SetOption(ctx, index, v) })
	return classify("sane.set_option", err)
}
