// Package bridge re-exports a scanner.Scanner as a go-mfp abstract.Scanner so
// any local or network device can be served to eSCL clients.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/OpenPrinting/go-mfp/abstract"
	"github.com/OpenPrinting/go-mfp/util/generic"
	"github.com/OpenPrinting/go-mfp/util/uuid"

	"github.com/mzyy94/scanbridge/internal/capability"
	"github.com/mzyy94/scanbridge/internal/config"
	"github.com/mzyy94/scanbridge/internal/scanner"
)

// Default feeder bounds when the device reports none.
const (
	defaultMaxWidthMM  = 216
	defaultMaxHeightMM = 360
	defaultMinMM       = 50
)

// ErrNoPages is returned when a job ends without producing a page.
var ErrNoPages = errors.New("scan produced no pages")

// Adapter implements abstract.Scanner over a scanner.Scanner.
type Adapter struct {
	dev      scanner.Scanner
	settings *config.Store // nil = no defaults
	devCaps  capability.ScannerCapabilities
	caps     *abstract.ScannerCapabilities

	Status JobStatus

	mu       sync.Mutex
	adfEmpty bool // true after a feeder job completes
}

var _ abstract.Scanner = (*Adapter)(nil)

// NewAdapter queries the device capabilities once and builds the eSCL view
// of them.
func NewAdapter(ctx context.Context, dev scanner.Scanner, settings *config.Store) (*Adapter, error) {
	caps, err := dev.Capabilities(ctx)
	if err != nil {
		return nil, fmt.Errorf("device capabilities: %w", err)
	}
	if caps.IsEmpty() {
		return nil, fmt.Errorf("device %s reported no capabilities", dev.Identity().Name)
	}
	a := &Adapter{dev: dev, settings: settings, devCaps: caps}
	a.caps = buildCapabilities(dev.Identity(), caps)
	return a, nil
}

// Device returns the wrapped scanner.
func (a *Adapter) Device() scanner.Scanner { return a.dev }

// DeviceCapabilities returns the canonical capabilities of the device.
func (a *Adapter) DeviceCapabilities() capability.ScannerCapabilities { return a.devCaps }

// Capabilities returns the eSCL capabilities.
func (a *Adapter) Capabilities() *abstract.ScannerCapabilities { return a.caps }

func buildCapabilities(id scanner.Identity, caps capability.ScannerCapabilities) *abstract.ScannerCapabilities {
	var modes []abstract.ColorMode
	for _, m := range caps.ColorModes {
		switch m {
		case capability.ColorModeColor:
			modes = append(modes, abstract.ColorModeColor)
		case capability.ColorModeGrayscale:
			modes = append(modes, abstract.ColorModeMono)
		case capability.ColorModeMonochrome:
			modes = append(modes, abstract.ColorModeBinary)
		}
	}
	var resolutions []abstract.Resolution
	maxDPI := 0
	for _, dpi := range advertisedResolutions(caps.Resolutions) {
		resolutions = append(resolutions, abstract.Resolution{XResolution: dpi, YResolution: dpi})
		maxDPI = max(maxDPI, dpi)
	}
	profile := abstract.SettingsProfile{
		ColorModes:       generic.MakeBitset(modes...),
		Depths:           generic.MakeBitset(abstract.ColorDepth8),
		BinaryRenderings: generic.MakeBitset(abstract.BinaryRenderingThreshold),
		Resolutions:      resolutions,
	}
	input := func(area capability.ScanArea) *abstract.InputCapabilities {
		if area.IsZero() {
			area = capability.ScanArea{
				MinWidth: defaultMinMM, MaxWidth: defaultMaxWidthMM,
				MinHeight: defaultMinMM, MaxHeight: defaultMaxHeightMM,
			}
		}
		return &abstract.InputCapabilities{
			MinWidth:              mmToDim(area.MinWidth),
			MaxWidth:              mmToDim(area.MaxWidth),
			MinHeight:             mmToDim(area.MinHeight),
			MaxHeight:             mmToDim(area.MaxHeight),
			MaxOpticalXResolution: maxDPI,
			MaxOpticalYResolution: maxDPI,
			Intents: generic.MakeBitset(
				abstract.IntentDocument,
				abstract.IntentPhoto,
				abstract.IntentTextAndGraphic,
			),
			Profiles: []abstract.SettingsProfile{profile},
		}
	}

	formats := make([]string, 0, len(caps.Formats))
	for _, f := range caps.Formats {
		formats = append(formats, f.MIME())
	}

	name := id.Name
	if id.Model != "" {
		name = id.Model
	}
	serial := id.Serial
	if serial == "" {
		serial = id.Connection
	}
	out := &abstract.ScannerCapabilities{
		UUID:            uuid.SHA1(uuid.NameSpaceDNS, "scanbridge."+id.Connection),
		MakeAndModel:    name,
		Manufacturer:    id.Manufacturer,
		SerialNumber:    serial,
		DocumentFormats: formats,
	}
	if slices.Contains(caps.Sources, capability.SourcePlaten) {
		out.Platen = input(caps.PlatenArea)
	}
	if caps.ADF.Present || slices.Contains(caps.Sources, capability.SourceADF) {
		out.ADFCapacity = caps.ADF.Capacity
		out.ADFSimplex = input(caps.ADFArea)
		if caps.ADF.Duplex || slices.Contains(caps.Sources, capability.SourceADFDuplex) {
			out.ADFDuplex = input(caps.ADFArea)
		}
	}
	return out
}

// standardDPI are offered when the device reports a continuous range.
var standardDPI = []int{75, 100, 150, 200, 300, 400, 600, 1200}

func advertisedResolutions(set capability.ResolutionSet) []int {
	if len(set.Discrete) > 0 {
		return set.Values()
	}
	var out []int
	for _, dpi := range standardDPI {
		if set.Contains(dpi) {
			out = append(out, dpi)
		}
	}
	if len(out) == 0 && set.Max > 0 {
		out = set.Values()
	}
	return out
}

// --------------------------------------------------------------------------
// Request mapping
// --------------------------------------------------------------------------

func mmToDim(mm float64) abstract.Dimension {
	return abstract.Dimension(math.Round(mm * float64(abstract.Millimeter)))
}

func dimToMM(d abstract.Dimension) float64 {
	return float64(d) / float64(abstract.Millimeter)
}

// scanOptions converts an eSCL request into device options. Unset fields are
// filled from the stored defaults, then reduced to what the device offers.
func (a *Adapter) scanOptions(req abstract.ScannerRequest) capability.ScanOptions {
	var opts capability.ScanOptions

	switch req.ColorMode {
	case abstract.ColorModeColor:
		opts.ColorMode = capability.ColorModeColor
	case abstract.ColorModeMono:
		opts.ColorMode = capability.ColorModeGrayscale
	case abstract.ColorModeBinary:
		opts.ColorMode = capability.ColorModeMonochrome
	}

	opts.Resolution = req.Resolution.XResolution

	switch req.ADFMode {
	case abstract.ADFModeSimplex:
		opts.Source = capability.SourceADF
	case abstract.ADFModeDuplex:
		opts.Source = capability.SourceADFDuplex
		opts.Duplex = true
	default:
		if a.caps.Platen != nil {
			opts.Source = capability.SourcePlaten
		}
	}
	opts.BatchMode = opts.Source.IsFeeder()

	if f, ok := capability.FormatFromMIME(req.DocumentFormat); ok {
		opts.Format = f
	}

	area := a.devCaps.AreaFor(opts.Source)
	if r := req.Region; r.Width > 0 && r.Height > 0 {
		w, h := dimToMM(r.Width), dimToMM(r.Height)
		// A region covering the whole area means "auto".
		if area.IsZero() || w < area.MaxWidth || h < area.MaxHeight {
			opts.Region = &capability.Region{
				XOffset: dimToMM(r.XOffset),
				YOffset: dimToMM(r.YOffset),
				Width:   w,
				Height:  h,
			}
		}
	}

	if a.settings != nil {
		opts = a.settings.Get().Apply(opts)
	}
	return a.fit(opts)
}

// fit drops or replaces settings the device cannot honour.
func (a *Adapter) fit(opts capability.ScanOptions) capability.ScanOptions {
	c := a.devCaps
	if opts.Resolution == 0 || !c.Resolutions.Contains(opts.Resolution) {
		opts.Resolution = nearestResolution(c.Resolutions, opts.Resolution)
	}
	if len(c.ColorModes) > 0 && !slices.Contains(c.ColorModes, opts.ColorMode) {
		opts.ColorMode = c.ColorModes[0]
	}
	if len(c.Sources) > 0 && !slices.Contains(c.Sources, opts.Source) {
		opts.Source = c.Sources[0]
		opts.BatchMode = opts.Source.IsFeeder()
	}
	if !opts.Source.IsFeeder() {
		opts.Duplex = false
	}
	if len(c.Formats) > 0 && !slices.Contains(c.Formats, opts.Format) {
		opts.Format = c.Formats[0]
	}
	opts.AutoCrop = opts.AutoCrop && c.Features.AutoCrop
	opts.Deskew = opts.Deskew && c.Features.AutoDeskew
	opts.BlankPageRemoval = opts.BlankPageRemoval && c.Features.BlankPageRemoval
	return opts
}

func nearestResolution(set capability.ResolutionSet, want int) int {
	values := advertisedResolutions(set)
	if len(values) == 0 {
		return want
	}
	if want == 0 {
		want = 300
	}
	best := values[0]
	for _, v := range values[1:] {
		if abs(v-want) < abs(best-want) {
			best = v
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// --------------------------------------------------------------------------
// Scanning
// --------------------------------------------------------------------------

// Scan starts a job and returns its pages as a document. The first page is
// read before returning so device errors surface on the scan request.
func (a *Adapter) Scan(ctx context.Context, req abstract.ScannerRequest) (abstract.Document, error) {
	if err := req.Validate(a.caps); err != nil {
		return nil, err
	}
	return a.start(ctx, a.scanOptions(req), req.DocumentFormat)
}

// start runs a job with resolved options. A non-empty outputFormat different
// from the device format is converted by a go-mfp filter.
func (a *Adapter) start(ctx context.Context, opts capability.ScanOptions, outputFormat string) (abstract.Document, error) {
	if err := capability.Validate(opts, a.devCaps); err != nil {
		return nil, err
	}
	slog.Info("scan requested",
		"device", a.dev.Identity().Name,
		"colorMode", opts.ColorMode,
		"resolution", opts.Resolution,
		"source", opts.Source,
		"format", opts.Format,
	)

	if !a.Status.TryStart() {
		return nil, ErrBusy
	}
	// The document outlives the request that created it; Close cancels.
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream := a.dev.ScanStream(jobCtx, opts)
	next, stop := iter.Pull2(stream.Pages())

	doc := &streamDocument{
		res:    abstract.Resolution{XResolution: opts.Resolution, YResolution: opts.Resolution},
		format: opts.Format.MIME(),
		stream: stream,
		next:   next,
		stop:   stop,
		cancel: cancel,
		finish: func(err error, pages int) {
			a.Status.SetResult(err, pages)
			if opts.Source.IsFeeder() {
				a.mu.Lock()
				a.adfEmpty = true
				a.mu.Unlock()
			}
		},
	}
	if err := doc.prime(); err != nil {
		doc.Close()
		return nil, err
	}

	if outputFormat != "" && outputFormat != doc.format {
		return abstract.NewFilter(doc, abstract.FilterOptions{
			OutputFormat: outputFormat,
		}), nil
	}
	return doc, nil
}

// Cancel interrupts the running job on the device.
func (a *Adapter) Cancel(ctx context.Context) bool {
	return a.dev.CancelScan(ctx)
}

// ADFState reports the feeder state. When the device cannot tell, the state
// after the last feeder job is used.
func (a *Adapter) ADFState(ctx context.Context) scanner.ADFState {
	st := a.dev.Status(ctx)
	a.mu.Lock()
	defer a.mu.Unlock()
	switch st.ADF {
	case scanner.ADFLoaded:
		a.adfEmpty = false
		return scanner.ADFLoaded
	case scanner.ADFUnknown:
		if a.adfEmpty {
			return scanner.ADFEmpty
		}
		return scanner.ADFUnknown
	}
	return st.ADF
}

// Close closes the device session.
func (a *Adapter) Close() error {
	return a.dev.Close()
}

// --------------------------------------------------------------------------
// Document / DocumentFile implementation over a page stream
// --------------------------------------------------------------------------

// streamDocument pulls pages from a scanner.Stream as the client asks for
// them. Next and Close are not called concurrently.
type streamDocument struct {
	res    abstract.Resolution
	format string
	stream *scanner.Stream
	next   func() (int, []byte, bool)
	stop   func()
	cancel context.CancelFunc
	finish func(err error, pages int)

	first []byte
	pages int
	done  bool
}

func (d *streamDocument) prime() error {
	_, page, ok := d.next()
	if !ok {
		err := d.stream.Err()
		if err == nil {
			err = ErrNoPages
		}
		d.end(err)
		return err
	}
	d.first = page
	d.pages = 1
	return nil
}

func (d *streamDocument) end(err error) {
	if d.done {
		return
	}
	d.done = true
	d.finish(err, d.pages)
}

func (d *streamDocument) Resolution() abstract.Resolution { return d.res }

func (d *streamDocument) Next() (abstract.DocumentFile, error) {
	if d.first != nil {
		p := d.first
		d.first = nil
		return &pageFile{Reader: bytes.NewReader(p), format: d.format}, nil
	}
	if d.done {
		return nil, io.EOF
	}
	_, page, ok := d.next()
	if !ok {
		err := d.stream.Err()
		d.end(err)
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	d.pages++
	return &pageFile{Reader: bytes.NewReader(page), format: d.format}, nil
}

func (d *streamDocument) Close() error {
	d.stop()
	d.cancel()
	d.end(d.stream.Err())
	return nil
}

// pageFile wraps a single page as an abstract.DocumentFile.
type pageFile struct {
	*bytes.Reader
	format string
}

func (f *pageFile) Format() string { return f.format }
