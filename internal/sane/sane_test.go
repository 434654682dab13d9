package sane

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/mzyy94/scanbridge/internal/capability"
	"github.com/mzyy94/scanbridge/internal/scanerr"
)

// ----------------------------------------------------------------------------
// Fakes

func fixed(v float64) int32 { return capability.FloatToSANEFixed(v) }

func testDescriptors() []OptionDescriptor {
	const rw = CapSoftSelect | CapSoftDetect
	return []OptionDescriptor{
		{Title: "Number of options", Type: TypeInt, Size: 4, Cap: CapSoftDetect},
		{Title: "Standard", Type: TypeGroup},
		{Name: OptResolution, Type: TypeInt, Unit: UnitDPI, Size: 4, Cap: rw,
			Constraint: Constraint{Type: ConstraintWordList, Words: []int32{600, 150, 300}}},
		{Name: OptMode, Type: TypeString, Size: 32, Cap: rw,
			Constraint: Constraint{Type: ConstraintStringList, Strings: []string{"Color", "Gray", "Lineart"}}},
		{Name: OptSource, Type: TypeString, Size: 32, Cap: rw,
			Constraint: Constraint{Type: ConstraintStringList, Strings: []string{"Flatbed", "ADF Front", "ADF Duplex"}}},
		{Name: OptTLX, Type: TypeFixed, Unit: UnitMM, Size: 4, Cap: rw,
			Constraint: Constraint{Type: ConstraintRange, Range: Range{Min: 0, Max: fixed(215.9)}}},
		{Name: OptTLY, Type: TypeFixed, Unit: UnitMM, Size: 4, Cap: rw,
			Constraint: Constraint{Type: ConstraintRange, Range: Range{Min: 0, Max: fixed(355.6)}}},
		{Name: OptBRX, Type: TypeFixed, Unit: UnitMM, Size: 4, Cap: rw,
			Constraint: Constraint{Type: ConstraintRange, Range: Range{Min: 0, Max: fixed(215.9)}}},
		{Name: OptBRY, Type: TypeFixed, Unit: UnitMM, Size: 4, Cap: rw,
			Constraint: Constraint{Type: ConstraintRange, Range: Range{Min: 0, Max: fixed(355.6)}}},
		{Name: OptBrightness, Type: TypeInt, Size: 4, Cap: rw,
			Constraint: Constraint{Type: ConstraintRange, Range: Range{Min: -127, Max: 127, Quant: 1}}},
		{Name: "scan", Type: TypeButton, Cap: rw},
	}
}

type fakeHandle struct {
	descs  []OptionDescriptor
	params Parameters
	frame  []byte
	pages  int // Start reports NO_DOCS after this many sheets
	failAt int // 1-based Start call that fails with an I/O error
	block  bool

	reading    chan struct{}
	cancelCh   chan struct{}
	cancelOnce sync.Once

	mu      sync.Mutex
	starts  int
	cancels int
	closes  int
	set     []string
	values  map[string]Value
}

func newFakeHandle(pages int) *fakeHandle {
	return &fakeHandle{
		descs:    testDescriptors(),
		params:   Parameters{Format: FrameGray, LastFrame: true, BytesPerLine: 4, PixelsPerLine: 4, Lines: 2, Depth: 8},
		frame:    []byte{0, 64, 128, 255, 255, 128, 64, 0},
		pages:    pages,
		reading:  make(chan struct{}),
		cancelCh: make(chan struct{}),
		values:   make(map[string]Value),
	}
}

func (h *fakeHandle) Options(context.Context) ([]OptionDescriptor, error) { return h.descs, nil }

func (h *fakeHandle) GetOption(_ context.Context, index int, _ OptionDescriptor) (Value, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.values[h.descs[index].Name], nil
}

func (h *fakeHandle) SetOption(_ context.Context, index int, v Value) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	name := h.descs[index].Name
	h.set = append(h.set, name)
	h.values[name] = v
	return nil
}

func (h *fakeHandle) Start(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts++
	if h.failAt > 0 && h.starts == h.failAt {
		return &StatusError{Op: "start", Status: StatusIOError}
	}
	if h.starts > h.pages {
		return &StatusError{Op: "start", Status: StatusNoDocs}
	}
	return nil
}

func (h *fakeHandle) Parameters(context.Context) (Parameters, error) { return h.params, nil }

func (h *fakeHandle) Read(context.Context) ([]byte, error) {
	if h.block {
		close(h.reading)
		<-h.cancelCh
		return nil, &StatusError{Op: "read", Status: StatusCancelled}
	}
	return slices.Clone(h.frame), nil
}

func (h *fakeHandle) Cancel() error {
	h.mu.Lock()
	h.cancels++
	h.mu.Unlock()
	h.cancelOnce.Do(func() { close(h.cancelCh) })
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return nil
}

func (h *fakeHandle) counts() (starts, cancels, closes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts, h.cancels, h.closes
}

type fakeLibrary struct {
	handle  *fakeHandle
	initErr error
	devices []Device

	mu    sync.Mutex
	inits int
	exits int
}

func (l *fakeLibrary) Init(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inits++
	return l.initErr
}

func (l *fakeLibrary) Devices(context.Context) ([]Device, error) { return l.devices, nil }

func (l *fakeLibrary) Open(_ context.Context, name string) (Handle, error) {
	if name != "test:0" {
		return nil, &StatusError{Op: "open", Status: StatusInval}
	}
	return l.handle, nil
}

func (l *fakeLibrary) Exit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exits++
	return nil
}

var testDevice = Device{Name: "test:0", Vendor: "Acme", Model: "Sheetfed 1", Type: "sheetfed scanner"}

func newTestScanner(t *testing.T, h *fakeHandle) (*Scanner, *fakeLibrary) {
	t.Helper()
	lib := &fakeLibrary{handle: h, devices: []Device{testDevice}}
	rt := NewRuntime(lib)
	s := NewScanner(rt, testDevice)
	t.Cleanup(func() {
		_ = s.Close()
		_ = rt.Close()
	})
	return s, lib
}

func feederOptions(maxPages int) capability.ScanOptions {
	return capability.ScanOptions{
		Resolution: 300,
		ColorMode:  capability.ColorModeGrayscale,
		Source:     capability.SourceADF,
		Format:     capability.FormatPNG,
		BatchMode:  true,
		MaxPages:   maxPages,
	}
}

// ----------------------------------------------------------------------------
// Scanner

func TestScan_BatchEndsOnFeederEmpty(t *testing.T) {
	h := newFakeHandle(3)
	s, _ := newTestScanner(t, h)

	res := s.Scan(context.Background(), feederOptions(5))
	if !res.Success {
		t.Fatalf("Success = false, errors %v", res.Errors)
	}
	if res.PageCount != 3 {
		t.Errorf("PageCount = %d, want 3", res.PageCount)
	}
	if res.Format != capability.FormatPNG {
		t.Errorf("Format = %v", res.Format)
	}
	img, err := png.Decode(bytes.NewReader(res.Pages[0]))
	if err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 2 {
		t.Errorf("page bounds = %v", b)
	}
	starts, cancels, _ := h.counts()
	if starts != 4 {
		t.Errorf("starts = %d, want 4", starts)
	}
	if cancels == 0 {
		t.Error("device not cancelled after batch")
	}
}

func TestScan_BatchStopsAtMaxPages(t *testing.T) {
	h := newFakeHandle(10)
	s, _ := newTestScanner(t, h)

	res := s.Scan(context.Background(), feederOptions(2))
	if !res.Success || res.PageCount != 2 {
		t.Fatalf("Success = %v PageCount = %d, want true 2", res.Success, res.PageCount)
	}
	if starts, _, _ := h.counts(); starts != 2 {
		t.Errorf("starts = %d, want 2", starts)
	}
}

func TestScan_ErrorKeepsCapturedPages(t *testing.T) {
	h := newFakeHandle(10)
	h.failAt = 3
	s, _ := newTestScanner(t, h)

	res := s.Scan(context.Background(), feederOptions(5))
	if res.Success {
		t.Fatal("Success = true, want false")
	}
	if res.PageCount != 2 {
		t.Errorf("PageCount = %d, want 2", res.PageCount)
	}
	if res.FailureKind != scanerr.KindTransport {
		t.Errorf("FailureKind = %v, want transport", res.FailureKind)
	}
}

func TestScan_SinglePageFeederEmptyFails(t *testing.T) {
	h := newFakeHandle(0)
	s, _ := newTestScanner(t, h)

	opts := feederOptions(0)
	opts.BatchMode = false
	res := s.Scan(context.Background(), opts)
	if res.Success || res.FailureKind != scanerr.KindFeederEmpty {
		t.Errorf("Success = %v FailureKind = %v, want false feeder empty", res.Success, res.FailureKind)
	}
}

func TestScan_SingleCaptureWithoutBatch(t *testing.T) {
	h := newFakeHandle(10)
	s, _ := newTestScanner(t, h)

	opts := feederOptions(0)
	opts.BatchMode = false
	res := s.Scan(context.Background(), opts)
	if !res.Success || res.PageCount != 1 {
		t.Errorf("Success = %v PageCount = %d, want true 1", res.Success, res.PageCount)
	}
}

func TestScan_MissingOptionIsSkipped(t *testing.T) {
	h := newFakeHandle(1)
	h.descs = slices.DeleteFunc(h.descs, func(d OptionDescriptor) bool { return d.Name == OptMode })
	s, _ := newTestScanner(t, h)

	opts := capability.DefaultOptions()
	opts.Format = capability.FormatJPEG
	opts.Region = &capability.Region{XOffset: 10, YOffset: 10, Width: 100, Height: 50}
	res := s.Scan(context.Background(), opts)
	if !res.Success {
		t.Fatalf("Success = false, errors %v", res.Errors)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	want := []string{OptSource, OptResolution, OptTLX, OptTLY, OptBRX, OptBRY}
	if !slices.Equal(h.set, want) {
		t.Errorf("set options = %v, want %v", h.set, want)
	}
	if got := h.values[OptSource].String; got != "Flatbed" {
		t.Errorf("source = %q, want Flatbed", got)
	}
	if got := capability.SANEFixedToFloat(h.values[OptBRX].Words[0]); math.Abs(got-110) > 1e-3 {
		t.Errorf("br-x = %v, want 110", got)
	}
}

func TestScan_UnsupportedValueRejected(t *testing.T) {
	readOnlyMode := func(h *fakeHandle) {
		for i := range h.descs {
			if h.descs[i].Name == OptMode {
				h.descs[i].Cap = CapSoftDetect
			}
		}
	}
	tests := []struct {
		name   string
		setup  func(*fakeHandle)
		mutate func(*capability.ScanOptions)
	}{
		{"resolution", func(*fakeHandle) {}, func(o *capability.ScanOptions) { o.Resolution = 1200 }},
		{"deskew", func(*fakeHandle) {}, func(o *capability.ScanOptions) { o.Deskew = true }},
		{"read_only_mode", readOnlyMode, func(*capability.ScanOptions) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newFakeHandle(1)
			tt.setup(h)
			s, _ := newTestScanner(t, h)

			opts := feederOptions(0)
			tt.mutate(&opts)
			res := s.Scan(context.Background(), opts)
			if res.Success || res.FailureKind != scanerr.KindCapabilityMismatch {
				t.Fatalf("Success = %v FailureKind = %v, want capability mismatch", res.Success, res.FailureKind)
			}
			if starts, _, _ := h.counts(); starts != 0 {
				t.Errorf("starts = %d, want 0", starts)
			}
		})
	}
}

func TestScan_DuplexSelectsDuplexSource(t *testing.T) {
	h := newFakeHandle(1)
	s, _ := newTestScanner(t, h)

	opts := feederOptions(0)
	opts.Duplex = true
	opts.Brightness = 50
	if res := s.Scan(context.Background(), opts); !res.Success {
		t.Fatalf("Success = false, errors %v", res.Errors)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if got := h.values[OptSource].String; got != "ADF Duplex" {
		t.Errorf("source = %q, want ADF Duplex", got)
	}
	if got := h.values[OptMode].String; got != "Gray" {
		t.Errorf("mode = %q, want Gray", got)
	}
	if got := h.values[OptBrightness].Words[0]; got != 64 {
		t.Errorf("brightness = %d, want 64", got)
	}
}

func TestScan_InvalidOptionsNeverOpenDevice(t *testing.T) {
	h := newFakeHandle(1)
	s, lib := newTestScanner(t, h)

	opts := feederOptions(0)
	opts.Resolution = 0
	res := s.Scan(context.Background(), opts)
	if res.Success || res.FailureKind != scanerr.KindCapabilityMismatch {
		t.Errorf("Success = %v FailureKind = %v", res.Success, res.FailureKind)
	}
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if lib.inits != 0 {
		t.Errorf("library initialized %d times", lib.inits)
	}
}

func TestScan_BindingUnavailable(t *testing.T) {
	h := newFakeHandle(1)
	s, lib := newTestScanner(t, h)
	lib.initErr = scanerr.New(scanerr.KindBindingUnavailable, "sane.init", errors.New("no saned"))

	res := s.Scan(context.Background(), feederOptions(0))
	if res.Success || res.FailureKind != scanerr.KindBindingUnavailable {
		t.Errorf("Success = %v FailureKind = %v", res.Success, res.FailureKind)
	}
}

func TestCancelScan(t *testing.T) {
	h := newFakeHandle(5)
	h.block = true
	s, _ := newTestScanner(t, h)

	if s.CancelScan(context.Background()) {
		t.Error("CancelScan with no scan = true")
	}

	done := make(chan bool)
	go func() {
		res := s.Scan(context.Background(), feederOptions(0))
		done <- res.Success
	}()

	select {
	case <-h.reading:
	case <-time.After(5 * time.Second):
		t.Fatal("scan never reached read")
	}
	if !s.CancelScan(context.Background()) {
		t.Error("CancelScan during scan = false")
	}
	select {
	case ok := <-done:
		if ok {
			t.Error("canceled scan reported success")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not return after cancel")
	}
	if s.CancelScan(context.Background()) {
		t.Error("second CancelScan = true")
	}
}

func TestCapabilities(t *testing.T) {
	s, _ := newTestScanner(t, newFakeHandle(0))

	caps, err := s.Capabilities(context.Background())
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	if got := caps.Resolutions.Values(); !slices.Equal(got, []int{150, 300, 600}) {
		t.Errorf("resolutions = %v", got)
	}
	wantModes := []capability.ColorMode{capability.ColorModeColor, capability.ColorModeGrayscale, capability.ColorModeMonochrome}
	if !slices.Equal(caps.ColorModes, wantModes) {
		t.Errorf("modes = %v", caps.ColorModes)
	}
	wantSources := []capability.InputSource{capability.SourcePlaten, capability.SourceADF, capability.SourceADFDuplex}
	if !slices.Equal(caps.Sources, wantSources) {
		t.Errorf("sources = %v", caps.Sources)
	}
	if !caps.ADF.Present || !caps.ADF.Duplex {
		t.Errorf("ADF = %+v", caps.ADF)
	}
	if math.Abs(caps.PlatenArea.MaxWidth-215.9) > 1e-3 || math.Abs(caps.ADFArea.MaxHeight-355.6) > 1e-3 {
		t.Errorf("areas = %+v %+v", caps.PlatenArea, caps.ADFArea)
	}
	if !caps.Features.BrightnessContrast || caps.Features.AutoCrop {
		t.Errorf("features = %+v", caps.Features)
	}
	if len(caps.Formats) != 5 {
		t.Errorf("formats = %v", caps.Formats)
	}
}

func TestCapabilities_RangeResolutionAndNoSource(t *testing.T) {
	descs := []OptionDescriptor{
		{Name: OptResolution, Type: TypeFixed, Unit: UnitDPI, Cap: CapSoftSelect,
			Constraint: Constraint{Type: ConstraintRange, Range: Range{Min: fixed(75), Max: fixed(1200), Quant: fixed(25)}}},
	}
	caps := NewOptionRegistry(descs, nil).Capabilities()
	if caps.Resolutions.Min != 75 || caps.Resolutions.Max != 1200 || caps.Resolutions.Step != 25 {
		t.Errorf("resolutions = %+v", caps.Resolutions)
	}
	if !slices.Equal(caps.Sources, []capability.InputSource{capability.SourcePlaten}) {
		t.Errorf("sources = %v, want [platen]", caps.Sources)
	}
	if caps.ADF.Present {
		t.Error("ADF present without a source option")
	}
}

func TestIsAvailableAndStatus(t *testing.T) {
	s, lib := newTestScanner(t, newFakeHandle(0))
	ctx := context.Background()
	if !s.IsAvailable(ctx) {
		t.Error("IsAvailable = false for listed device")
	}
	if st := s.Status(ctx); st.State.String() != "idle" {
		t.Errorf("Status = %v, want idle", st.State)
	}
	lib.devices = nil
	if s.IsAvailable(ctx) {
		t.Error("IsAvailable = true for unlisted device")
	}
}

func TestClose_ReleasesHandle(t *testing.T) {
	h := newFakeHandle(1)
	s, _ := newTestScanner(t, h)
	if _, err := s.Capabilities(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, _, closes := h.counts(); closes != 1 {
		t.Errorf("closes = %d, want 1", closes)
	}
}

// ----------------------------------------------------------------------------
// Frames

func TestFrameImage(t *testing.T) {
	tests := []struct {
		name   string
		params Parameters
		data   []byte
		check  func(t *testing.T, img image.Image)
	}{
		{
			name:   "lineart",
			params: Parameters{Format: FrameGray, BytesPerLine: 1, PixelsPerLine: 8, Lines: 1, Depth: 1},
			data:   []byte{0b10000001},
			check: func(t *testing.T, img image.Image) {
				g := img.(*image.Gray)
				if g.Pix[0] != 0 || g.Pix[1] != 0xff || g.Pix[7] != 0 {
					t.Errorf("pix = %v", g.Pix)
				}
			},
		},
		{
			name:   "gray8 with padding and unknown lines",
			params: Parameters{Format: FrameGray, BytesPerLine: 4, PixelsPerLine: 3, Lines: -1, Depth: 8},
			data:   []byte{1, 2, 3, 0, 4, 5, 6, 0},
			check: func(t *testing.T, img image.Image) {
				g := img.(*image.Gray)
				if g.Bounds().Dy() != 2 || g.GrayAt(2, 1).Y != 6 {
					t.Errorf("bounds %v pix %v", g.Bounds(), g.Pix)
				}
			},
		},
		{
			name:   "gray16",
			params: Parameters{Format: FrameGray, BytesPerLine: 2, PixelsPerLine: 1, Lines: 1, Depth: 16},
			data:   []byte{0x12, 0x34},
			check: func(t *testing.T, img image.Image) {
				if v := img.(*image.Gray16).Gray16At(0, 0).Y; v != 0x1234 {
					t.Errorf("Y = %#x", v)
				}
			},
		},
		{
			name:   "rgb8",
			params: Parameters{Format: FrameRGB, BytesPerLine: 6, PixelsPerLine: 2, Lines: 1, Depth: 8},
			data:   []byte{255, 0, 0, 0, 0, 255},
			check: func(t *testing.T, img image.Image) {
				c := img.(*image.RGBA).RGBAAt(1, 0)
				if c.B != 255 || c.R != 0 || c.A != 255 {
					t.Errorf("pixel = %v", c)
				}
			},
		},
		{
			name:   "rgb16",
			params: Parameters{Format: FrameRGB, BytesPerLine: 6, PixelsPerLine: 1, Lines: 1, Depth: 16},
			data:   []byte{0xff, 0xff, 0, 0, 0x80, 0},
			check: func(t *testing.T, img image.Image) {
				c := img.(*image.RGBA64).RGBA64At(0, 0)
				if c.R != 0xffff || c.G != 0 || c.B != 0x8000 || c.A != 0xffff {
					t.Errorf("pixel = %v", c)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := frameImage(tt.params, tt.data)
			if err != nil {
				t.Fatalf("frameImage: %v", err)
			}
			tt.check(t, img)
		})
	}
}

func TestFrameImage_Errors(t *testing.T) {
	tests := []struct {
		name   string
		params Parameters
		data   []byte
	}{
		{"three pass", Parameters{Format: FrameRed, BytesPerLine: 1, PixelsPerLine: 1, Lines: 1, Depth: 8}, []byte{0}},
		{"zero geometry", Parameters{Format: FrameGray, Depth: 8}, []byte{0}},
		{"empty", Parameters{Format: FrameGray, BytesPerLine: 4, PixelsPerLine: 4, Lines: 1, Depth: 8}, nil},
		{"overflow", Parameters{Format: FrameRGB, BytesPerLine: 3, PixelsPerLine: 2, Lines: 1, Depth: 8}, []byte{0, 0, 0}},
		{"depth", Parameters{Format: FrameGray, BytesPerLine: 1, PixelsPerLine: 1, Lines: 1, Depth: 4}, []byte{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := frameImage(tt.params, tt.data)
			if scanerr.KindOf(err) != scanerr.KindProtocol {
				t.Errorf("err = %v, want protocol error", err)
			}
		})
	}
}

// ----------------------------------------------------------------------------
// Errors

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want scanerr.Kind
	}{
		{&StatusError{Status: StatusNoDocs}, scanerr.KindFeederEmpty},
		{&StatusError{Status: StatusCancelled}, scanerr.KindCanceled},
		{&StatusError{Status: StatusJammed}, scanerr.KindDeviceBusy},
		{&StatusError{Status: StatusDeviceBusy}, scanerr.KindDeviceBusy},
		{&StatusError{Status: StatusUnsupported}, scanerr.KindCapabilityMismatch},
		{&StatusError{Status: StatusIOError}, scanerr.KindTransport},
		{&StatusError{Status: StatusInval}, scanerr.KindProtocol},
		{errors.New("broken pipe"), scanerr.KindTransport},
		{scanerr.New(scanerr.KindBindingUnavailable, "x", nil), scanerr.KindBindingUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			if got := scanerr.KindOf(classify("op", tt.err)); got != tt.want {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if classify("op", nil) != nil {
		t.Error("classify(nil) != nil")
	}
}
