package escl

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	mfp "github.com/OpenPrinting/go-mfp/proto/escl"

	"github.com/mzyy94/scanbridge/internal/capability"
	"github.com/mzyy94/scanbridge/internal/scanerr"
	"github.com/mzyy94/scanbridge/internal/scanner"
)

const inputCapsXML = `
      <scan:MinWidth>16</scan:MinWidth>
      <scan:MaxWidth>2550</scan:MaxWidth>
      <scan:MinHeight>16</scan:MinHeight>
      <scan:MaxHeight>%d</scan:MaxHeight>
      <scan:SettingProfiles>
        <scan:SettingProfile>
          <scan:ColorModes>
            <scan:ColorMode>RGB24</scan:ColorMode>
            <scan:ColorMode>Grayscale8</scan:ColorMode>
            <scan:ColorMode>BlackAndWhite1</scan:ColorMode>
            <scan:ColorMode>Grayscale16</scan:ColorMode>
          </scan:ColorModes>
          <scan:DocumentFormats>
            <pwg:DocumentFormat>image/jpeg</pwg:DocumentFormat>
            <pwg:DocumentFormat>application/pdf</pwg:DocumentFormat>
            <scan:DocumentFormatExt>image/jpeg</scan:DocumentFormatExt>
          </scan:DocumentFormats>
          <scan:SupportedResolutions>
            <scan:DiscreteResolutions>
              <scan:DiscreteResolution><scan:XResolution>300</scan:XResolution><scan:YResolution>300</scan:YResolution></scan:DiscreteResolution>
              <scan:DiscreteResolution><scan:XResolution>150</scan:XResolution><scan:YResolution>150</scan:YResolution></scan:DiscreteResolution>
              <scan:DiscreteResolution><scan:XResolution>600</scan:XResolution><scan:YResolution>600</scan:YResolution></scan:DiscreteResolution>
            </scan:DiscreteResolutions>
          </scan:SupportedResolutions>
        </scan:SettingProfile>
      </scan:SettingProfiles>
      <scan:EdgeAutoDetection><scan:SupportedEdge>TopEdge</scan:SupportedEdge></scan:EdgeAutoDetection>`

var fullCapsXML = `<?xml version="1.0" encoding="UTF-8"?>
<scan:ScannerCapabilities xmlns:pwg="http://www.pwg.org/schemas/2010/12/sm" xmlns:scan="http://schemas.hp.com/imaging/escl/2011/05/03">
  <pwg:Version>2.63</pwg:Version>
  <pwg:MakeAndModel>Test MFP 100</pwg:MakeAndModel>
  <pwg:SerialNumber>SN123</pwg:SerialNumber>
  <scan:UUID>4509a320-00a0-008f-00b6-002507510eca</scan:UUID>
  <scan:Platen>
    <scan:PlatenInputCaps>` + fmt.Sprintf(inputCapsXML, 3508) + `
    </scan:PlatenInputCaps>
  </scan:Platen>
  <scan:Adf>
    <scan:AdfSimplexInputCaps>` + fmt.Sprintf(inputCapsXML, 4200) + `
    </scan:AdfSimplexInputCaps>
    <scan:AdfDuplexInputCaps>` + fmt.Sprintf(inputCapsXML, 4200) + `
    </scan:AdfDuplexInputCaps>
    <scan:FeederCapacity>50</scan:FeederCapacity>
  </scan:Adf>
  <scan:BrightnessSupport>
    <scan:Min>0</scan:Min><scan:Max>1000</scan:Max><scan:Normal>500</scan:Normal><scan:Step>1</scan:Step>
  </scan:BrightnessSupport>
</scan:ScannerCapabilities>`

var platenCapsXML = `<?xml version="1.0" encoding="UTF-8"?>
<scan:ScannerCapabilities xmlns:pwg="http://www.pwg.org/schemas/2010/12/sm" xmlns:scan="http://schemas.hp.com/imaging/escl/2011/05/03">
  <pwg:Version>2.6</pwg:Version>
  <pwg:MakeAndModel>Flatbed Only</pwg:MakeAndModel>
  <scan:Platen>
    <scan:PlatenInputCaps>` + fmt.Sprintf(inputCapsXML, 3508) + `
    </scan:PlatenInputCaps>
  </scan:Platen>
</scan:ScannerCapabilities>`

const (
	nsScan = "http://schemas.hp.com/imaging/escl/2011/05/03"
	nsPWG  = "http://www.pwg.org/schemas/2010/12/sm"
)

// ----------------------------------------------------------------------------
// fake device

type fakeDevice struct {
	mu              sync.Mutex
	capsXML         string
	location        string // Location header for new jobs, default /eSCL/ScanJobs/job-1
	processingPolls int // polls answering Processing before Completed, -1 = forever
	abortReason     string
	pages           [][]byte
	jobPolls        int
	served          int
	created         int
	deleted         int
	settings        string
}

func (f *fakeDevice) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/eSCL/ScannerCapabilities":
		io.WriteString(w, f.capsXML)
	case r.Method == http.MethodGet && r.URL.Path == "/eSCL/ScannerStatus":
		f.writeStatus(w)
	case r.Method == http.MethodPost && r.URL.Path == "/eSCL/ScanJobs":
		body, _ := io.ReadAll(r.Body)
		f.settings = string(body)
		f.created++
		loc := f.location
		if loc == "" {
			loc = "/eSCL/ScanJobs/job-1"
		}
		w.Header().Set("Location", loc)
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodGet && r.URL.Path == "/eSCL/ScanJobs/job-1/NextDocument":
		if f.served >= len(f.pages) {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(f.pages[f.served])
		f.served++
	case r.Method == http.MethodDelete && r.URL.Path == "/eSCL/ScanJobs/job-1":
		f.deleted++
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeDevice) writeStatus(w io.Writer) {
	jobs := ""
	if f.created > 0 {
		state, reason := "Processing", "JobScanning"
		switch {
		case f.deleted > 0:
			state, reason = "Canceled", "JobCanceledByUser"
		case f.abortReason != "" && f.served > 0:
			state, reason = "Aborted", f.abortReason
		case f.processingPolls >= 0 && f.jobPolls >= f.processingPolls:
			state, reason = "Completed", "JobCompletedSuccessfully"
		}
		f.jobPolls++
		jobs = fmt.Sprintf(`<scan:JobInfo><pwg:JobUri>/eSCL/ScanJobs/job-1</pwg:JobUri><pwg:JobUuid>job-1</pwg:JobUuid>`+
			`<pwg:JobState>%s</pwg:JobState><pwg:JobStateReasons><pwg:JobStateReason>%s</pwg:JobStateReason></pwg:JobStateReasons></scan:JobInfo>`,
			state, reason)
	}
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<scan:ScannerStatus xmlns:pwg=%q xmlns:scan=%q><pwg:Version>2.6</pwg:Version><pwg:State>Idle</pwg:State>`+
		`<scan:AdfState>ScannerAdfLoaded</scan:AdfState><scan:Jobs>%s</scan:Jobs></scan:ScannerStatus>`, nsPWG, nsScan, jobs)
}

type deviceCounts struct {
	jobPolls, served, created, deleted int
	settings                           string
}

func (f *fakeDevice) snapshot() deviceCounts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return deviceCounts{jobPolls: f.jobPolls, served: f.served, created: f.created, deleted: f.deleted, settings: f.settings}
}

func splitHostPort(t *testing.T, raw string) (string, int) {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	host, p, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}

func newTestScanner(t *testing.T, dev *fakeDevice, cfg Config) *Scanner {
	t.Helper()
	srv := httptest.NewServer(dev)
	t.Cleanup(srv.Close)
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	s, err := New(srv.URL+"/eSCL", scanner.Identity{Name: "test"}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func jpegOptions() capability.ScanOptions {
	return capability.ScanOptions{Resolution: 300, ColorMode: capability.ColorModeColor, Source: capability.SourcePlaten, Format: capability.FormatJPEG}
}

// ----------------------------------------------------------------------------
// capability parsing

func TestParseCapabilities(t *testing.T) {
	caps, err := ParseCapabilities([]byte(fullCapsXML))
	if err != nil {
		t.Fatalf("ParseCapabilities: %v", err)
	}
	c := caps.Canonical

	if caps.MakeAndModel != "Test MFP 100" || caps.SerialNumber != "SN123" {
		t.Errorf("identity = %q/%q", caps.MakeAndModel, caps.SerialNumber)
	}
	if got := c.Resolutions.Values(); fmt.Sprint(got) != "[150 300 600]" {
		t.Errorf("resolutions = %v", got)
	}
	wantModes := []capability.ColorMode{capability.ColorModeColor, capability.ColorModeGrayscale, capability.ColorModeMonochrome}
	if fmt.Sprint(c.ColorModes) != fmt.Sprint(wantModes) {
		t.Errorf("color modes = %v, want %v (Grayscale16 folded into grayscale)", c.ColorModes, wantModes)
	}
	if fmt.Sprint(c.Formats) != "[jpeg pdf]" {
		t.Errorf("formats = %v", c.Formats)
	}
	if !c.ADF.Present || !c.ADF.Duplex || c.ADF.Capacity != 50 {
		t.Errorf("ADF = %+v", c.ADF)
	}
	if fmt.Sprint(c.Sources) != "[platen adf adf-duplex]" {
		t.Errorf("sources = %v", c.Sources)
	}
	if w := c.PlatenArea.MaxWidth; w < 215.8 || w > 216 {
		t.Errorf("platen max width = %.2fmm, want 215.9", w)
	}
	if h := c.ADFArea.MaxHeight; h < 355.5 || h > 355.7 {
		t.Errorf("ADF max height = %.2fmm, want 355.6", h)
	}
	if !c.Features.BrightnessContrast || caps.Brightness == nil || caps.Contrast != nil {
		t.Errorf("brightness/contrast = %+v / %+v / %+v", c.Features, caps.Brightness, caps.Contrast)
	}
	if c.Features.AutoCrop {
		t.Error("AutoCrop advertised, but ScanSettings cannot request edge detection")
	}
	if caps.UUID != "4509a320-00a0-008f-00b6-002507510eca" {
		t.Errorf("UUID = %q", caps.UUID)
	}
}

func TestParseCapabilities_NoADF(t *testing.T) {
	caps, err := ParseCapabilities([]byte(platenCapsXML))
	if err != nil {
		t.Fatalf("ParseCapabilities: %v", err)
	}
	if caps.Canonical.ADF.Present {
		t.Error("ADF.Present = true without an Adf block")
	}
	if fmt.Sprint(caps.Canonical.Sources) != "[platen]" {
		t.Errorf("sources = %v", caps.Canonical.Sources)
	}
}

func TestParseCapabilities_Malformed(t *testing.T) {
	_, err := ParseCapabilities([]byte("<scan:ScannerCapabilities><unclosed>"))
	if scanerr.KindOf(err) != scanerr.KindProtocol {
		t.Errorf("err = %v, want protocol error", err)
	}
}

func TestBuildScanSettings_RegionUnits(t *testing.T) {
	caps, _ := ParseCapabilities([]byte(fullCapsXML))
	for _, dpi := range []int{150, 600} {
		opts := jpegOptions()
		opts.Resolution = dpi
		opts.Region = &capability.Region{XOffset: 10, YOffset: 20, Width: 100, Height: 50.8}

		s := BuildScanSettings(opts, caps)
		if len(s.ScanRegions) != 1 {
			t.Fatalf("dpi %d: %d regions", dpi, len(s.ScanRegions))
		}
		r := s.ScanRegions[0]
		if r.XOffset != 118 || r.YOffset != 236 || r.Width != 1181 || r.Height != 600 {
			t.Errorf("dpi %d: region = %+v, want 118/236/1181/600 in 1/300 inch", dpi, r)
		}
		if r.ContentRegionUnits != mfp.ThreeHundredthsOfInches {
			t.Errorf("units = %v", r.ContentRegionUnits)
		}
	}
}

func TestBuildScanSettings_Marshal(t *testing.T) {
	caps, _ := ParseCapabilities([]byte(fullCapsXML))
	opts := jpegOptions()
	opts.Source = capability.SourceADFDuplex
	opts.ColorMode = capability.ColorModeGrayscale
	opts.Brightness = 50

	settings := BuildScanSettings(opts, caps)
	body := settings.ToXML().EncodeString(mfp.NsMap)
	for _, want := range []string{
		`<pwg:Version>2.6</pwg:Version>`,
		`<pwg:InputSource>Feeder</pwg:InputSource>`,
		`<scan:Duplex>true</scan:Duplex>`,
		`<scan:ColorMode>Grayscale8</scan:ColorMode>`,
		`<pwg:DocumentFormat>image/jpeg</pwg:DocumentFormat>`,
		`<scan:XResolution>300</scan:XResolution>`,
		`<scan:Brightness>750</scan:Brightness>`,
		`<pwg:Width>2550</pwg:Width>`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("settings missing %s\n%s", want, body)
		}
	}
}

func TestRangeScale(t *testing.T) {
	r := Range{Min: 0, Max: 1000, Normal: 500, Step: 1}
	tests := map[int]int{-100: 0, -50: 250, 0: 500, 50: 750, 100: 1000}
	for in, want := range tests {
		if got := r.scale(in); got != want {
			t.Errorf("scale(%d) = %d, want %d", in, got, want)
		}
	}
}

// ----------------------------------------------------------------------------
// job lifecycle

func TestScan_SinglePageAfterTwoPolls(t *testing.T) {
	dev := &fakeDevice{capsXML: fullCapsXML, processingPolls: 2, pages: [][]byte{[]byte("page-1")}}
	s := newTestScanner(t, dev, Config{})

	res := s.Scan(context.Background(), jpegOptions())
	if !res.Success {
		t.Fatalf("Success = false, errors %v", res.Errors)
	}
	if res.PageCount != 1 || string(res.Pages[0]) != "page-1" {
		t.Errorf("pages = %d %q", res.PageCount, res.Pages)
	}
	if res.Format != capability.FormatJPEG {
		t.Errorf("Format = %v", res.Format)
	}
	snap := dev.snapshot()
	if snap.jobPolls < 3 {
		t.Errorf("job polled %d times, want >= 3", snap.jobPolls)
	}
	if snap.deleted != 0 {
		t.Errorf("completed job was deleted %d times", snap.deleted)
	}
	if !strings.Contains(snap.settings, "<scan:XResolution>300</scan:XResolution>") {
		t.Errorf("posted settings = %s", snap.settings)
	}
	if res.Metadata["job_url"] == "" {
		t.Error("job_url metadata missing")
	}
}

func TestScan_MaxPagesStopsAndDeletes(t *testing.T) {
	dev := &fakeDevice{capsXML: fullCapsXML, pages: [][]byte{[]byte("1"), []byte("2"), []byte("3")}}
	s := newTestScanner(t, dev, Config{})

	opts := jpegOptions()
	opts.Source = capability.SourceADF
	opts.BatchMode = true
	opts.MaxPages = 2
	res := s.Scan(context.Background(), opts)
	if !res.Success || res.PageCount != 2 {
		t.Fatalf("Success = %v, PageCount = %d, errors %v", res.Success, res.PageCount, res.Errors)
	}
	if d := dev.snapshot().deleted; d != 1 {
		t.Errorf("deleted = %d, want 1", d)
	}
}

func TestScan_FeederEmptyAfterPagesSucceeds(t *testing.T) {
	dev := &fakeDevice{capsXML: fullCapsXML, abortReason: "AdfEmpty", pages: [][]byte{[]byte("1"), []byte("2")}}
	s := newTestScanner(t, dev, Config{})

	opts := jpegOptions()
	opts.Source = capability.SourceADF
	res := s.Scan(context.Background(), opts)
	if !res.Success || res.PageCount != 1 {
		t.Errorf("Success = %v, PageCount = %d, errors %v", res.Success, res.PageCount, res.Errors)
	}
}

func TestScan_CapabilityMismatchCreatesNoJob(t *testing.T) {
	dev := &fakeDevice{capsXML: platenCapsXML}
	s := newTestScanner(t, dev, Config{})

	opts := jpegOptions()
	opts.Source = capability.SourceADF
	res := s.Scan(context.Background(), opts)
	if res.Success || res.FailureKind != scanerr.KindCapabilityMismatch {
		t.Errorf("Success = %v, FailureKind = %v", res.Success, res.FailureKind)
	}
	if got := scanner.Classify(res); got != scanner.OutcomeFailed {
		t.Errorf("Classify = %v, want failed", got)
	}
	if c := dev.snapshot().created; c != 0 {
		t.Errorf("created %d jobs, want 0", c)
	}
}

func TestScan_AutoCropRejected(t *testing.T) {
	dev := &fakeDevice{capsXML: fullCapsXML}
	s := newTestScanner(t, dev, Config{})

	opts := jpegOptions()
	opts.AutoCrop = true
	res := s.Scan(context.Background(), opts)
	if res.Success || res.FailureKind != scanerr.KindCapabilityMismatch {
		t.Errorf("Success = %v, FailureKind = %v", res.Success, res.FailureKind)
	}
	if c := dev.snapshot().created; c != 0 {
		t.Errorf("created %d jobs, want 0", c)
	}
}

func TestScan_PollTimeout(t *testing.T) {
	dev := &fakeDevice{capsXML: fullCapsXML, processingPolls: -1}
	cfg := Config{PollInterval: 10 * time.Millisecond, Timeout: 80 * time.Millisecond}
	s := newTestScanner(t, dev, cfg)

	start := time.Now()
	res := s.Scan(context.Background(), jpegOptions())
	elapsed := time.Since(start)

	if res.Success || res.FailureKind != scanerr.KindScanTimeout {
		t.Fatalf("Success = %v, FailureKind = %v, errors %v", res.Success, res.FailureKind, res.Errors)
	}
	if elapsed > cfg.Timeout+cfg.PollInterval+time.Second {
		t.Errorf("timed out after %v", elapsed)
	}
	if d := dev.snapshot().deleted; d != 1 {
		t.Errorf("timed-out job deleted %d times, want 1", d)
	}
}

func TestCancelScan_Idempotent(t *testing.T) {
	dev := &fakeDevice{capsXML: fullCapsXML, processingPolls: -1}
	s := newTestScanner(t, dev, Config{})

	if s.CancelScan(context.Background()) {
		t.Fatal("CancelScan with no job = true")
	}

	done := make(chan *scanner.ScanResult, 1)
	go func() { done <- s.Scan(context.Background(), jpegOptions()) }()

	deadline := time.Now().Add(5 * time.Second)
	for dev.snapshot().jobPolls == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never polled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !s.CancelScan(context.Background()) {
		t.Error("first CancelScan = false, want true")
	}
	if s.CancelScan(context.Background()) {
		t.Error("second CancelScan = true, want false")
	}

	select {
	case res := <-done:
		if res.Success || res.FailureKind != scanerr.KindCanceled {
			t.Errorf("Success = %v, FailureKind = %v", res.Success, res.FailureKind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not stop after cancel")
	}
	if d := dev.snapshot().deleted; d != 1 {
		t.Errorf("deleted = %d, want 1", d)
	}
}

func TestScanStream_EarlyBreakDeletesJob(t *testing.T) {
	dev := &fakeDevice{capsXML: fullCapsXML, pages: [][]byte{[]byte("1"), []byte("2"), []byte("3")}}
	s := newTestScanner(t, dev, Config{})

	opts := jpegOptions()
	opts.Source = capability.SourceADF
	stream := s.ScanStream(context.Background(), opts)
	var got []string
	for i, page := range stream.Pages() {
		got = append(got, string(page))
		if i == 0 {
			break
		}
	}
	if stream.Err() != nil {
		t.Fatalf("Err = %v", stream.Err())
	}
	if len(got) != 1 || got[0] != "1" {
		t.Errorf("pages = %v", got)
	}
	if d := dev.snapshot().deleted; d != 1 {
		t.Errorf("deleted = %d, want 1", d)
	}
}

func TestStatus(t *testing.T) {
	dev := &fakeDevice{capsXML: fullCapsXML}
	s := newTestScanner(t, dev, Config{})

	st := s.Status(context.Background())
	if st.State != scanner.StateIdle || st.ADF != scanner.ADFLoaded || st.JobActive {
		t.Errorf("Status = %+v", st)
	}
	if !s.IsAvailable(context.Background()) {
		t.Error("IsAvailable = false")
	}
}

func TestStatus_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	s, err := New(addr+"/eSCL", scanner.Identity{}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if st := s.Status(context.Background()); st.State != scanner.StateOffline {
		t.Errorf("State = %v, want offline", st.State)
	}
	res := s.Scan(context.Background(), jpegOptions())
	if got := scanner.Classify(res); got != scanner.OutcomeUnreachable {
		t.Errorf("Classify = %v, want unreachable (errors %v)", got, res.Errors)
	}
}

func TestVerify(t *testing.T) {
	srv := httptest.NewServer(&fakeDevice{capsXML: platenCapsXML})
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	caps, err := Verify(context.Background(), nil, host, port, "eSCL", false)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if caps.MakeAndModel != "Flatbed Only" {
		t.Errorf("MakeAndModel = %q", caps.MakeAndModel)
	}

	if _, err := Verify(context.Background(), nil, host, port, "other", false); err == nil {
		t.Error("Verify of a missing root should fail")
	}
}

func TestCreateJob_InvalidLocation(t *testing.T) {
	dev := &fakeDevice{capsXML: fullCapsXML, location: "http://192.0.2.1/elsewhere/job-1"}
	s := newTestScanner(t, dev, Config{})

	res := s.Scan(context.Background(), jpegOptions())
	if res.Success || res.FailureKind != scanerr.KindProtocol {
		t.Errorf("Success = %v, FailureKind = %v, errors %v", res.Success, res.FailureKind, res.Errors)
	}
}

func TestNextDocument_TooLarge(t *testing.T) {
	old := maxDocumentSize
	maxDocumentSize = 8
	t.Cleanup(func() { maxDocumentSize = old })

	tests := []struct {
		name     string
		page     string
		wantKind scanerr.Kind
	}{
		{"at limit", "12345678", scanerr.KindUnknown},
		{"over limit", "123456789", scanerr.KindProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &fakeDevice{capsXML: fullCapsXML, pages: [][]byte{[]byte(tt.page)}}
			srv := httptest.NewServer(dev)
			defer srv.Close()
			c, err := NewClient(srv.URL+"/eSCL", nil)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()

			data, _, err := c.NextDocument(context.Background(), "/eSCL/ScanJobs/job-1")
			if tt.wantKind == scanerr.KindUnknown {
				if err != nil || string(data) != tt.page {
					t.Errorf("data = %q, err = %v", data, err)
				}
				return
			}
			if scanerr.KindOf(err) != tt.wantKind || data != nil {
				t.Errorf("data = %d bytes, err = %v, want %v", len(data), err, tt.wantKind)
			}
		})
	}
}
