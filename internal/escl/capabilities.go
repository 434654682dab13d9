package escl

import (
	"slices"
	"strings"

	mfp "github.com/OpenPrinting/go-mfp/proto/escl"
	"github.com/OpenPrinting/go-mfp/util/optional"

	"github.com/mzyy94/scanbridge/internal/capability"
	"github.com/mzyy94/scanbridge/internal/scanerr"
)

// settingsVersion is the eSCL version announced in ScanSettings.
var settingsVersion = mfp.MakeVersion(2, 6)

// Range is an integer control range advertised by the device.
type Range struct {
	Min, Max, Normal, Step int
}

// Capabilities is a parsed ScannerCapabilities document.
type Capabilities struct {
	Canonical    capability.ScannerCapabilities
	MakeAndModel string
	Manufacturer string
	SerialNumber string
	UUID         string
	Brightness   *Range
	Contrast     *Range
}

// ParseCapabilities decodes a raw ScannerCapabilities document. Missing
// optional blocks are tolerated: no Adf element means no feeder.
func ParseCapabilities(data []byte) (Capabilities, error) {
	const op = "escl.capabilities"
	root, err := decodeXML(op, data)
	if err != nil {
		return Capabilities{}, err
	}
	sc, err := mfp.DecodeScannerCapabilities(root)
	if err != nil {
		return Capabilities{}, scanerr.New(scanerr.KindProtocol, op, err)
	}
	return fromScannerCapabilities(sc), nil
}

// fromScannerCapabilities maps the decoded document onto the canonical
// model. AutoCrop is never advertised: ScanSettings has no element to
// request edge detection.
func fromScannerCapabilities(sc *mfp.ScannerCapabilities) Capabilities {
	out := Capabilities{
		MakeAndModel: strings.TrimSpace(optional.Get(sc.MakeAndModel)),
		Manufacturer: strings.TrimSpace(optional.Get(sc.Manufacturer)),
		SerialNumber: strings.TrimSpace(optional.Get(sc.SerialNumber)),
		Brightness:   toRange(sc.BrightnessSupport),
		Contrast:     toRange(sc.ContrastSupport),
	}
	if sc.UUID != nil {
		out.UUID = (*sc.UUID).String()
	}
	caps := &out.Canonical

	m := capsMerger{}
	m.profiles(sc.SettingProfiles)
	if platen := optional.Get(sc.Platen); platen.PlatenInputCaps != nil {
		caps.Sources = append(caps.Sources, capability.SourcePlaten)
		caps.PlatenArea = m.merge(*platen.PlatenInputCaps)
	}
	if adf := sc.ADF; adf != nil && (adf.ADFSimplexInputCaps != nil || adf.ADFDuplexInputCaps != nil) {
		caps.ADF.Present = true
		caps.ADF.Capacity = optional.Get(adf.FeederCapacity)
		caps.Sources = append(caps.Sources, capability.SourceADF)
		if adf.ADFSimplexInputCaps != nil {
			caps.ADFArea = m.merge(*adf.ADFSimplexInputCaps)
		}
		if adf.ADFDuplexInputCaps != nil || slices.Contains(adf.ADFOptions, mfp.Duplex) {
			caps.ADF.Duplex = true
			caps.Sources = append(caps.Sources, capability.SourceADFDuplex)
			if adf.ADFDuplexInputCaps != nil {
				area := m.merge(*adf.ADFDuplexInputCaps)
				if caps.ADFArea.IsZero() {
					caps.ADFArea = area
				}
			}
		}
	}

	caps.ColorModes = capability.MapColorModes(m.colorModes, capability.ColorModeFromESCL)
	caps.Formats = capability.MapFormats(m.formats)
	caps.Resolutions = m.resolutions()
	caps.Features = capability.Features{
		BrightnessContrast: out.Brightness != nil || out.Contrast != nil,
		BlankPageRemoval:   optional.Get(sc.BlankPageDetectionAndRemoval),
	}
	return out
}

// capsMerger accumulates the union of every input source's profiles.
type capsMerger struct {
	colorModes []string
	formats    []string
	discrete   []int
	ranges     []mfp.Range
}

func (m *capsMerger) profiles(profiles []mfp.SettingProfile) {
	for _, p := range profiles {
		for _, cm := range p.ColorModes {
			m.colorModes = append(m.colorModes, cm.String())
		}
		m.formats = append(m.formats, p.DocumentFormats...)
		m.formats = append(m.formats, p.DocumentFormatsExt...)
		for _, sr := range p.SupportedResolutions {
			for _, r := range sr.DiscreteResolutions {
				if r.XResolution > 0 && !slices.Contains(m.discrete, r.XResolution) {
					m.discrete = append(m.discrete, r.XResolution)
				}
			}
			if rr := sr.ResolutionRange; rr != nil && rr.XResolutionRange.Max > 0 {
				m.ranges = append(m.ranges, rr.XResolutionRange)
			}
		}
	}
}

func (m *capsMerger) merge(in mfp.InputSourceCaps) capability.ScanArea {
	m.profiles(in.SettingProfiles)
	return capability.ScanArea{
		MinWidth:  capability.ThreeHundredthsToMM(in.MinWidth),
		MaxWidth:  capability.ThreeHundredthsToMM(in.MaxWidth),
		MinHeight: capability.ThreeHundredthsToMM(in.MinHeight),
		MaxHeight: capability.ThreeHundredthsToMM(in.MaxHeight),
	}
}

// resolutions prefers a discrete list; otherwise the widest advertised range.
func (m *capsMerger) resolutions() capability.ResolutionSet {
	if len(m.discrete) > 0 {
		d := slices.Clone(m.discrete)
		slices.Sort(d)
		return capability.ResolutionSet{Discrete: d}
	}
	var set capability.ResolutionSet
	for i, r := range m.ranges {
		if i == 0 || r.Min < set.Min {
			set.Min = r.Min
		}
		if r.Max > set.Max {
			set.Max = r.Max
		}
		if step := optional.Get(r.Step); step > set.Step {
			set.Step = step
		}
	}
	return set
}

func toRange(r optional.Val[mfp.Range]) *Range {
	if r == nil || r.Max <= r.Min {
		return nil
	}
	return &Range{Min: r.Min, Max: r.Max, Normal: r.Normal, Step: optional.Get(r.Step)}
}

// ----------------------------------------------------------------------------
// ScanSettings builder

// BuildScanSettings converts options into the ScanSettings request. Region
// lengths are expressed in 1/300 inch regardless of the requested
// resolution. Without a region the full scan area of the source is requested
// when the device reported one.
func BuildScanSettings(opts capability.ScanOptions, caps Capabilities) mfp.ScanSettings {
	intent := mfp.Document
	if opts.ColorMode == capability.ColorModeColor && opts.Resolution >= 600 {
		intent = mfp.Photo
	}
	s := mfp.ScanSettings{
		Version:           settingsVersion,
		Intent:            optional.New(intent),
		InputSource:       optional.New(mfp.InputPlaten),
		ColorMode:         optional.New(mfp.DecodeColorMode(capability.ESCLColorMode(opts.ColorMode))),
		DocumentFormat:    optional.New(opts.Format.MIME()),
		DocumentFormatExt: optional.New(opts.Format.MIME()),
		XResolution:       optional.New(opts.Resolution),
		YResolution:       optional.New(opts.Resolution),
	}
	if opts.Source.IsFeeder() {
		s.InputSource = optional.New(mfp.InputFeeder)
		s.Duplex = optional.New(opts.IsDuplex())
	}

	region := opts.Region
	if region == nil {
		if area := caps.Canonical.AreaFor(opts.Source); !area.IsZero() {
			region = &capability.Region{Width: area.MaxWidth, Height: area.MaxHeight}
		}
	}
	if region != nil {
		s.ScanRegions = []mfp.ScanRegion{{
			XOffset:            capability.MMToThreeHundredths(region.XOffset),
			YOffset:            capability.MMToThreeHundredths(region.YOffset),
			Width:              capability.MMToThreeHundredths(region.Width),
			Height:             capability.MMToThreeHundredths(region.Height),
			ContentRegionUnits: mfp.ThreeHundredthsOfInches,
		}}
	}

	if opts.Brightness != 0 && caps.Brightness != nil {
		s.Brightness = optional.New(caps.Brightness.scale(opts.Brightness))
	}
	if opts.Contrast != 0 && caps.Contrast != nil {
		s.Contrast = optional.New(caps.Contrast.scale(opts.Contrast))
	}
	if opts.BlankPageRemoval {
		s.BlankPageDetectionAndRemoval = optional.New(true)
	}
	return s
}

// scale maps an adjustment in -100..100 onto the device range, 0 being the
// device's normal value.
func (r Range) scale(v int) int {
	normal := r.Normal
	if normal < r.Min || normal > r.Max {
		normal = (r.Min + r.Max) / 2
	}
	var out int
	if v >= 0 {
		out = normal + (r.Max-normal)*v/100
	} else {
		out = normal + (normal-r.Min)*v/100
	}
	if r.Step > 1 {
		out = r.Min + (out-r.Min)/r.Step*r.Step
	}
	return out
}
