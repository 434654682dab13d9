// Package capability holds the value types describing what a scanner can do
// and what a caller asks of it, plus validation of one against the other.
package capability

import (
	"fmt"
	"slices"
	"strings"
)

// ColorMode is a canonical color mode.
type ColorMode int

const (
	ColorModeUnset ColorMode = iota
	ColorModeColor
	ColorModeGrayscale
	ColorModeMonochrome
)

func (c ColorMode) String() string {
	switch c {
	case ColorModeColor:
		return "color"
	case ColorModeGrayscale:
		return "grayscale"
	case ColorModeMonochrome:
		return "monochrome"
	default:
		return "unset"
	}
}

// ParseColorMode parses the canonical name of a color mode.
func ParseColorMode(s string) (ColorMode, error) {
	switch strings.ToLower(s) {
	case "color", "colour":
		return ColorModeColor, nil
	case "grayscale", "gray", "grey":
		return ColorModeGrayscale, nil
	case "monochrome", "bw", "binary":
		return ColorModeMonochrome, nil
	}
	return ColorModeUnset, fmt.Errorf("unknown color mode %q", s)
}

// InputSource is a canonical input source.
type InputSource int

const (
	SourceUnset InputSource = iota
	SourcePlaten
	SourceADF
	SourceADFDuplex
)

func (s InputSource) String() string {
	switch s {
	case SourcePlaten:
		return "platen"
	case SourceADF:
		return "adf"
	case SourceADFDuplex:
		return "adf-duplex"
	default:
		return "unset"
	}
}

// IsFeeder reports whether the source pulls sheets from the document feeder.
func (s InputSource) IsFeeder() bool {
	return s == SourceADF || s == SourceADFDuplex
}

// ParseInputSource parses the canonical name of an input source.
func ParseInputSource(s string) (InputSource, error) {
	switch strings.ToLower(s) {
	case "platen", "flatbed":
		return SourcePlaten, nil
	case "adf", "feeder":
		return SourceADF, nil
	case "adf-duplex", "duplex":
		return SourceADFDuplex, nil
	}
	return SourceUnset, fmt.Errorf("unknown input source %q", s)
}

// Format is an output document format.
type Format int

const (
	FormatUnset Format = iota
	FormatJPEG
	FormatPNG
	FormatTIFF
	FormatPDF
	FormatBMP
)

var formatMIME = map[Format]string{
	FormatJPEG: "image/jpeg",
	FormatPNG:  "image/png",
	FormatTIFF: "image/tiff",
	FormatPDF:  "application/pdf",
	FormatBMP:  "image/bmp",
}

func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatPNG:
		return "png"
	case FormatTIFF:
		return "tiff"
	case FormatPDF:
		return "pdf"
	case FormatBMP:
		return "bmp"
	default:
		return "unset"
	}
}

// MIME returns the media type of the format, or "" when unset.
func (f Format) MIME() string { return formatMIME[f] }

// FormatFromMIME maps a media type onto a Format. Parameters such as
// "; charset" are ignored.
func FormatFromMIME(mime string) (Format, bool) {
	mime, _, _ = strings.Cut(mime, ";")
	mime = strings.ToLower(strings.TrimSpace(mime))
	if mime == "image/x-ms-bmp" {
		return FormatBMP, true
	}
	for f, m := range formatMIME {
		if m == mime {
			return f, true
		}
	}
	return FormatUnset, false
}

// ParseFormat parses a short format name ("jpeg", "pdf", ...).
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "tiff", "tif":
		return FormatTIFF, nil
	case "pdf":
		return FormatPDF, nil
	case "bmp":
		return FormatBMP, nil
	}
	if f, ok := FormatFromMIME(s); ok {
		return f, nil
	}
	return FormatUnset, fmt.Errorf("unknown format %q", s)
}

// Region is a scan rectangle in millimetres, relative to the top-left corner
// of the scan area.
type Region struct {
	XOffset float64
	YOffset float64
	Width   float64
	Height  float64
}

// ScanOptions is one fully resolved scan request. It is passed by value and
// never partially applied.
type ScanOptions struct {
	Resolution       int // DPI
	ColorMode        ColorMode
	Source           InputSource
	Format           Format
	Region           *Region // nil = full scan area
	Duplex           bool
	BatchMode        bool
	MaxPages         int // 0 = no cap
	Brightness       int // -100..100
	Contrast         int // -100..100
	AutoCrop         bool
	Deskew           bool
	BlankPageRemoval bool
}

// DefaultOptions returns a single-page 300 DPI color JPEG platen scan.
func DefaultOptions() ScanOptions {
	return ScanOptions{
		Resolution: 300,
		ColorMode:  ColorModeColor,
		Source:     SourcePlaten,
		Format:     FormatJPEG,
	}
}

// IsDuplex reports whether both sides of each sheet are requested.
func (o ScanOptions) IsDuplex() bool {
	return o.Duplex || o.Source == SourceADFDuplex
}

// ResolutionSet is either a discrete list of DPI values or a stepped range.
type ResolutionSet struct {
	Discrete []int
	Min      int
	Max      int
	Step     int // 0 or 1 = every integer in [Min, Max]
}

// IsEmpty reports whether no resolution is known.
func (r ResolutionSet) IsEmpty() bool {
	return len(r.Discrete) == 0 && r.Max == 0
}

// Contains reports whether dpi is a member of the set.
func (r ResolutionSet) Contains(dpi int) bool {
	if len(r.Discrete) > 0 {
		return slices.Contains(r.Discrete, dpi)
	}
	if r.Max == 0 || dpi < r.Min || dpi > r.Max {
		return false
	}
	if r.Step > 1 {
		return (dpi-r.Min)%r.Step == 0
	}
	return true
}

// Lowest returns the smallest resolution in the set, or 0.
func (r ResolutionSet) Lowest() int {
	if len(r.Discrete) > 0 {
		return slices.Min(r.Discrete)
	}
	return r.Min
}

// Values lists the members of a discrete set, or the range endpoints.
func (r ResolutionSet) Values() []int {
	if len(r.Discrete) > 0 {
		out := slices.Clone(r.Discrete)
		slices.Sort(out)
		return out
	}
	if r.Max == 0 {
		return nil
	}
	if r.Min == r.Max {
		return []int{r.Min}
	}
	return []int{r.Min, r.Max}
}

// ADFInfo describes the automatic document feeder.
type ADFInfo struct {
	Present  bool
	Duplex   bool
	Capacity int // sheets, 0 = unknown
}

// ScanArea is a physical scan area in millimetres. A zero MaxWidth means the
// device did not report one.
type ScanArea struct {
	MinWidth  float64
	MaxWidth  float64
	MinHeight float64
	MaxHeight float64
}

// IsZero reports whether no bounds were reported.
func (a ScanArea) IsZero() bool { return a.MaxWidth == 0 && a.MaxHeight == 0 }

// Features are optional processing controls the device exposes.
type Features struct {
	AutoCrop           bool
	AutoDeskew         bool
	BrightnessContrast bool
	BlankPageRemoval   bool
}

// ScannerCapabilities is the canonical description of a device.
type ScannerCapabilities struct {
	Resolutions ResolutionSet
	ColorModes  []ColorMode
	Sources     []InputSource
	ADF         ADFInfo
	Formats     []Format
	PlatenArea  ScanArea
	ADFArea     ScanArea
	Features    Features
}

// IsEmpty reports whether nothing is known about the device.
func (c ScannerCapabilities) IsEmpty() bool {
	return c.Resolutions.IsEmpty() && len(c.ColorModes) == 0 && len(c.Sources) == 0 && len(c.Formats) == 0
}

// AreaFor returns the scan area for the given source.
func (c ScannerCapabilities) AreaFor(src InputSource) ScanArea {
	if src.IsFeeder() {
		return c.ADFArea
	}
	return c.PlatenArea
}

// appendUnique appends v to s unless already present.
func appendUnique[T comparable](s []T, v T) []T {
	if slices.Contains(s, v) {
		return s
	}
	return append(s, v)
}
