package capability

import (
	"fmt"
	"slices"
	"strings"

	"github.com/mzyy94/scanbridge/internal/scanerr"
)

// Check validates option ranges that do not depend on a device.
func (o ScanOptions) Check() error {
	var problems []string
	if o.Resolution <= 0 {
		problems = append(problems, fmt.Sprintf("resolution %d must be positive", o.Resolution))
	}
	if o.ColorMode == ColorModeUnset {
		problems = append(problems, "color mode is unset")
	}
	if o.Source == SourceUnset {
		problems = append(problems, "input source is unset")
	}
	if o.Format == FormatUnset {
		problems = append(problems, "format is unset")
	}
	if o.Brightness < -100 || o.Brightness > 100 {
		problems = append(problems, fmt.Sprintf("brightness %d outside -100..100", o.Brightness))
	}
	if o.Contrast < -100 || o.Contrast > 100 {
		problems = append(problems, fmt.Sprintf("contrast %d outside -100..100", o.Contrast))
	}
	if o.MaxPages < 0 {
		problems = append(problems, fmt.Sprintf("max pages %d is negative", o.MaxPages))
	}
	if r := o.Region; r != nil {
		if r.Width <= 0 || r.Height <= 0 || r.XOffset < 0 || r.YOffset < 0 {
			problems = append(problems, fmt.Sprintf("region %+v is not a positive rectangle", *r))
		}
	}
	if len(problems) > 0 {
		return scanerr.Errorf(scanerr.KindCapabilityMismatch, "capability.check", "%s", strings.Join(problems, "; "))
	}
	return nil
}

// Validate checks that every field of opts is satisfiable by caps. It never
// adjusts opts; any unsupported field yields a CapabilityMismatch error that
// lists all problems found.
func Validate(opts ScanOptions, caps ScannerCapabilities) error {
	if err := opts.Check(); err != nil {
		return err
	}

	var problems []string
	if !caps.Resolutions.Contains(opts.Resolution) {
		problems = append(problems, fmt.Sprintf("resolution %d not in %v", opts.Resolution, caps.Resolutions.Values()))
	}
	if !slices.Contains(caps.ColorModes, opts.ColorMode) {
		problems = append(problems, fmt.Sprintf("color mode %s not supported", opts.ColorMode))
	}
	if !slices.Contains(caps.Formats, opts.Format) {
		problems = append(problems, fmt.Sprintf("format %s not supported", opts.Format))
	}

	switch {
	case opts.Source.IsFeeder() && !caps.ADF.Present:
		problems = append(problems, "device has no document feeder")
	case !slices.Contains(caps.Sources, opts.Source):
		problems = append(problems, fmt.Sprintf("input source %s not supported", opts.Source))
	}
	if opts.IsDuplex() {
		if !opts.Source.IsFeeder() {
			problems = append(problems, "duplex requires a feeder source")
		} else if !caps.ADF.Duplex {
			problems = append(problems, "feeder does not support duplex")
		}
	}

	if r := opts.Region; r != nil {
		area := caps.AreaFor(opts.Source)
		if !area.IsZero() {
			if r.XOffset+r.Width > area.MaxWidth+0.5 || r.YOffset+r.Height > area.MaxHeight+0.5 {
				problems = append(problems, fmt.Sprintf("region exceeds %.1fx%.1fmm scan area", area.MaxWidth, area.MaxHeight))
			}
			if r.Width < area.MinWidth || r.Height < area.MinHeight {
				problems = append(problems, fmt.Sprintf("region smaller than %.1fx%.1fmm minimum", area.MinWidth, area.MinHeight))
			}
		}
	}

	if (opts.Brightness != 0 || opts.Contrast != 0) && !caps.Features.BrightnessContrast {
		problems = append(problems, "brightness/contrast control not supported")
	}
	if opts.AutoCrop && !caps.Features.AutoCrop {
		problems = append(problems, "auto-crop not supported")
	}
	if opts.Deskew && !caps.Features.AutoDeskew {
		problems = append(problems, "auto-deskew not supported")
	}
	if opts.BlankPageRemoval && !caps.Features.BlankPageRemoval {
		problems = append(problems, "blank page removal not supported")
	}

	if len(problems) > 0 {
		return scanerr.Errorf(scanerr.KindCapabilityMismatch, "capability.validate", "%s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateOffered is Validate for backends whose settings are optional
// device options. A resolution set or color-mode list that is empty because
// the device has no such option does not reject the request; the value is
// left to the driver default.
func ValidateOffered(opts ScanOptions, caps ScannerCapabilities) error {
	if caps.Resolutions.IsEmpty() {
		caps.Resolutions = ResolutionSet{Discrete: []int{opts.Resolution}}
	}
	if len(caps.ColorModes) == 0 {
		caps.ColorModes = []ColorMode{opts.ColorMode}
	}
	return Validate(opts, caps)
}

// PreviewOptions returns a forced low-resolution, low-quality request the
// device can satisfy: the lowest resolution, color if available, the platen
// if present, JPEG if available.
func PreviewOptions(caps ScannerCapabilities) ScanOptions {
	opts := ScanOptions{
		Resolution: caps.Resolutions.Lowest(),
		ColorMode:  ColorModeColor,
		Source:     SourcePlaten,
		Format:     FormatJPEG,
	}
	if opts.Resolution == 0 {
		opts.Resolution = 75
	}
	if len(caps.ColorModes) > 0 && !slices.Contains(caps.ColorModes, opts.ColorMode) {
		opts.ColorMode = caps.ColorModes[0]
	}
	if len(caps.Sources) > 0 && !slices.Contains(caps.Sources, opts.Source) {
		opts.Source = caps.Sources[0]
		if opts.Source == SourceADFDuplex {
			opts.Source = SourceADF
		}
	}
	if len(caps.Formats) > 0 && !slices.Contains(caps.Formats, opts.Format) {
		opts.Format = caps.Formats[0]
	}
	return opts
}
