package sane

import (
	"context"
	"math"
	"slices"

	"github.com/mzyy94/scanbridge/internal/capability"
)

// Well-known option names.
const (
	OptResolution = "resolution"
	OptMode       = "mode"
	OptSource     = "source"
	OptTLX        = "tl-x"
	OptTLY        = "tl-y"
	OptBRX        = "br-x"
	OptBRY        = "br-y"
	OptBrightness = "brightness"
	OptContrast   = "contrast"
	OptSwCrop     = "swcrop"
	OptSwDeskew   = "swdeskew"
	OptSwSkip     = "swskip"
)

// Option is one registry entry: the descriptor plus accessors bound to the
// device handle.
type Option struct {
	Index int
	Desc  OptionDescriptor
	Get   func(ctx context.Context) (Value, error)
	Set   func(ctx context.Context, v Value) error
}

// Constraint returns the option's value constraint.
func (o *Option) Constraint() Constraint { return o.Desc.Constraint }

// OptionRegistry maps option names to descriptors. It is built once per
// device session from the descriptor list and only ever looked up by name.
type OptionRegistry struct {
	byName map[string]*Option
}

// accessors reads and writes options by index.
type accessors interface {
	getOption(ctx context.Context, index int, d OptionDescriptor) (Value, error)
	setOption(ctx context.Context, index int, v Value) error
}

// NewOptionRegistry indexes descs. Groups, buttons and unnamed entries are
// skipped; the first option of a name wins.
func NewOptionRegistry(descs []OptionDescriptor, acc accessors) *OptionRegistry {
	r := &OptionRegistry{byName: make(map[string]*Option)}
	for i, d := range descs {
		if d.Name == "" || d.Type == TypeGroup || d.Type == TypeButton {
			continue
		}
		if _, dup := r.byName[d.Name]; dup {
			continue
		}
		r.byName[d.Name] = &Option{
			Index: i,
			Desc:  d,
			Get: func(ctx context.Context) (Value, error) {
				return acc.getOption(ctx, i, d)
			},
			Set: func(ctx context.Context, v Value) error {
				return acc.setOption(ctx, i, v)
			},
		}
	}
	return r
}

// Lookup returns the option registered under name.
func (r *OptionRegistry) Lookup(name string) (*Option, bool) {
	o, ok := r.byName[name]
	return o, ok
}

// Names returns the registered option names, sorted.
func (r *OptionRegistry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// ----------------------------------------------------------------------------
// Capability introspection

// outputFormats are produced by encoding raw frames, so every SANE device
// supports all of them.
var outputFormats = []capability.Format{
	capability.FormatJPEG,
	capability.FormatPNG,
	capability.FormatTIFF,
	capability.FormatBMP,
	capability.FormatPDF,
}

// Capabilities derives the canonical capabilities from the registry.
func (r *OptionRegistry) Capabilities() capability.ScannerCapabilities {
	var caps capability.ScannerCapabilities
	caps.Formats = slices.Clone(outputFormats)

	if o, ok := r.Lookup(OptResolution); ok {
		caps.Resolutions = resolutionSet(o.Desc)
	}
	if o, ok := r.Lookup(OptMode); ok {
		caps.ColorModes = capability.MapColorModes(o.Constraint().Strings, capability.ColorModeFromSANE)
	}

	if o, ok := r.Lookup(OptSource); ok {
		caps.Sources = capability.MapSources(o.Constraint().Strings, capability.SourceFromSANE)
	} else {
		caps.Sources = []capability.InputSource{capability.SourcePlaten}
	}
	for _, src := range caps.Sources {
		if src.IsFeeder() {
			caps.ADF.Present = true
		}
		if src == capability.SourceADFDuplex {
			caps.ADF.Duplex = true
		}
	}

	area := r.scanArea()
	if slices.Contains(caps.Sources, capability.SourcePlaten) {
		caps.PlatenArea = area
	}
	if caps.ADF.Present {
		caps.ADFArea = area
	}

	_, brightness := r.Lookup(OptBrightness)
	_, contrast := r.Lookup(OptContrast)
	_, crop := r.Lookup(OptSwCrop)
	_, deskew := r.Lookup(OptSwDeskew)
	_, skip := r.Lookup(OptSwSkip)
	caps.Features = capability.Features{
		AutoCrop:           crop,
		AutoDeskew:         deskew,
		BrightnessContrast: brightness || contrast,
		BlankPageRemoval:   skip,
	}
	return caps
}

func resolutionSet(d OptionDescriptor) capability.ResolutionSet {
	c := d.Constraint
	switch c.Type {
	case ConstraintWordList:
		var set capability.ResolutionSet
		for _, w := range c.Words {
			if v := wordToInt(d.Type, w); v > 0 && !slices.Contains(set.Discrete, v) {
				set.Discrete = append(set.Discrete, v)
			}
		}
		slices.Sort(set.Discrete)
		return set
	case ConstraintRange:
		return capability.ResolutionSet{
			Min:  wordToInt(d.Type, c.Range.Min),
			Max:  wordToInt(d.Type, c.Range.Max),
			Step: wordToInt(d.Type, c.Range.Quant),
		}
	}
	return capability.ResolutionSet{}
}

// scanArea reads the geometry ranges. Only millimetre geometry is mapped.
func (r *OptionRegistry) scanArea() capability.ScanArea {
	brx, okx := r.Lookup(OptBRX)
	bry, oky := r.Lookup(OptBRY)
	if !okx || !oky || brx.Desc.Unit != UnitMM || bry.Desc.Unit != UnitMM {
		return capability.ScanArea{}
	}
	if brx.Constraint().Type != ConstraintRange || bry.Constraint().Type != ConstraintRange {
		return capability.ScanArea{}
	}
	xr, yr := brx.Constraint().Range, bry.Constraint().Range
	return capability.ScanArea{
		MaxWidth:  wordToFloat(brx.Desc.Type, xr.Max) - wordToFloat(brx.Desc.Type, xr.Min),
		MaxHeight: wordToFloat(bry.Desc.Type, yr.Max) - wordToFloat(bry.Desc.Type, yr.Min),
	}
}

func wordToFloat(t ValueType, w int32) float64 {
	if t == TypeFixed {
		return capability.SANEFixedToFloat(w)
	}
	return float64(w)
}

func wordToInt(t ValueType, w int32) int {
	return int(math.Round(wordToFloat(t, w)))
}

// ----------------------------------------------------------------------------
// Value construction

// numberValue encodes v in the option's numeric type.
func numberValue(o *Option, v float64) Value {
	if o.Desc.Type == TypeFixed {
		return FixedValue(v)
	}
	return IntValue(int(math.Round(v)))
}

// choiceValue picks the first string in the option's list accepted by match.
func choiceValue(o *Option, match func(string) bool) (Value, bool) {
	for _, s := range o.Constraint().Strings {
		if match(s) {
			return StringValue(s), true
		}
	}
	return Value{}, false
}

// adjustValue maps -100..100 onto the option's range, 0 being the centre
// of the range or 0 when the range spans it.
func adjustValue(o *Option, v int) Value {
	c := o.Constraint()
	if c.Type != ConstraintRange {
		return numberValue(o, float64(v))
	}
	lo, hi := wordToFloat(o.Desc.Type, c.Range.Min), wordToFloat(o.Desc.Type, c.Range.Max)
	mid := (lo + hi) / 2
	if lo <= 0 && hi >= 0 {
		mid = 0
	}
	out := mid + (hi-mid)*float64(v)/100
	if v < 0 {
		out = mid + (mid-lo)*float64(v)/100
	}
	return numberValue(o, out)
}
