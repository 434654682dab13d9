package capability

import "strings"

// Vendor color mode tables. Values not present are dropped by the Map*
// helpers rather than guessed.
var (
	esclColorModes = map[string]ColorMode{
		"RGB24":          ColorModeColor,
		"RGB48":          ColorModeColor,
		"Grayscale8":     ColorModeGrayscale,
		"Grayscale16":    ColorModeGrayscale,
		"BlackAndWhite1": ColorModeMonochrome,
	}

	saneColorModes = map[string]ColorMode{
		"color":     ColorModeColor,
		"gray":      ColorModeGrayscale,
		"grayscale": ColorModeGrayscale,
		"lineart":   ColorModeMonochrome,
		"binary":    ColorModeMonochrome,
	}

	saneSources = map[string]InputSource{
		"flatbed":                   SourcePlaten,
		"normal":                    SourcePlaten,
		"adf":                       SourceADF,
		"adf front":                 SourceADF,
		"automatic document feeder": SourceADF,
		"adf duplex":                SourceADFDuplex,
		"duplex":                    SourceADFDuplex,
	}
)

// TWAIN ICAP_PIXELTYPE values (TWPT_*).
const (
	TWPixelBW   uint16 = 0
	TWPixelGray uint16 = 1
	TWPixelRGB  uint16 = 2
)

var twainColorModes = map[uint16]ColorMode{
	TWPixelBW:   ColorModeMonochrome,
	TWPixelGray: ColorModeGrayscale,
	TWPixelRGB:  ColorModeColor,
}

// ColorModeFromESCL maps an eSCL ColorMode enumerant.
func ColorModeFromESCL(s string) (ColorMode, bool) {
	c, ok := esclColorModes[strings.TrimSpace(s)]
	return c, ok
}

// ESCLColorMode returns the eSCL enumerant requested for a canonical mode.
func ESCLColorMode(c ColorMode) string {
	switch c {
	case ColorModeGrayscale:
		return "Grayscale8"
	case ColorModeMonochrome:
		return "BlackAndWhite1"
	default:
		return "RGB24"
	}
}

// ColorModeFromSANE maps a SANE "mode" option value. SANE backends differ in
// capitalisation, so the lookup is case-insensitive.
func ColorModeFromSANE(s string) (ColorMode, bool) {
	c, ok := saneColorModes[strings.ToLower(strings.TrimSpace(s))]
	return c, ok
}

// ColorModeFromTWAIN maps a TWAIN pixel type.
func ColorModeFromTWAIN(pt uint16) (ColorMode, bool) {
	c, ok := twainColorModes[pt]
	return c, ok
}

// TWAINPixelType returns the pixel type requested for a canonical mode.
func TWAINPixelType(c ColorMode) uint16 {
	switch c {
	case ColorModeGrayscale:
		return TWPixelGray
	case ColorModeMonochrome:
		return TWPixelBW
	default:
		return TWPixelRGB
	}
}

// SourceFromSANE maps a SANE "source" option value.
func SourceFromSANE(s string) (InputSource, bool) {
	src, ok := saneSources[strings.ToLower(strings.TrimSpace(s))]
	return src, ok
}

// MapColorModes maps vendor values through lookup, dropping unmapped ones and
// duplicates while keeping first-seen order.
func MapColorModes(values []string, lookup func(string) (ColorMode, bool)) []ColorMode {
	var out []ColorMode
	for _, v := range values {
		if c, ok := lookup(v); ok {
			out = appendUnique(out, c)
		}
	}
	return out
}

// MapSources maps vendor source names, dropping unmapped ones.
func MapSources(values []string, lookup func(string) (InputSource, bool)) []InputSource {
	var out []InputSource
	for _, v := range values {
		if s, ok := lookup(v); ok {
			out = appendUnique(out, s)
		}
	}
	return out
}

// MapFormats maps MIME types, dropping unknown ones.
func MapFormats(mimes []string) []Format {
	var out []Format
	for _, m := range mimes {
		if f, ok := FormatFromMIME(m); ok {
			out = appendUnique(out, f)
		}
	}
	return out
}
