package capability

import "math"

const mmPerInch = 25.4

// ThreeHundredthsPerInch is the eSCL length unit: 1/300 inch, independent of
// the scan resolution.
const ThreeHundredthsPerInch = 300

// MMToThreeHundredths converts millimetres to 1/300 inch, rounded.
func MMToThreeHundredths(mm float64) int {
	return int(math.Round(mm * ThreeHundredthsPerInch / mmPerInch))
}

// ThreeHundredthsToMM converts 1/300 inch to millimetres.
func ThreeHundredthsToMM(v int) float64 {
	return float64(v) * mmPerInch / ThreeHundredthsPerInch
}

// SANE fixed-point numbers carry 16 fractional bits.
const saneFixedShift = 16

// FloatToSANEFixed converts a float to SANE_Fixed.
func FloatToSANEFixed(v float64) int32 {
	return int32(math.Round(v * (1 << saneFixedShift)))
}

// SANEFixedToFloat converts SANE_Fixed to a float.
func SANEFixedToFloat(v int32) float64 {
	return float64(v) / (1 << saneFixedShift)
}

// MMToPixels converts a length to pixels at dpi.
func MMToPixels(mm float64, dpi int) int {
	return int(math.Round(mm / mmPerInch * float64(dpi)))
}

// PixelsToMM converts a pixel count at dpi to millimetres.
func PixelsToMM(px, dpi int) float64 {
	if dpi <= 0 {
		return 0
	}
	return float64(px) / float64(dpi) * mmPerInch
}
