package imaging

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"

	"github.com/go-pdf/fpdf"
)

// PDFFromPages combines encoded JPEG or PNG pages into a single PDF in memory.
// Page size is derived from the DPI embedded in each image, falling back to
// dpi.
func PDFFromPages(pages [][]byte, dpi int) ([]byte, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages to write")
	}
	if dpi <= 0 {
		dpi = 300
	}

	pdf := fpdf.New("P", "mm", "", "")
	pdf.SetAutoPageBreak(false, 0)

	for i, p := range pages {
		cfg, kind, err := image.DecodeConfig(bytes.NewReader(p))
		if err != nil {
			return nil, fmt.Errorf("decode page %d image config: %w", i+1, err)
		}

		pageDPI := dpi
		if d := DetectDPI(p); d > 0 {
			pageDPI = d
		}

		widthMM := float64(cfg.Width) / float64(pageDPI) * 25.4
		heightMM := float64(cfg.Height) / float64(pageDPI) * 25.4
		pdf.AddPageFormat("P", fpdf.SizeType{Wd: widthMM, Ht: heightMM})

		imageType := "JPEG"
		if kind == "png" {
			imageType = "PNG"
		} else if kind != "jpeg" {
			return nil, fmt.Errorf("page %d: cannot embed %s in PDF", i+1, kind)
		}

		name := fmt.Sprintf("page%d", i)
		pdf.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: imageType}, bytes.NewReader(p))
		pdf.ImageOptions(name, 0, 0, widthMM, heightMM, false, fpdf.ImageOptions{}, 0, "")
	}

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return nil, fmt.Errorf("generate PDF: %w", err)
	}
	return out.Bytes(), nil
}

// DetectDPI extracts the X resolution from image data.
// Supports TIFF (IFD XResolution tag) and JPEG (JFIF APP0 density).
// Returns 0 if the DPI cannot be determined.
func DetectDPI(data []byte) int {
	if len(data) < 8 {
		return 0
	}
	// TIFF: starts with "II" (little-endian) or "MM" (big-endian)
	if (data[0] == 'I' && data[1] == 'I') || (data[0] == 'M' && data[1] == 'M') {
		return detectTIFFDPI(data)
	}
	// JPEG: starts with FF D8
	if data[0] == 0xFF && data[1] == 0xD8 {
		return detectJPEGDPI(data)
	}
	return 0
}

func detectTIFFDPI(data []byte) int {
	var bo binary.ByteOrder
	if data[0] == 'I' {
		bo = binary.LittleEndian
	} else {
		bo = binary.BigEndian
	}
	if bo.Uint16(data[2:4]) != 42 {
		return 0
	}
	ifdOff := int(bo.Uint32(data[4:8]))
	if ifdOff+2 > len(data) {
		return 0
	}
	n := int(bo.Uint16(data[ifdOff : ifdOff+2]))
	for i := range n {
		off := ifdOff + 2 + i*12
		if off+12 > len(data) {
			break
		}
		if bo.Uint16(data[off:off+2]) != 282 { // XResolution (RATIONAL)
			continue
		}
		valOff := int(bo.Uint32(data[off+8 : off+12]))
		if valOff+8 > len(data) {
			return 0
		}
		num := bo.Uint32(data[valOff : valOff+4])
		den := bo.Uint32(data[valOff+4 : valOff+8])
		if den == 0 {
			return 0
		}
		return int(num / den)
	}
	return 0
}

func detectJPEGDPI(data []byte) int {
	i := 2
	for i+4 < len(data) {
		if data[i] != 0xFF {
			break
		}
		marker := data[i+1]
		segLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if marker == 0xE0 && segLen >= 14 { // APP0 (JFIF)
			seg := data[i+4:]
			if len(seg) >= 10 && string(seg[0:5]) == "JFIF\x00" {
				xd := int(binary.BigEndian.Uint16(seg[8:10]))
				switch seg[7] {
				case 1: // dots per inch
					return xd
				case 2: // dots per cm
					return int(float64(xd) * 2.54)
				}
			}
		}
		i += 2 + segLen
	}
	return 0
}
