// Package imaging turns captured rasters into the output format a caller
// requested.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/mzyy94/scanbridge/internal/capability"
)

// DefaultJPEGQuality is used when Options.Quality is zero.
const DefaultJPEGQuality = 85

// Options controls encoding.
type Options struct {
	Format  capability.Format
	DPI     int
	Bitonal bool // reduce to a 1-bit black/white palette
	Quality int  // JPEG quality 1..100, 0 = DefaultJPEGQuality
}

// Encode encodes img in the requested format.
func Encode(img image.Image, opts Options) ([]byte, error) {
	if opts.Bitonal {
		img = ToBitonal(img)
	}
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	var buf bytes.Buffer
	switch opts.Format {
	case capability.FormatJPEG:
		if p, ok := img.(*image.Paletted); ok {
			img = palettedToGray(p)
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case capability.FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case capability.FormatTIFF:
		if err := tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
			return nil, fmt.Errorf("encode tiff: %w", err)
		}
	case capability.FormatBMP:
		if err := bmp.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode bmp: %w", err)
		}
	case capability.FormatPDF:
		inner := capability.FormatJPEG
		if opts.Bitonal {
			inner = capability.FormatPNG
		}
		page, err := Encode(img, Options{Format: inner, DPI: opts.DPI, Quality: quality})
		if err != nil {
			return nil, err
		}
		return PDFFromPages([][]byte{page}, opts.DPI)
	default:
		return nil, fmt.Errorf("unsupported output format %v", opts.Format)
	}
	return buf.Bytes(), nil
}

// Transcode decodes an encoded image (JPEG, PNG, TIFF, BMP) and re-encodes it.
// Data already in the requested format is returned unchanged.
func Transcode(data []byte, opts Options) ([]byte, error) {
	img, kind, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if f, ok := formatOfKind(kind); ok && f == opts.Format && !opts.Bitonal {
		return data, nil
	}
	return Encode(img, opts)
}

func formatOfKind(kind string) (capability.Format, bool) {
	switch kind {
	case "jpeg":
		return capability.FormatJPEG, true
	case "png":
		return capability.FormatPNG, true
	case "tiff":
		return capability.FormatTIFF, true
	case "bmp":
		return capability.FormatBMP, true
	}
	return capability.FormatUnset, false
}

// ToBitonal converts an image to a 1-bit paletted image (black & white).
func ToBitonal(img image.Image) *image.Paletted {
	bounds := img.Bounds()
	palette := color.Palette{color.White, color.Black}
	dst := image.NewPaletted(bounds, palette)

	if gray, ok := img.(*image.Gray); ok {
		w := bounds.Dx()
		for y := range bounds.Dy() {
			srcRow := gray.Pix[y*gray.Stride : y*gray.Stride+w]
			dstRow := dst.Pix[y*dst.Stride : y*dst.Stride+w]
			for x, v := range srcRow {
				if v < 128 {
					dstRow[x] = 1 // black
				}
			}
		}
		return dst
	}

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			if r < 0x8000 {
				dst.SetColorIndex(x, y, 1)
			}
		}
	}
	return dst
}

func palettedToGray(p *image.Paletted) *image.Gray {
	g := image.NewGray(p.Bounds())
	for y := p.Rect.Min.Y; y < p.Rect.Max.Y; y++ {
		for x := p.Rect.Min.X; x < p.Rect.Max.X; x++ {
			g.Set(x, y, p.At(x, y))
		}
	}
	return g
}
