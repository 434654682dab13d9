package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/mzyy94/scanbridge/internal/capability"
)

func testImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for y := range 8 {
		for x := range 16 {
			if x < 8 {
				img.Set(x, y, color.Black)
			} else {
				img.Set(x, y, color.White)
			}
		}
	}
	return img
}

func TestEncode_Formats(t *testing.T) {
	tests := []struct {
		format capability.Format
		kind   string
	}{
		{capability.FormatJPEG, "jpeg"},
		{capability.FormatPNG, "png"},
		{capability.FormatTIFF, "tiff"},
		{capability.FormatBMP, "bmp"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			data, err := Encode(testImage(), Options{Format: tt.format, DPI: 300})
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			cfg, kind, err := image.DecodeConfig(bytes.NewReader(data))
			if err != nil {
				t.Fatalf("DecodeConfig: %v", err)
			}
			if kind != tt.kind {
				t.Errorf("kind = %q, want %q", kind, tt.kind)
			}
			if cfg.Width != 16 || cfg.Height != 8 {
				t.Errorf("size = %dx%d, want 16x8", cfg.Width, cfg.Height)
			}
		})
	}
}

func TestEncode_PDF(t *testing.T) {
	data, err := Encode(testImage(), Options{Format: capability.FormatPDF, DPI: 150})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		t.Errorf("output does not start with a PDF header: %q", data[:8])
	}
}

func TestEncode_BitonalJPEG(t *testing.T) {
	data, err := Encode(testImage(), Options{Format: capability.FormatJPEG, Bitonal: true})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
		t.Errorf("decode: %v", err)
	}
}

func TestEncode_Unsupported(t *testing.T) {
	if _, err := Encode(testImage(), Options{}); err == nil {
		t.Error("Encode with unset format should fail")
	}
}

func TestToBitonal(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 4, 1))
	gray.Pix = []byte{0, 100, 200, 255}
	p := ToBitonal(gray)
	want := []uint8{1, 1, 0, 0}
	for i, w := range want {
		if p.Pix[i] != w {
			t.Errorf("pixel %d = %d, want %d", i, p.Pix[i], w)
		}
	}
}

func TestTranscode(t *testing.T) {
	png, err := Encode(testImage(), Options{Format: capability.FormatPNG})
	if err != nil {
		t.Fatal(err)
	}

	same, err := Transcode(png, Options{Format: capability.FormatPNG})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(same, png) {
		t.Error("Transcode to the same format should return the input")
	}

	tiff, err := Transcode(png, Options{Format: capability.FormatTIFF})
	if err != nil {
		t.Fatal(err)
	}
	if _, kind, _ := image.DecodeConfig(bytes.NewReader(tiff)); kind != "tiff" {
		t.Errorf("kind = %q, want tiff", kind)
	}
}

func TestDetectDPI_JFIF(t *testing.T) {
	// SOI, APP0 JFIF with 200x200 dots per inch.
	data := []byte{
		0xFF, 0xD8,
		0xFF, 0xE0, 0x00, 0x10,
		'J', 'F', 'I', 'F', 0x00,
		0x01, 0x01, // version
		0x01,       // units: dpi
		0x00, 0xC8, // x density
		0x00, 0xC8, // y density
		0x00, 0x00,
	}
	if got := DetectDPI(data); got != 200 {
		t.Errorf("DetectDPI = %d, want 200", got)
	}
	if got := DetectDPI([]byte("not an image")); got != 0 {
		t.Errorf("DetectDPI(garbage) = %d, want 0", got)
	}
}

func TestPDFFromPages_Empty(t *testing.T) {
	if _, err := PDFFromPages(nil, 300); err == nil {
		t.Error("PDFFromPages(nil) should fail")
	}
}
