package twain

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/bmp"
)

// Native transfers deliver a packed DIB: BITMAPINFOHEADER, optional palette,
// pixel rows padded to 4 bytes, bottom-up unless the height is negative.
//
//	biSize          uint32 @0
//	biWidth         int32  @4
//	biHeight        int32  @8
//	biPlanes        uint16 @12
//	biBitCount      uint16 @14
//	biCompression   uint32 @16
//	biSizeImage     uint32 @20
//	biXPelsPerMeter int32  @24
//	biYPelsPerMeter int32  @28
//	biClrUsed       uint32 @32
//	biClrImportant  uint32 @36
const (
	infoHeaderSize = 40
	fileHeaderSize = 14
)

type dibHeader struct {
	size        int
	width       int
	height      int // negative = top-down
	bitCount    int
	compression uint32
	colors      int
}

func parseDIBHeader(dib []byte) (dibHeader, error) {
	if err := checkLen("DIB header", dib, infoHeaderSize); err != nil {
		return dibHeader{}, err
	}
	h := dibHeader{
		size:        int(le.Uint32(dib[0:])),
		width:       int(int32(le.Uint32(dib[4:]))),
		height:      int(int32(le.Uint32(dib[8:]))),
		bitCount:    int(le.Uint16(dib[14:])),
		compression: le.Uint32(dib[16:]),
		colors:      int(le.Uint32(dib[32:])),
	}
	if h.size < infoHeaderSize || h.size > len(dib) {
		return h, fmt.Errorf("DIB header size %d", h.size)
	}
	if h.width <= 0 || h.height == 0 {
		return h, fmt.Errorf("DIB geometry %dx%d", h.width, h.height)
	}
	if h.colors == 0 && h.bitCount <= 8 {
		h.colors = 1 << h.bitCount
	}
	if h.bitCount > 8 {
		h.colors = 0
	}
	return h, nil
}

// dibImage decodes a native transfer. 1-bit images are expanded here; other
// depths go through the BMP decoder with a file header prepended.
func dibImage(dib []byte) (image.Image, error) {
	h, err := parseDIBHeader(dib)
	if err != nil {
		return nil, err
	}
	if h.bitCount == 1 {
		return bitonalImage(h, dib)
	}

	paletteSize := h.colors * 4
	if h.compression == 3 && h.size == infoHeaderSize {
		paletteSize += 12 // BI_BITFIELDS masks
	}
	offset := fileHeaderSize + h.size + paletteSize
	file := make([]byte, fileHeaderSize, fileHeaderSize+len(dib))
	file[0], file[1] = 'B', 'M'
	le.PutUint32(file[2:], uint32(fileHeaderSize+len(dib)))
	le.PutUint32(file[10:], uint32(offset))
	file = append(file, dib...)

	img, err := bmp.Decode(bytes.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("decode DIB (%d bpp): %w", h.bitCount, err)
	}
	return img, nil
}

func bitonalImage(h dibHeader, dib []byte) (image.Image, error) {
	if h.compression != 0 {
		return nil, fmt.Errorf("compressed 1-bit DIB (%d)", h.compression)
	}
	if h.colors > 2 {
		h.colors = 2
	}
	paletteAt := h.size
	pixelsAt := paletteAt + h.colors*4
	height := h.height
	topDown := height < 0
	if topDown {
		height = -height
	}
	stride := ((h.width + 31) / 32) * 4
	if err := checkLen("DIB pixels", dib, pixelsAt+stride*height); err != nil {
		return nil, err
	}

	palette := color.Palette{color.Black, color.White}
	for i := range h.colors {
		q := dib[paletteAt+i*4:]
		palette[i] = color.RGBA{R: q[2], G: q[1], B: q[0], A: 0xff}
	}
	img := image.NewPaletted(image.Rect(0, 0, h.width, height), palette)
	for y := range height {
		src := y
		if !topDown {
			src = height - 1 - y
		}
		row := dib[pixelsAt+src*stride:]
		for x := range h.width {
			if row[x/8]&(0x80>>(x%8)) != 0 {
				img.Pix[y*img.Stride+x] = 1
			}
		}
	}
	return img, nil
}
