package sane

import (
	"image"
	"image/color"

	"github.com/mzyy94/scanbridge/internal/scanerr"
)

// frameImage converts one raw single-pass frame into an image. 16-bit
// samples are big-endian, which is also the layout of image.Gray16 and
// image.RGBA64.
func frameImage(p Parameters, data []byte) (image.Image, error) {
	const op = "sane.frame"
	if p.BytesPerLine <= 0 || p.PixelsPerLine <= 0 {
		return nil, scanerr.Errorf(scanerr.KindProtocol, op, "invalid frame geometry %d px / %d bytes per line", p.PixelsPerLine, p.BytesPerLine)
	}
	lines := p.Lines
	if lines <= 0 || lines*p.BytesPerLine > len(data) {
		// Hand scanners and some feeders report -1; trust the data length.
		lines = len(data) / p.BytesPerLine
	}
	if lines == 0 {
		return nil, scanerr.Errorf(scanerr.KindProtocol, op, "empty frame (%d bytes)", len(data))
	}
	w, bpl := p.PixelsPerLine, p.BytesPerLine
	rect := image.Rect(0, 0, w, lines)

	need := func(bytesPerPixel int) error {
		if w*bytesPerPixel > bpl {
			return scanerr.Errorf(scanerr.KindProtocol, op, "%d pixels do not fit %d bytes per line", w, bpl)
		}
		return nil
	}

	switch p.Format {
	case FrameGray:
		switch p.Depth {
		case 1:
			if (w+7)/8 > bpl {
				return nil, scanerr.Errorf(scanerr.KindProtocol, op, "%d pixels do not fit %d bytes per line", w, bpl)
			}
			img := image.NewGray(rect)
			for y := range lines {
				row := data[y*bpl:]
				for x := range w {
					// A set bit is black.
					if row[x/8]&(0x80>>(x%8)) != 0 {
						img.Pix[y*img.Stride+x] = 0
					} else {
						img.Pix[y*img.Stride+x] = 0xff
					}
				}
			}
			return img, nil
		case 8:
			if err := need(1); err != nil {
				return nil, err
			}
			img := image.NewGray(rect)
			copyRows(img.Pix, img.Stride, data, bpl, lines)
			return img, nil
		case 16:
			if err := need(2); err != nil {
				return nil, err
			}
			img := image.NewGray16(rect)
			copyRows(img.Pix, img.Stride, data, bpl, lines)
			return img, nil
		}
	case FrameRGB:
		switch p.Depth {
		case 8:
			if err := need(3); err != nil {
				return nil, err
			}
			img := image.NewRGBA(rect)
			for y := range lines {
				row := data[y*bpl:]
				for x := range w {
					img.SetRGBA(x, y, color.RGBA{row[3*x], row[3*x+1], row[3*x+2], 0xff})
				}
			}
			return img, nil
		case 16:
			if err := need(6); err != nil {
				return nil, err
			}
			img := image.NewRGBA64(rect)
			for y := range lines {
				row := data[y*bpl:]
				dst := img.Pix[y*img.Stride:]
				for x := range w {
					copy(dst[8*x:8*x+6], row[6*x:6*x+6])
					dst[8*x+6], dst[8*x+7] = 0xff, 0xff
				}
			}
			return img, nil
		}
	case FrameRed, FrameGreen, FrameBlue:
		return nil, scanerr.Errorf(scanerr.KindProtocol, op, "three-pass frames are not supported")
	}
	return nil, scanerr.Errorf(scanerr.KindProtocol, op, "unsupported frame format %d depth %d", p.Format, p.Depth)
}

func copyRows(dst []byte, stride int, src []byte, bpl, lines int) {
	for y := range lines {
		copy(dst[y*stride:(y+1)*stride], src[y*bpl:])
	}
}
