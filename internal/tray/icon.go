package tray

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
)

const iconSize = 32

var iconData = renderIcon(iconSize)

// renderIcon draws a card outline with a chip, as PNG.
func renderIcon(size int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	ink := color.NRGBA{R: 0x1e, G: 0x1e, B: 0x1e, A: 0xff}
	chip := color.NRGBA{R: 0xd4, G: 0xa0, B: 0x17, A: 0xff}

	top, bottom := size/5, size-size/5
	left, right := 1, size-2
	for x := left; x <= right; x++ {
		img.SetNRGBA(x, top, ink)
		img.SetNRGBA(x, bottom, ink)
	}
	for y := top; y <= bottom; y++ {
		img.SetNRGBA(left, y, ink)
		img.SetNRGBA(right, y, ink)
	}

	cw := size / 4
	cx, cy := size/5, size/2-cw/2
	for y := cy; y < cy+cw; y++ {
		for x := cx; x < cx+cw; x++ {
			img.SetNRGBA(x, y, chip)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}
