package httpserver

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"io"

	// decoders
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var errEmptyImage = errors.New("empty image")

// makeThumb decodes an image and scales it to fit a max x max box, keeping
// the aspect ratio. Images already smaller are re-encoded at their size.
func makeThumb(r io.Reader, max int) ([]byte, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, errEmptyImage
	}
	if max <= 0 {
		max = thumbSize
	}

	nw, nh := fitBox(w, h, max)
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func fitBox(w, h, max int) (int, int) {
	nw, nh := w, h
	switch {
	case w >= h && w > max:
		nw, nh = max, h*max/w
	case h > w && h > max:
		nw, nh = w*max/h, max
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}
