package render

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
)

// ChartOptions sizes the trend chart. Bars are drawn on a canvas Scale times
// larger than the output and downsampled for smooth edges.
type ChartOptions struct {
	Width  int
	Height int
	Scale  int
	Bar    color.NRGBA
	Last   color.NRGBA
}

func DefaultChartOptions() ChartOptions {
	return ChartOptions{
		Width:  480,
		Height: 160,
		Scale:  2,
		Bar:    color.NRGBA{R: 0x9a, G: 0xb8, B: 0xd8, A: 0xff},
		Last:   color.NRGBA{R: 0x1f, G: 0x5f, B: 0xa8, A: 0xff},
	}
}

// TrendChart draws one bar per value, highlighting the last one, and returns
// PNG bytes.
func TrendChart(values []float64, opts ChartOptions) ([]byte, error) {
	if len(values) == 0 {
		return nil, errors.New("no values to chart")
	}
	if opts.Scale < 1 {
		opts.Scale = 1
	}
	w, h := opts.Width*opts.Scale, opts.Height*opts.Scale
	canvas := imaging.New(w, h, color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff})

	peak := 0.0
	for _, v := range values {
		if v > peak {
			peak = v
		}
	}
	slot := w / len(values)
	gap := slot / 5
	for i, v := range values {
		if v <= 0 || peak == 0 {
			continue
		}
		barH := int(float64(h) * 0.9 * v / peak)
		if barH < 1 {
			barH = 1
		}
		fill := opts.Bar
		if i == len(values)-1 {
			fill = opts.Last
		}
		rect := image.Rect(i*slot+gap, h-barH, (i+1)*slot-gap, h)
		draw.Draw(canvas, rect, &image.Uniform{C: fill}, image.Point{}, draw.Src)
	}

	out := imaging.Resize(canvas, opts.Width, opts.Height, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
