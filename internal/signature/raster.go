package signature

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"math"

	"golang.org/x/image/vector"

	"github.com/signvia/signflow/model"
)

// Render rasterizes the pad onto a transparent canvas of width*dpr by
// height*dpr pixels. Every segment is filled as a thick quad with a round
// cap disc at each sample, which keeps joints smooth without a full stroke
// tessellator.
func (p *Pad) Render() *image.NRGBA {
	w := int(math.Ceil(float64(p.width) * p.dpr))
	h := int(math.Ceil(float64(p.height) * p.dpr))
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))

	r := vector.NewRasterizer(w, h)
	half := p.lineWidth * p.dpr / 2

	strokes := p.strokes
	if p.inProgress && len(p.active) > 0 {
		strokes = append(append([]Stroke(nil), strokes...), p.active)
	}
	for _, stroke := range strokes {
		for i, pt := range stroke {
			addDisc(r, pt.X*p.dpr, pt.Y*p.dpr, half)
			if i > 0 {
				prev := stroke[i-1]
				addSegment(r, prev.X*p.dpr, prev.Y*p.dpr, pt.X*p.dpr, pt.Y*p.dpr, half)
			}
		}
	}

	r.Draw(dst, dst.Bounds(), image.NewUniform(color.NRGBA{A: 255}), image.Point{})
	return dst
}

// addSegment fills the quad spanning a thick line from (x0,y0) to (x1,y1).
func addSegment(r *vector.Rasterizer, x0, y0, x1, y1, half float64) {
	dx, dy := x1-x0, y1-y0
	length := math.Hypot(dx, dy)
	if length == 0 {
		return
	}
	// Unit normal, scaled to half the stroke width.
	nx := -dy / length * half
	ny := dx / length * half

	r.MoveTo(float32(x0+nx), float32(y0+ny))
	r.LineTo(float32(x1+nx), float32(y1+ny))
	r.LineTo(float32(x1-nx), float32(y1-ny))
	r.LineTo(float32(x0-nx), float32(y0-ny))
	r.ClosePath()
}

// addDisc approximates a filled circle with a 16-gon. Good enough at
// signature stroke widths.
func addDisc(r *vector.Rasterizer, cx, cy, radius float64) {
	const sides = 16
	r.MoveTo(float32(cx+radius), float32(cy))
	for i := 1; i < sides; i++ {
		theta := 2 * math.Pi * float64(i) / sides
		r.LineTo(float32(cx+radius*math.Cos(theta)), float32(cy+radius*math.Sin(theta)))
	}
	r.ClosePath()
}

// dataURL PNG-encodes the rendered pad into a data URL.
func (p *Pad) dataURL() (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, p.Render()); err != nil {
		return "", model.NewInternalError().WithCause(err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
