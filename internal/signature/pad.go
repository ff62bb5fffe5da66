// Package signature implements the capture pad: pointer strokes accumulated
// in pad coordinates and rasterized at the device pixel ratio, so the
// exported image is as crisp as the screen the signer drew on.
package signature

import (
	"github.com/signvia/signflow/model"
)

// Point is one pointer sample in CSS-pixel pad coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is one continuous pointer-down to pointer-up trace.
type Stroke []Point

// Pad accumulates signature strokes over a fixed-size drawing surface.
// It is not safe for concurrent use; a pad belongs to one capture dialog.
type Pad struct {
	width      int
	height     int
	dpr        float64
	lineWidth  float64
	strokes    []Stroke
	active     Stroke
	inProgress bool
}

// Config sizes a pad.
type Config struct {
	Width            int
	Height           int
	DevicePixelRatio float64
	LineWidth        float64
}

// NewPad creates an empty pad. Zero config fields fall back to sane values.
func NewPad(cfg Config) *Pad {
	if cfg.Width <= 0 {
		cfg.Width = 480
	}
	if cfg.Height <= 0 {
		cfg.Height = 200
	}
	if cfg.DevicePixelRatio <= 0 {
		cfg.DevicePixelRatio = 1
	}
	if cfg.LineWidth <= 0 {
		cfg.LineWidth = 2.5
	}
	return &Pad{
		width:     cfg.Width,
		height:    cfg.Height,
		dpr:       cfg.DevicePixelRatio,
		lineWidth: cfg.LineWidth,
	}
}

// Begin starts a stroke at the given pad coordinates.
func (p *Pad) Begin(x, y float64) {
	if p.inProgress {
		p.End()
	}
	p.active = Stroke{p.clamp(x, y)}
	p.inProgress = true
}

// Extend continues the in-progress stroke. Samples outside the pad are
// clamped to its edge, matching what a pointer-capture surface reports.
func (p *Pad) Extend(x, y float64) {
	if !p.inProgress {
		return
	}
	p.active = append(p.active, p.clamp(x, y))
}

// End finishes the in-progress stroke. Single-point strokes are kept: a tap
// renders as a dot.
func (p *Pad) End() {
	if !p.inProgress {
		return
	}
	p.strokes = append(p.strokes, p.active)
	p.active = nil
	p.inProgress = false
}

// Clear discards all strokes.
func (p *Pad) Clear() {
	p.strokes = nil
	p.active = nil
	p.inProgress = false
}

// IsEmpty reports whether nothing has been drawn.
func (p *Pad) IsEmpty() bool {
	return len(p.strokes) == 0 && !p.inProgress
}

// Strokes returns a copy of the finished strokes.
func (p *Pad) Strokes() []Stroke {
	out := make([]Stroke, len(p.strokes))
	for i, s := range p.strokes {
		out[i] = append(Stroke(nil), s...)
	}
	return out
}

// Undo removes the most recent finished stroke.
func (p *Pad) Undo() {
	if len(p.strokes) > 0 {
		p.strokes = p.strokes[:len(p.strokes)-1]
	}
}

func (p *Pad) clamp(x, y float64) Point {
	if x < 0 {
		x = 0
	}
	if x > float64(p.width) {
		x = float64(p.width)
	}
	if y < 0 {
		y = 0
	}
	if y > float64(p.height) {
		y = float64(p.height)
	}
	return Point{X: x, Y: y}
}

// Value exports the pad as the data URL stored in a signature field. An
// empty pad yields an error so a blank signature can never be submitted.
func (p *Pad) Value() (string, error) {
	if p.IsEmpty() {
		return "", model.NewBadRequestError("signature pad is empty")
	}
	return p.dataURL()
}
