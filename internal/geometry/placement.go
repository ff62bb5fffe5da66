// Package geometry holds the pure coordinate math shared by every render
// path. Placements are stored in PDF-page units at scale 1; anything shown on
// screen is derived from the ratio between a page's base size and its
// currently rendered size, never from the rendered size alone.
package geometry

import "github.com/signvia/signflow/model"

// Size is a rendered page extent in pixels.
type Size struct {
	Width  float64
	Height float64
}

// ScalePlacement maps a placement expressed in base-size units onto the
// rendered frame. Both the initial render path and the resize path must go
// through this function so the mapping cannot drift between them.
func ScalePlacement(p model.Placement, base model.PageBaseSize, rendered Size) model.Placement {
	if base.Width <= 0 || base.Height <= 0 {
		return p
	}
	sx := rendered.Width / base.Width
	sy := rendered.Height / base.Height
	return model.Placement{
		Page:   p.Page,
		X:      p.X * sx,
		Y:      p.Y * sy,
		Width:  p.Width * sx,
		Height: p.Height * sy,
	}
}

// FitScale returns the scale that fits a page of baseWidth into the available
// viewport width, clamped to [minScale, maxScale].
func FitScale(viewportWidth, baseWidth, minScale, maxScale float64) float64 {
	if baseWidth <= 0 {
		return minScale
	}
	scale := viewportWidth / baseWidth
	if scale < minScale {
		return minScale
	}
	if scale > maxScale {
		return maxScale
	}
	return scale
}
