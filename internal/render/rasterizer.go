package render

import (
	"image"
	"image/color"
)

// Rasterizer turns one document page into pixels at the requested size.
// The surface owns page lookup and scaling; a rasterizer only paints.
type Rasterizer interface {
	Rasterize(page int, width, height int) (image.Image, error)
}

// BlankRasterizer paints a white page with a one-pixel border. It is the
// default: the engine's job is geometry and lifecycle, and hosts that can
// paint real page content plug their own rasterizer in.
type BlankRasterizer struct{}

// Rasterize paints the page.
func (BlankRasterizer) Rasterize(page, width, height int) (image.Image, error) {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	white := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	border := color.NRGBA{R: 208, G: 208, B: 208, A: 255}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x == 0 || y == 0 || x == width-1 || y == height-1 {
				img.SetNRGBA(x, y, border)
			} else {
				img.SetNRGBA(x, y, white)
			}
		}
	}
	return img, nil
}
