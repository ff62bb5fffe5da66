package device

import (
	"bytes"
	"image"
	"image/png"

	_ "image/jpeg" // registered for decoding camera JPEG frames

	"github.com/signvia/signflow/model"
)

// Mirror flips a frame horizontally and re-encodes it as PNG. Front-camera
// previews are shown mirrored so the signer sees themselves the way a
// mirror would; the original frame is what gets uploaded.
func Mirror(frame Frame) (Frame, error) {
	src, _, err := image.Decode(bytes.NewReader(frame.Blob))
	if err != nil {
		return Frame{}, model.NewInternalError().WithCause(err)
	}

	bounds := src.Bounds()
	flipped := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			flipped.Set(bounds.Dx()-1-x, y, src.At(bounds.Min.X+x, bounds.Min.Y+y))
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, flipped); err != nil {
		return Frame{}, model.NewInternalError().WithCause(err)
	}
	return Frame{
		Blob:        buf.Bytes(),
		ContentType: "image/png",
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		CapturedAt:  frame.CapturedAt,
	}, nil
}
