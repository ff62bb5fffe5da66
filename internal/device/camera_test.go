package device

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/signvia/signflow/model"
)

func pngFrame(t *testing.T, w, h int, left, right color.Color) Frame {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.Set(x, y, left)
			} else {
				img.Set(x, y, right)
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return Frame{Blob: buf.Bytes(), ContentType: "image/png", Width: w, Height: h}
}

func testCamera(t *testing.T) *StaticCamera {
	t.Helper()
	frame := pngFrame(t, 4, 2, color.Black, color.White)
	return NewStaticCamera(map[Facing]Frame{
		FacingFront: frame,
		FacingBack:  frame,
	})
}

func TestAcquire_capturesAndReleases(t *testing.T) {
	cam := testCamera(t)

	acq, err := Acquire(context.Background(), cam, FacingFront)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if cam.OpenStreams() != 1 {
		t.Fatalf("OpenStreams = %d, want 1", cam.OpenStreams())
	}

	frame, err := acq.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if len(frame.Blob) == 0 || frame.CapturedAt.IsZero() {
		t.Errorf("Capture() frame = %+v, want blob and timestamp", frame)
	}

	acq.Release()
	if cam.OpenStreams() != 0 {
		t.Errorf("OpenStreams after Release = %d, want 0", cam.OpenStreams())
	}

	// Release is idempotent; the second call must not reach the device.
	acq.Release()
	if cam.OpenStreams() != 0 {
		t.Errorf("OpenStreams after double Release = %d, want 0", cam.OpenStreams())
	}

	if _, err := acq.Capture(context.Background()); model.CodeOf(err) != model.ErrDeviceUnavailable {
		t.Errorf("Capture after Release = %v, want DEVICE_UNAVAILABLE", err)
	}
}

func TestAcquire_openFailure(t *testing.T) {
	cam := testCamera(t)
	cam.SetFailing(true)

	_, err := Acquire(context.Background(), cam, FacingFront)
	if model.CodeOf(err) != model.ErrDeviceUnavailable {
		t.Fatalf("Acquire() = %v, want DEVICE_UNAVAILABLE", err)
	}
	if cam.OpenStreams() != 0 {
		t.Errorf("failed acquire left a stream open")
	}
}

func TestAcquire_nilCamera(t *testing.T) {
	_, err := Acquire(context.Background(), nil, FacingBack)
	if model.CodeOf(err) != model.ErrDeviceUnavailable {
		t.Errorf("Acquire(nil) = %v, want DEVICE_UNAVAILABLE", err)
	}
}

func TestMirror_flipsHorizontally(t *testing.T) {
	frame := pngFrame(t, 4, 2, color.NRGBA{R: 255, A: 255}, color.NRGBA{B: 255, A: 255})

	mirrored, err := Mirror(frame)
	if err != nil {
		t.Fatalf("Mirror() error = %v", err)
	}
	img, err := png.Decode(bytes.NewReader(mirrored.Blob))
	if err != nil {
		t.Fatalf("decode mirrored: %v", err)
	}
	// Red was on the left; after mirroring it is on the right.
	r, _, b, _ := img.At(0, 0).RGBA()
	if r > b {
		t.Error("left edge still red after mirroring")
	}
	r, _, b, _ = img.At(3, 0).RGBA()
	if r < b {
		t.Error("right edge not red after mirroring")
	}
}

func TestMirror_rejectsGarbage(t *testing.T) {
	_, err := Mirror(Frame{Blob: []byte("not an image")})
	if err == nil {
		t.Fatal("Mirror() accepted garbage input")
	}
}

func TestFacingFor(t *testing.T) {
	if got := FacingFor(model.CaptureSelfie); got != FacingFront {
		t.Errorf("FacingFor(selfie) = %q", got)
	}
	if got := FacingFor(model.CaptureIDFront); got != FacingBack {
		t.Errorf("FacingFor(idFront) = %q", got)
	}
	if got := FacingFor(model.CaptureIDBack); got != FacingBack {
		t.Errorf("FacingFor(idBack) = %q", got)
	}
}

func TestImageDirCamera(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"01_selfie.png", "02_front.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), pngFrame(t, 2, 2, color.Black, color.White).Blob, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0o600); err != nil {
		t.Fatal(err)
	}

	cam, err := NewImageDirCamera(dir)
	if err != nil {
		t.Fatalf("NewImageDirCamera() error = %v", err)
	}

	stream, err := cam.Open(context.Background(), FacingFront)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for i := 0; i < 3; i++ { // wraps around after two files
		frame, err := stream.Capture(context.Background())
		if err != nil {
			t.Fatalf("Capture(%d) error = %v", i, err)
		}
		if frame.ContentType != "image/png" {
			t.Errorf("ContentType = %q", frame.ContentType)
		}
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if cam.OpenStreams() != 0 {
		t.Errorf("OpenStreams = %d, want 0", cam.OpenStreams())
	}
}

func TestImageDirCamera_emptyDir(t *testing.T) {
	if _, err := NewImageDirCamera(t.TempDir()); err == nil {
		t.Fatal("NewImageDirCamera() accepted an empty directory")
	}
}
