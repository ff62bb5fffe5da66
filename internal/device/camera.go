// Package device models the camera as a scarce, explicitly scoped resource.
// A stream is opened through Acquire and carried in an Acquisition handle
// whose Release is idempotent, so every exit path of a capture step — done,
// retake, error, teardown — can release unconditionally without double-free
// concerns.
package device

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/signvia/signflow/internal/observability"
	"github.com/signvia/signflow/model"
)

// Facing selects which camera to open.
type Facing string

const (
	// FacingFront is the user-facing camera, used for selfies and liveness.
	FacingFront Facing = "user"
	// FacingBack is the environment-facing camera, used for document sides.
	FacingBack Facing = "environment"
)

// Frame is one captured still.
type Frame struct {
	Blob        []byte
	ContentType string
	Width       int
	Height      int
	CapturedAt  time.Time
}

// Stream is an open camera stream. Close releases the underlying device.
type Stream interface {
	Capture(ctx context.Context) (Frame, error)
	Close() error
}

// Camera opens streams. Opening can fail when permission is denied or the
// hardware is missing; both surface as DEVICE_UNAVAILABLE.
type Camera interface {
	Open(ctx context.Context, facing Facing) (Stream, error)
}

// Acquisition is a held camera stream. It is the only way executor code
// touches a stream, and it must be released on every exit path.
type Acquisition struct {
	facing  Facing
	stream  Stream
	logger  *zap.Logger
	metrics *observability.Metrics

	once     sync.Once
	released bool
	mu       sync.Mutex
}

// AcquireOption configures an acquisition.
type AcquireOption func(*Acquisition)

// WithLogger sets the acquisition's logger.
func WithLogger(logger *zap.Logger) AcquireOption {
	return func(a *Acquisition) { a.logger = logger }
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *observability.Metrics) AcquireOption {
	return func(a *Acquisition) { a.metrics = m }
}

// Acquire opens a stream on the given camera. Failure to open is always
// DEVICE_UNAVAILABLE; the caller renders the recovery message and offers a
// user-initiated retry, never an automatic one.
func Acquire(ctx context.Context, cam Camera, facing Facing, opts ...AcquireOption) (*Acquisition, error) {
	a := &Acquisition{facing: facing, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	if cam == nil {
		return nil, model.NewDeviceUnavailableError("no camera available")
	}
	stream, err := cam.Open(ctx, facing)
	if err != nil {
		a.logger.Warn("device: camera open failed",
			zap.String("facing", string(facing)), zap.Error(err))
		return nil, model.NewDeviceUnavailableError("camera could not be opened").WithCause(err)
	}
	a.stream = stream
	if a.metrics != nil {
		a.metrics.CameraAcquisitions.Inc()
	}
	return a, nil
}

// Facing returns which camera this acquisition holds.
func (a *Acquisition) Facing() Facing { return a.facing }

// Capture takes one still from the held stream.
func (a *Acquisition) Capture(ctx context.Context) (Frame, error) {
	a.mu.Lock()
	released := a.released
	a.mu.Unlock()
	if released {
		return Frame{}, model.NewDeviceUnavailableError("camera stream already released")
	}
	frame, err := a.stream.Capture(ctx)
	if err != nil {
		return Frame{}, model.NewDeviceUnavailableError("capture failed").WithCause(err)
	}
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = time.Now().UTC()
	}
	return frame, nil
}

// Release closes the stream. Safe to call any number of times; only the
// first call reaches the device.
func (a *Acquisition) Release() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.mu.Lock()
		a.released = true
		a.mu.Unlock()
		if err := a.stream.Close(); err != nil {
			a.logger.Warn("device: camera release failed", zap.Error(err))
			if a.metrics != nil {
				a.metrics.CameraReleaseFailures.Inc()
			}
		}
	})
}

// FacingFor returns which camera a capture requirement needs: the selfie
// comes from the front camera, document sides from the back.
func FacingFor(req model.CaptureRequirement) Facing {
	if req == model.CaptureSelfie {
		return FacingFront
	}
	return FacingBack
}
