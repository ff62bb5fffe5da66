// Package biometric runs the capture-and-verify challenge: a selfie and the
// two document sides, each photographed in its own sub-step, pushed to
// presigned upload slots, then scored by the backend. Uploads never discard
// captures on failure; a verification rejection discards everything and the
// sub-steps start over.
package biometric

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signvia/signflow/internal/device"
	"github.com/signvia/signflow/internal/flowapi"
	"github.com/signvia/signflow/internal/observability"
	"github.com/signvia/signflow/internal/session"
	"github.com/signvia/signflow/model"
)

// Phase is the executor's UI-facing phase. During PhaseCapture the current
// capture requirement identifies the sub-step.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseCapture   Phase = "capture"
	PhaseUploading Phase = "uploading"
	PhaseVerifying Phase = "verifying"
	PhaseSuccess   Phase = "success"
	PhaseError     Phase = "error"
)

// API is the slice of the backend client this executor uses.
type API interface {
	StartBiometric(ctx context.Context, req flowapi.BiometricStartRequest) (flowapi.BiometricStartResponse, error)
	VerifyBiometric(ctx context.Context) (flowapi.BiometricVerifyResponse, error)
	Upload(ctx context.Context, requirement model.CaptureRequirement, slot flowapi.PresignedUpload, contentType string, blob []byte) error
}

// Executor drives one biometric challenge.
type Executor struct {
	api         API
	store       *session.Store
	camera      device.Camera
	require     []model.CaptureRequirement
	contentType string
	logger      *zap.Logger
	metrics     *observability.Metrics

	mu         sync.Mutex
	phase      Phase
	idx        int
	captures   map[model.CaptureRequirement]model.BiometricCapture
	slots      map[model.CaptureRequirement]flowapi.PresignedUpload
	uploaded   map[model.CaptureRequirement]bool
	acq        *device.Acquisition
	lastErr    error
	similarity float64
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithRequirements overrides the capture order. Defaults to selfie, idFront,
// idBack.
func WithRequirements(reqs []model.CaptureRequirement) Option {
	return func(e *Executor) { e.require = reqs }
}

// NewExecutor creates an executor over the given camera.
func NewExecutor(api API, store *session.Store, camera device.Camera, contentType string, opts ...Option) *Executor {
	e := &Executor{
		api:         api,
		store:       store,
		camera:      camera,
		require:     model.DefaultCaptureOrder,
		contentType: contentType,
		logger:      zap.NewNop(),
		phase:       PhaseIdle,
		captures:    make(map[model.CaptureRequirement]model.BiometricCapture),
		uploaded:    make(map[model.CaptureRequirement]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Phase returns the current phase.
func (e *Executor) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Err returns the error behind PhaseError, nil otherwise.
func (e *Executor) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Similarity returns the score from the last verification attempt.
func (e *Executor) Similarity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.similarity
}

// Current returns the requirement the next capture is for, and false once
// every requirement has a capture.
func (e *Executor) Current() (model.CaptureRequirement, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.idx >= len(e.require) {
		return "", false
	}
	return e.require[e.idx], true
}

// Captures returns the captures taken so far, keyed by requirement.
func (e *Executor) Captures() map[model.CaptureRequirement]model.BiometricCapture {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[model.CaptureRequirement]model.BiometricCapture, len(e.captures))
	for k, v := range e.captures {
		out[k] = v
	}
	return out
}

// Start opens the challenge on the backend, obtaining one upload slot per
// requirement, and enters the first capture sub-step.
func (e *Executor) Start(ctx context.Context) error {
	contentTypes := make(map[model.CaptureRequirement]string, len(e.require))
	for _, r := range e.require {
		contentTypes[r] = e.contentType
	}
	resp, err := e.api.StartBiometric(ctx, flowapi.BiometricStartRequest{
		Require:      e.require,
		ContentTypes: contentTypes,
	})
	if err != nil {
		e.fail(err)
		return err
	}

	e.mu.Lock()
	e.phase = PhaseCapture
	e.idx = 0
	e.slots = resp.Uploads
	e.captures = make(map[model.CaptureRequirement]model.BiometricCapture)
	e.uploaded = make(map[model.CaptureRequirement]bool)
	e.lastErr = nil
	e.mu.Unlock()
	return nil
}

// Capture acquires the camera for the current requirement, takes one frame,
// and releases the camera before advancing. The selfie's preview is
// mirrored; the uploaded frame never is.
func (e *Executor) Capture(ctx context.Context) error {
	e.mu.Lock()
	if e.phase != PhaseCapture || e.idx >= len(e.require) {
		e.mu.Unlock()
		return model.NewBadRequestError("no capture sub-step is active")
	}
	req := e.require[e.idx]
	e.mu.Unlock()

	acq, err := device.Acquire(ctx, e.camera, device.FacingFor(req),
		device.WithLogger(e.logger), device.WithMetrics(e.metrics))
	if err != nil {
		e.fail(err)
		return err
	}
	defer acq.Release()

	e.mu.Lock()
	e.acq = acq
	e.mu.Unlock()

	frame, err := acq.Capture(ctx)
	if err != nil {
		e.fail(err)
		return err
	}

	preview := frame
	if req == model.CaptureSelfie {
		if mirrored, merr := device.Mirror(frame); merr == nil {
			preview = mirrored
		} else {
			e.logger.Warn("biometric: selfie mirror failed, previewing raw frame", zap.Error(merr))
		}
	}

	capture := model.BiometricCapture{
		CaptureID:   uuid.New().String(),
		Requirement: req,
		Blob:        frame.Blob,
		ContentType: frame.ContentType,
		PreviewURL:  dataURL(preview.ContentType, preview.Blob),
		CapturedAt:  time.Now().UTC(),
	}

	e.mu.Lock()
	e.captures[req] = capture
	e.acq = nil
	e.idx++
	e.mu.Unlock()

	e.logger.Info("biometric: captured",
		zap.String("requirement", string(req)),
		zap.Int("bytes", len(frame.Blob)),
	)
	return nil
}

// Retake discards one requirement's capture and returns the sub-step
// pointer to it. Later captures stay; only the retaken one is redone.
func (e *Executor) Retake(req model.CaptureRequirement) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseCapture && e.phase != PhaseError {
		return model.NewBadRequestError("retake is only available during capture")
	}
	pos := -1
	for i, r := range e.require {
		if r == req {
			pos = i
			break
		}
	}
	if pos == -1 {
		return model.NewBadRequestError(fmt.Sprintf("unknown capture requirement %q", req))
	}
	delete(e.captures, req)
	delete(e.uploaded, req)
	if pos < e.idx {
		e.idx = pos
	}
	e.phase = PhaseCapture
	e.lastErr = nil
	return nil
}

// Ready reports whether every requirement has a capture.
func (e *Executor) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.captures) == len(e.require)
}

// Submit uploads all captures to their presigned slots, then asks the
// backend to verify. An upload failure aborts the batch but keeps every
// capture, so a retry re-uploads without recapturing. A rejection keeps the
// error and similarity; RetryAfterRejection starts the captures over.
func (e *Executor) Submit(ctx context.Context) (flowapi.BiometricVerifyResponse, error) {
	e.mu.Lock()
	if len(e.captures) != len(e.require) {
		e.mu.Unlock()
		return flowapi.BiometricVerifyResponse{}, model.NewBadRequestError("not all captures are taken")
	}
	e.phase = PhaseUploading
	e.lastErr = nil
	e.mu.Unlock()

	for _, req := range e.require {
		e.mu.Lock()
		capture := e.captures[req]
		slot := e.slots[req]
		done := e.uploaded[req]
		e.mu.Unlock()
		if done {
			continue
		}
		if err := e.api.Upload(ctx, req, slot, capture.ContentType, capture.Blob); err != nil {
			e.mu.Lock()
			e.phase = PhaseError
			e.lastErr = err
			e.mu.Unlock()
			e.logger.Warn("biometric: upload failed, captures kept",
				zap.String("requirement", string(req)))
			return flowapi.BiometricVerifyResponse{}, err
		}
		e.mu.Lock()
		e.uploaded[req] = true
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.phase = PhaseVerifying
	e.mu.Unlock()

	resp, err := e.api.VerifyBiometric(ctx)
	if err != nil {
		e.fail(err)
		return flowapi.BiometricVerifyResponse{}, err
	}

	e.mu.Lock()
	e.similarity = resp.Similarity
	e.mu.Unlock()

	if !resp.Approved {
		rejErr := model.NewVerificationRejectedError(resp.Similarity)
		e.fail(rejErr)
		return resp, rejErr
	}

	if err := e.store.Patch(func(sess *model.FlowSession) {
		sess.ApplyVerification(model.ChallengeBiometric, resp.NextStep)
		if resp.Status != "" {
			sess.Status = resp.Status
		}
	}); err != nil {
		e.fail(err)
		return resp, err
	}

	e.mu.Lock()
	e.phase = PhaseSuccess
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ChallengeCompletionsTotal.WithLabelValues(string(model.ChallengeBiometric)).Inc()
	}
	e.logger.Info("biometric: challenge verified", zap.Float64("similarity", resp.Similarity))
	return resp, nil
}

// RetryAfterRejection discards all captures and re-opens the challenge from
// the first sub-step. Fresh upload slots are requested since the old ones
// hold the rejected images.
func (e *Executor) RetryAfterRejection(ctx context.Context) error {
	e.mu.Lock()
	if model.CodeOf(e.lastErr) != model.ErrVerificationRejected {
		e.mu.Unlock()
		return model.NewBadRequestError("no rejected verification to retry")
	}
	e.mu.Unlock()
	return e.Start(ctx)
}

// Teardown releases any held camera stream. Safe on every exit path.
func (e *Executor) Teardown() {
	e.mu.Lock()
	acq := e.acq
	e.acq = nil
	e.mu.Unlock()
	acq.Release()
}

func (e *Executor) fail(err error) {
	e.mu.Lock()
	e.phase = PhaseError
	e.lastErr = err
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ChallengeFailuresTotal.WithLabelValues(string(model.ChallengeBiometric), model.CodeOf(err)).Inc()
	}
	e.logger.Warn("biometric: challenge failed", zap.String("code", model.CodeOf(err)))
}

func dataURL(contentType string, blob []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(blob)
}
