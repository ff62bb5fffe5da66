// Package liveness runs the guided liveness sequence: open a backend
// session, hold the front camera, and walk a fixed list of timed
// instructions. No frames are analyzed client-side; finishing the sequence
// is the completion signal, and the session id ties the attempt to the
// backend's records.
package liveness

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/signvia/signflow/internal/device"
	"github.com/signvia/signflow/internal/observability"
	"github.com/signvia/signflow/internal/session"
	"github.com/signvia/signflow/model"
)

// Phase is the executor's UI-facing phase.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseInstructing Phase = "instructing"
	PhaseSuccess     Phase = "success"
	PhaseError       Phase = "error"
)

// DefaultSequence is the instruction list used when the configuration does
// not provide one.
var DefaultSequence = []model.LivenessInstruction{
	{Action: "look_straight", Duration: 3 * time.Second},
	{Action: "turn_left", Duration: 3 * time.Second},
	{Action: "turn_right", Duration: 3 * time.Second},
	{Action: "smile", Duration: 3 * time.Second},
	{Action: "look_up", Duration: 3 * time.Second},
}

// API is the slice of the backend client this executor uses.
type API interface {
	OpenLivenessSession(ctx context.Context) (string, error)
}

// Executor drives one liveness challenge.
type Executor struct {
	api      API
	store    *session.Store
	camera   device.Camera
	sequence []model.LivenessInstruction
	logger   *zap.Logger
	metrics  *observability.Metrics
	wait     func(ctx context.Context, d time.Duration) error
	onStep   func(model.LivenessInstruction)

	mu        sync.Mutex
	phase     Phase
	sessionID string
	current   int
	lastErr   error
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

// WithSequence overrides the instruction sequence.
func WithSequence(seq []model.LivenessInstruction) Option {
	return func(e *Executor) {
		if len(seq) > 0 {
			e.sequence = seq
		}
	}
}

// WithInstructionCallback registers fn to run as each instruction starts.
func WithInstructionCallback(fn func(model.LivenessInstruction)) Option {
	return func(e *Executor) { e.onStep = fn }
}

// WithWaiter overrides the per-instruction wait. Used by tests to run the
// sequence without real time passing.
func WithWaiter(wait func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.wait = wait }
}

// NewExecutor creates an executor over the given camera.
func NewExecutor(api API, store *session.Store, camera device.Camera, opts ...Option) *Executor {
	e := &Executor{
		api:      api,
		store:    store,
		camera:   camera,
		sequence: DefaultSequence,
		logger:   zap.NewNop(),
		phase:    PhaseIdle,
		wait:     sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
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

// SessionID returns the backend liveness session id, empty before Run.
func (e *Executor) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Current returns the in-progress instruction, and false outside the
// sequence.
func (e *Executor) Current() (model.LivenessInstruction, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseInstructing || e.current >= len(e.sequence) {
		return model.LivenessInstruction{}, false
	}
	return e.sequence[e.current], true
}

// Run executes the whole challenge: session open, camera hold, timed
// instruction sequence, session patch. The camera is released on every
// return path. Cancelling ctx aborts the attempt and returns the executor
// to PhaseIdle; an aborted sequence is not a failure, just not a
// completion.
func (e *Executor) Run(ctx context.Context) error {
	sessionID, err := e.api.OpenLivenessSession(ctx)
	if err != nil {
		e.fail(err)
		return err
	}

	acq, err := device.Acquire(ctx, e.camera, device.FacingFront,
		device.WithLogger(e.logger), device.WithMetrics(e.metrics))
	if err != nil {
		e.fail(err)
		return err
	}
	defer acq.Release()

	e.mu.Lock()
	e.sessionID = sessionID
	e.phase = PhaseInstructing
	e.current = 0
	e.lastErr = nil
	e.mu.Unlock()

	for i, instruction := range e.sequence {
		e.mu.Lock()
		e.current = i
		e.mu.Unlock()
		if e.onStep != nil {
			e.onStep(instruction)
		}
		e.logger.Info("liveness: instruction",
			zap.String("action", instruction.Action),
			zap.Duration("duration", instruction.Duration),
		)
		if err := e.wait(ctx, instruction.Duration); err != nil {
			e.mu.Lock()
			e.phase = PhaseIdle
			e.mu.Unlock()
			e.logger.Info("liveness: sequence aborted", zap.Error(err))
			return err
		}
	}

	if err := e.store.Patch(func(sess *model.FlowSession) {
		sess.ApplyVerification(model.ChallengeLiveness, "")
	}); err != nil {
		e.fail(err)
		return err
	}

	e.mu.Lock()
	e.phase = PhaseSuccess
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ChallengeCompletionsTotal.WithLabelValues(string(model.ChallengeLiveness)).Inc()
	}
	e.logger.Info("liveness: sequence completed", zap.String("sessionId", sessionID))
	return nil
}

func (e *Executor) fail(err error) {
	e.mu.Lock()
	e.phase = PhaseError
	e.lastErr = err
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ChallengeFailuresTotal.WithLabelValues(string(model.ChallengeLiveness), model.CodeOf(err)).Inc()
	}
	e.logger.Warn("liveness: challenge failed", zap.String("code", model.CodeOf(err)))
}
