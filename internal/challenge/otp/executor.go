package otp

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/signvia/signflow/internal/flowapi"
	"github.com/signvia/signflow/internal/observability"
	"github.com/signvia/signflow/internal/session"
	"github.com/signvia/signflow/model"
)

// State is the executor's UI-facing phase.
type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateInput     State = "input"
	StateVerifying State = "verifying"
	StateSuccess   State = "success"
	StateError     State = "error"
)

// API is the slice of the backend client this executor uses.
type API interface {
	SendOTP(ctx context.Context, channel string) (flowapi.OTPSendResponse, error)
	VerifyOTP(ctx context.Context, channel, code string) (flowapi.VerifyResponse, error)
}

// Executor drives one OTP challenge. It is safe for use from a single UI
// goroutine; state reads may come from anywhere.
type Executor struct {
	challenge model.ChallengeType
	channel   string
	api       API
	store     *session.Store
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu            sync.Mutex
	state         State
	lastErr       error
	cooldownUntil time.Time
	codeExpiresAt time.Time
	resends       int
	input         *CodeInput
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

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an executor for the given OTP challenge variant.
func NewExecutor(challenge model.ChallengeType, digits int, api API, store *session.Store, opts ...Option) (*Executor, error) {
	if !challenge.IsOTP() {
		return nil, model.NewBadRequestError("challenge is not an OTP variant")
	}
	e := &Executor{
		challenge: challenge,
		channel:   challenge.OTPChannel(),
		api:       api,
		store:     store,
		logger:    zap.NewNop(),
		now:       time.Now,
		state:     StateIdle,
		input:     NewCodeInput(digits),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// State returns the current phase.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the error behind StateError or the last recoverable input
// error, nil otherwise.
func (e *Executor) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Input returns the code input. The input is only consulted while the
// executor is in StateInput.
func (e *Executor) Input() *CodeInput {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.input
}

// Resends returns how many times the signer asked for another code.
func (e *Executor) Resends() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resends
}

// CooldownRemaining returns how long until resending is allowed, zero when
// it already is. Hosts poll this on a one-second tick to drive the
// countdown label.
func (e *Executor) CooldownRemaining() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	remaining := e.cooldownUntil.Sub(e.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ResendAllowed reports whether the cooldown has elapsed.
func (e *Executor) ResendAllowed() bool {
	return e.CooldownRemaining() == 0
}

// CodeExpired reports whether the last sent code's validity window has
// passed, for the expiry hint next to the input.
func (e *Executor) CodeExpired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.codeExpiresAt.IsZero() && e.now().After(e.codeExpiresAt)
}

// Start requests the initial code. On failure the executor lands in
// StateError and the signer decides whether to try again.
func (e *Executor) Start(ctx context.Context) error {
	return e.send(ctx, false)
}

// Resend requests another code. Rejected while the cooldown is running;
// the deadline comes from the server, so a reload cannot shortcut it.
func (e *Executor) Resend(ctx context.Context) error {
	if !e.ResendAllowed() {
		return model.NewBadRequestError("resend is still cooling down")
	}
	return e.send(ctx, true)
}

func (e *Executor) send(ctx context.Context, resend bool) error {
	e.mu.Lock()
	e.state = StateSending
	e.lastErr = nil
	e.mu.Unlock()

	resp, err := e.api.SendOTP(ctx, e.channel)
	if err != nil {
		e.fail(err)
		return err
	}

	e.mu.Lock()
	e.state = StateInput
	e.cooldownUntil = time.Unix(resp.CooldownUntil, 0)
	e.codeExpiresAt = time.Unix(resp.ExpiresAt, 0)
	e.input.Reset()
	if resend {
		e.resends++
	}
	e.mu.Unlock()

	if resend && e.metrics != nil {
		e.metrics.OTPResendsTotal.Inc()
	}
	e.logger.Info("otp: code sent",
		zap.String("channel", e.channel),
		zap.Bool("resend", resend),
	)
	return nil
}

// Submit verifies the entered code. A wrong or expired code clears the
// input and returns to StateInput with the error attached; anything else is
// a hard failure.
func (e *Executor) Submit(ctx context.Context) (flowapi.VerifyResponse, error) {
	e.mu.Lock()
	if e.state != StateInput {
		e.mu.Unlock()
		return flowapi.VerifyResponse{}, model.NewBadRequestError("no code is awaiting verification")
	}
	if !e.input.Complete() {
		e.mu.Unlock()
		return flowapi.VerifyResponse{}, model.NewBadRequestError("code is incomplete")
	}
	code := e.input.Value()
	e.state = StateVerifying
	e.lastErr = nil
	e.mu.Unlock()

	resp, err := e.api.VerifyOTP(ctx, e.channel, code)
	if err != nil {
		if model.IsRecoverable(err) {
			e.mu.Lock()
			e.state = StateInput
			e.lastErr = err
			e.input.Reset()
			e.mu.Unlock()
			if e.metrics != nil {
				e.metrics.ChallengeFailuresTotal.WithLabelValues(string(e.challenge), model.CodeOf(err)).Inc()
			}
			return flowapi.VerifyResponse{}, err
		}
		e.fail(err)
		return flowapi.VerifyResponse{}, err
	}

	if err := e.store.Patch(func(sess *model.FlowSession) {
		sess.ApplyVerification(e.challenge, resp.NextStep)
		if resp.Status != "" {
			sess.Status = resp.Status
		}
	}); err != nil {
		e.fail(err)
		return flowapi.VerifyResponse{}, err
	}

	e.mu.Lock()
	e.state = StateSuccess
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ChallengeCompletionsTotal.WithLabelValues(string(e.challenge)).Inc()
	}
	e.logger.Info("otp: challenge verified", zap.String("channel", e.channel))
	return resp, nil
}

func (e *Executor) fail(err error) {
	e.mu.Lock()
	e.state = StateError
	e.lastErr = err
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ChallengeFailuresTotal.WithLabelValues(string(e.challenge), model.CodeOf(err)).Inc()
	}
	e.logger.Warn("otp: challenge failed",
		zap.String("channel", e.channel),
		zap.String("code", model.CodeOf(err)),
	)
}
