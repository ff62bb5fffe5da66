// Package template runs the signing step: fetch the template document and
// its fields, drive the render surface, collect field values (typed text
// and drawn signatures), and submit once every editable field is filled.
package template

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/signvia/signflow/internal/flowapi"
	"github.com/signvia/signflow/internal/observability"
	"github.com/signvia/signflow/internal/render"
	"github.com/signvia/signflow/internal/session"
	"github.com/signvia/signflow/model"
)

// Phase is the executor's UI-facing phase.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseFilling    Phase = "filling"
	PhaseSubmitting Phase = "submitting"
	PhaseSuccess    Phase = "success"
	PhaseError      Phase = "error"
)

// API is the slice of the backend client this executor uses.
type API interface {
	DownloadTemplate(ctx context.Context) (flowapi.TemplateDownloadResponse, error)
	FetchDocument(ctx context.Context, url string) ([]byte, error)
	SubmitTemplate(ctx context.Context, fields []model.TemplateField) (flowapi.VerifyResponse, error)
}

// Executor drives the template-sign step.
type Executor struct {
	api         API
	store       *session.Store
	logger      *zap.Logger
	metrics     *observability.Metrics
	surfaceOpts []render.SurfaceOption

	mu      sync.Mutex
	phase   Phase
	fields  []model.TemplateField
	surface *render.Surface
	lastErr error
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

// WithSurfaceOptions passes options through to the render surface created
// by Download.
func WithSurfaceOptions(opts ...render.SurfaceOption) Option {
	return func(e *Executor) { e.surfaceOpts = opts }
}

// NewExecutor creates a template-sign executor.
func NewExecutor(api API, store *session.Store, opts ...Option) *Executor {
	e := &Executor{
		api:    api,
		store:  store,
		logger: zap.NewNop(),
		phase:  PhaseIdle,
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

// Surface returns the render surface, nil before Download.
func (e *Executor) Surface() *render.Surface {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.surface
}

// Fields returns a copy of the current field list.
func (e *Executor) Fields() []model.TemplateField {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.TemplateField, len(e.fields))
	copy(out, e.fields)
	return out
}

// Download fetches the template descriptor and document bytes and opens the
// render surface on page 1.
func (e *Executor) Download(ctx context.Context) error {
	resp, err := e.api.DownloadTemplate(ctx)
	if err != nil {
		e.fail(err)
		return err
	}
	data, err := e.api.FetchDocument(ctx, resp.DownloadURL)
	if err != nil {
		e.fail(err)
		return err
	}
	surface, err := render.Open(data, e.surfaceOpts...)
	if err != nil {
		e.fail(err)
		return err
	}

	e.mu.Lock()
	if e.surface != nil {
		e.surface.Close()
	}
	e.surface = surface
	e.fields = resp.Fields
	e.phase = PhaseFilling
	e.lastErr = nil
	e.mu.Unlock()

	e.logger.Info("template: document loaded",
		zap.Int("pages", surface.PageCount()),
		zap.Int("fields", len(resp.Fields)),
	)
	return nil
}

// SetValue records a text or number value for a field. Signature fields go
// through SetSignature.
func (e *Executor) SetValue(fieldCode, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.fields {
		if e.fields[i].FieldCode != fieldCode {
			continue
		}
		if !e.fields[i].Editable {
			return model.NewBadRequestError("field is not editable")
		}
		if e.fields[i].IsSignature() {
			return model.NewBadRequestError("signature fields take a drawn signature")
		}
		if e.fields[i].FieldType == model.FieldTypeNumber && strings.TrimSpace(value) != "" {
			if !isNumeric(strings.TrimSpace(value)) {
				return model.NewBadRequestError("field accepts numbers only")
			}
		}
		e.fields[i].Value = value
		return nil
	}
	return model.NewBadRequestError("unknown field " + fieldCode)
}

// SetSignature stores a confirmed signature image payload as the field's
// value.
func (e *Executor) SetSignature(fieldCode, imagePayload string) error {
	if imagePayload == "" {
		return model.NewBadRequestError("signature payload is empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.fields {
		if e.fields[i].FieldCode != fieldCode {
			continue
		}
		if !e.fields[i].Editable {
			return model.NewBadRequestError("field is not editable")
		}
		if !e.fields[i].IsSignature() {
			return model.NewBadRequestError("field does not take a signature")
		}
		e.fields[i].Value = imagePayload
		return nil
	}
	return model.NewBadRequestError("unknown field " + fieldCode)
}

// AllFieldsFilled reports whether every editable field has a usable value.
// Submit stays disabled until this is true.
func (e *Executor) AllFieldsFilled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range e.fields {
		if f.Editable && !f.Filled() {
			return false
		}
	}
	return true
}

// FieldRects maps the placements of fields on the surface's current page
// into rendered coordinates, keyed by field code.
func (e *Executor) FieldRects() (map[string][]model.Placement, error) {
	e.mu.Lock()
	surface := e.surface
	fields := e.fields
	e.mu.Unlock()
	if surface == nil {
		return nil, model.NewBadRequestError("no document is loaded")
	}

	page := surface.Page()
	rects := make(map[string][]model.Placement)
	for _, f := range fields {
		for _, p := range f.Placements {
			if p.Page != page {
				continue
			}
			rect, err := surface.PlacementRect(p)
			if err != nil {
				return nil, err
			}
			rects[f.FieldCode] = append(rects[f.FieldCode], rect)
		}
	}
	return rects, nil
}

// Submit sends the filled fields. Placements are sanitized to finite,
// non-negative numbers, and fields without a code get one assigned by type.
func (e *Executor) Submit(ctx context.Context) (flowapi.VerifyResponse, error) {
	e.mu.Lock()
	if e.phase != PhaseFilling {
		e.mu.Unlock()
		return flowapi.VerifyResponse{}, model.NewBadRequestError("no template is being filled")
	}
	for _, f := range e.fields {
		if f.Editable && !f.Filled() {
			e.mu.Unlock()
			return flowapi.VerifyResponse{}, model.NewBadRequestError(
				"field " + f.FieldCode + " is not filled")
		}
	}
	payload := make([]model.TemplateField, len(e.fields))
	copy(payload, e.fields)
	e.phase = PhaseSubmitting
	e.mu.Unlock()

	for i := range payload {
		if payload[i].FieldCode == "" {
			payload[i].FieldCode = model.FallbackFieldCode(payload[i].FieldType)
		}
		sanitized := make([]model.Placement, len(payload[i].Placements))
		for j, p := range payload[i].Placements {
			sanitized[j] = model.SanitizePlacement(p)
		}
		payload[i].Placements = sanitized
	}

	resp, err := e.api.SubmitTemplate(ctx, payload)
	if err != nil {
		e.mu.Lock()
		e.phase = PhaseFilling
		e.lastErr = err
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.ChallengeFailuresTotal.WithLabelValues(string(model.ChallengeTemplateSign), model.CodeOf(err)).Inc()
		}
		e.logger.Warn("template: submit failed", zap.String("code", model.CodeOf(err)))
		return flowapi.VerifyResponse{}, err
	}

	if err := e.store.Patch(func(sess *model.FlowSession) {
		sess.ApplyVerification(model.ChallengeTemplateSign, resp.NextStep)
		if resp.Status != "" {
			sess.Status = resp.Status
		}
	}); err != nil {
		e.fail(err)
		return flowapi.VerifyResponse{}, err
	}

	e.mu.Lock()
	e.phase = PhaseSuccess
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ChallengeCompletionsTotal.WithLabelValues(string(model.ChallengeTemplateSign)).Inc()
	}
	e.logger.Info("template: submitted")
	return resp, nil
}

// Teardown closes the render surface.
func (e *Executor) Teardown() {
	e.mu.Lock()
	surface := e.surface
	e.surface = nil
	e.mu.Unlock()
	if surface != nil {
		surface.Close()
	}
}

func (e *Executor) fail(err error) {
	e.mu.Lock()
	e.phase = PhaseError
	e.lastErr = err
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ChallengeFailuresTotal.WithLabelValues(string(model.ChallengeTemplateSign), model.CodeOf(err)).Inc()
	}
	e.logger.Warn("template: step failed", zap.String("code", model.CodeOf(err)))
}

func isNumeric(s string) bool {
	dot := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '.' && !dot:
			dot = true
		case (r == '-' || r == '+') && i == 0:
		default:
			return false
		}
	}
	return true
}
