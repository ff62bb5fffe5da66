// Package router decides which step of the flow the host should show:
// challenge routes named after their challenge types, plus the flow-level
// initiate, complete, and done routes. Routing follows the server's lead —
// an explicit nextStep wins, the pipeline order breaks ties — and entry to
// any mid-flow route without a session falls back to initiate.
package router

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/signvia/signflow/internal/flowapi"
	"github.com/signvia/signflow/internal/observability"
	"github.com/signvia/signflow/internal/session"
	"github.com/signvia/signflow/model"
)

// Route names one screen of the flow. Challenge routes share their
// challenge type's name.
type Route string

const (
	RouteInitiate Route = "initiate"
	RouteComplete Route = "complete"
	RouteDone     Route = "done"
)

// RouteFor maps a challenge type to its route.
func RouteFor(t model.ChallengeType) Route {
	return Route(t)
}

// API is the slice of the backend client the router uses for flow-level
// operations.
type API interface {
	Initiate(ctx context.Context) (*model.FlowSession, error)
	Complete(ctx context.Context, req flowapi.CompleteRequest) error
}

// Router owns flow-level transitions. It is safe for concurrent use.
type Router struct {
	api     API
	store   *session.Store
	logger  *zap.Logger
	metrics *observability.Metrics

	mu            sync.Mutex
	visitedSign   bool
	completeAsked bool
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates a Router over the given store.
func New(api API, store *session.Store, opts ...Option) *Router {
	r := &Router{
		api:    api,
		store:  store,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initiate starts or resumes the flow and installs the returned session.
func (r *Router) Initiate(ctx context.Context) (Route, error) {
	sess, err := r.api.Initiate(ctx)
	if err != nil {
		return RouteInitiate, err
	}
	if err := r.store.Replace(sess); err != nil {
		return RouteInitiate, err
	}
	if r.metrics != nil {
		r.metrics.FlowsInitiatedTotal.Inc()
	}
	r.logger.Info("router: flow initiated",
		zap.String("processId", sess.ProcessID),
		zap.String("currentStep", string(sess.CurrentStep)),
	)
	return r.Current(), nil
}

// Current returns the route matching the session's current step, or
// RouteInitiate when no usable session exists.
func (r *Router) Current() Route {
	sess := r.store.Current()
	if sess == nil || sess.FlowToken == "" {
		return RouteInitiate
	}
	if sess.Status == model.FlowStatusCompleted {
		return RouteDone
	}
	if sess.Completed() {
		return RouteComplete
	}
	if sess.CurrentStep != "" {
		r.markVisited(Route(sess.CurrentStep))
		return Route(sess.CurrentStep)
	}
	if next, ok := sess.NextPending(); ok {
		return Route(next)
	}
	return RouteComplete
}

// Guard validates entry to a route. Deep links into mid-flow routes without
// a persisted session or token redirect to initiate.
func (r *Router) Guard(route Route) Route {
	if route == RouteInitiate {
		return route
	}
	sess := r.store.Current()
	if sess == nil {
		r.logger.Info("router: no session, redirecting to initiate",
			zap.String("route", string(route)))
		return RouteInitiate
	}
	if _, ok := r.store.Token(); !ok {
		r.logger.Info("router: no flow token, redirecting to initiate",
			zap.String("route", string(route)))
		return RouteInitiate
	}
	return route
}

// Next computes the route after a successful verify or submit. An explicit
// server nextStep wins; otherwise the first PENDING/ACTIVE pipeline entry;
// otherwise template_sign if it has not been visited, else complete. The
// server's completed flag only ends the flow once no content step remains:
// template_sign is always the last content step before complete, even when
// an earlier verification already reports the flow completed.
func (r *Router) Next(resp flowapi.VerifyResponse) Route {
	if resp.NextStep != "" {
		r.markVisited(Route(resp.NextStep))
		return Route(resp.NextStep)
	}
	sess := r.store.Current()
	if sess == nil {
		if resp.Completed || resp.Status == model.FlowStatusCompleted {
			return RouteComplete
		}
		return RouteInitiate
	}
	if next, ok := sess.NextPending(); ok {
		r.markVisited(Route(next))
		return Route(next)
	}
	r.mu.Lock()
	visited := r.visitedSign
	r.mu.Unlock()
	if !visited {
		r.markVisited(Route(model.ChallengeTemplateSign))
		return Route(model.ChallengeTemplateSign)
	}
	return RouteComplete
}

// RouteForError returns where a failed operation leaves the signer.
// Terminal token and session errors force a restart; everything else stays
// on the current route so the error is shown where it happened. A step
// mismatch in particular is surfaced, never silently re-routed.
func (r *Router) RouteForError(err error, current Route) Route {
	if model.IsTerminal(err) {
		r.logger.Warn("router: terminal error, forcing restart",
			zap.String("code", model.CodeOf(err)))
		return RouteInitiate
	}
	return current
}

// Complete finalizes the flow, optionally requesting copy delivery, then
// clears the session. The cleared store is what makes the flow
// unresumable; the done route is purely informational.
func (r *Router) Complete(ctx context.Context, sendCopy bool, email string) (Route, error) {
	r.mu.Lock()
	if r.completeAsked {
		r.mu.Unlock()
		return RouteDone, nil
	}
	r.completeAsked = true
	r.mu.Unlock()

	if err := r.api.Complete(ctx, flowapi.CompleteRequest{SendCopy: sendCopy, Email: email}); err != nil {
		r.mu.Lock()
		r.completeAsked = false
		r.mu.Unlock()
		return RouteComplete, err
	}
	if err := r.store.Clear(); err != nil {
		r.logger.Warn("router: clearing session after completion failed", zap.Error(err))
	}
	if r.metrics != nil {
		r.metrics.FlowsCompletedTotal.Inc()
	}
	r.logger.Info("router: flow completed")
	return RouteDone, nil
}

// Abandon discards the flow: persisted state is cleared and the signer is
// back at initiate. No backend call is made; the server holds no session.
func (r *Router) Abandon() Route {
	if err := r.store.Clear(); err != nil {
		r.logger.Warn("router: clearing session on abandon failed", zap.Error(err))
	}
	if r.metrics != nil {
		r.metrics.FlowsAbandonedTotal.Inc()
	}
	r.mu.Lock()
	r.visitedSign = false
	r.completeAsked = false
	r.mu.Unlock()
	r.logger.Info("router: flow abandoned")
	return RouteInitiate
}

// StepSummary is one pipeline entry with its status, for progress UIs.
type StepSummary struct {
	Type   model.ChallengeType   `json:"type"`
	Status model.ChallengeStatus `json:"status"`
	Active bool                  `json:"active"`
}

// Timeline returns the pipeline progress in order, empty without a session.
func (r *Router) Timeline() []StepSummary {
	sess := r.store.Current()
	if sess == nil {
		return nil
	}
	out := make([]StepSummary, len(sess.Challenges))
	for i, c := range sess.Challenges {
		out[i] = StepSummary{
			Type:   c.Type,
			Status: c.Status,
			Active: c.Status == model.ChallengeStatusActive,
		}
	}
	return out
}

func (r *Router) markVisited(route Route) {
	if route == Route(model.ChallengeTemplateSign) {
		r.mu.Lock()
		r.visitedSign = true
		r.mu.Unlock()
	}
}
