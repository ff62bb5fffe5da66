package router

import (
	"context"
	"testing"

	"github.com/signvia/signflow/internal/flowapi"
	"github.com/signvia/signflow/internal/session"
	"github.com/signvia/signflow/model"
)

type fakeAPI struct {
	sess        *model.FlowSession
	initiateErr error
	completeErr error
	completes   int
	lastReq     flowapi.CompleteRequest
}

func (f *fakeAPI) Initiate(ctx context.Context) (*model.FlowSession, error) {
	return f.sess, f.initiateErr
}

func (f *fakeAPI) Complete(ctx context.Context, req flowapi.CompleteRequest) error {
	f.completes++
	f.lastReq = req
	return f.completeErr
}

func pipelineSession(types ...model.ChallengeType) *model.FlowSession {
	challenges := make([]model.Challenge, len(types))
	for i, t := range types {
		status := model.ChallengeStatusPending
		if i == 0 {
			status = model.ChallengeStatusActive
		}
		challenges[i] = model.Challenge{Type: t, Status: status}
	}
	return &model.FlowSession{
		ProcessID:   "proc-1",
		FlowToken:   "tok",
		Pipeline:    types,
		Challenges:  challenges,
		CurrentStep: types[0],
		Status:      model.FlowStatusActive,
	}
}

func TestRouter_initiateRoutesToFirstStep(t *testing.T) {
	store := session.NewStore(session.NewMemoryKV())
	api := &fakeAPI{sess: pipelineSession(model.ChallengeOTPEmail, model.ChallengeBiometric, model.ChallengeTemplateSign)}
	r := New(api, store)

	route, err := r.Initiate(context.Background())
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if route != Route(model.ChallengeOTPEmail) {
		t.Errorf("route = %q, want otp_email", route)
	}
	if store.Current() == nil {
		t.Error("session not installed")
	}
}

func TestRouter_guardRedirectsWithoutSession(t *testing.T) {
	store := session.NewStore(session.NewMemoryKV())
	r := New(&fakeAPI{}, store)

	if got := r.Guard(Route(model.ChallengeBiometric)); got != RouteInitiate {
		t.Errorf("Guard without session = %q, want initiate", got)
	}
	if got := r.Guard(RouteInitiate); got != RouteInitiate {
		t.Errorf("Guard(initiate) = %q", got)
	}

	if err := store.Replace(pipelineSession(model.ChallengeBiometric, model.ChallengeTemplateSign)); err != nil {
		t.Fatal(err)
	}
	if got := r.Guard(Route(model.ChallengeBiometric)); got != Route(model.ChallengeBiometric) {
		t.Errorf("Guard with session = %q", got)
	}
}

func TestRouter_nextFollowsServerHint(t *testing.T) {
	store := session.NewStore(session.NewMemoryKV())
	if err := store.Replace(pipelineSession(model.ChallengeOTPEmail, model.ChallengeBiometric, model.ChallengeTemplateSign)); err != nil {
		t.Fatal(err)
	}
	r := New(&fakeAPI{}, store)

	got := r.Next(flowapi.VerifyResponse{NextStep: model.ChallengeBiometric})
	if got != Route(model.ChallengeBiometric) {
		t.Errorf("Next with hint = %q", got)
	}
}

func TestRouter_nextFallsBackToPipelineOrder(t *testing.T) {
	store := session.NewStore(session.NewMemoryKV())
	sess := pipelineSession(model.ChallengeOTPEmail, model.ChallengeLiveness, model.ChallengeTemplateSign)
	sess.Challenges[0].Status = model.ChallengeStatusCompleted
	sess.Challenges[1].Status = model.ChallengeStatusPending
	sess.CurrentStep = model.ChallengeLiveness
	if err := store.Replace(sess); err != nil {
		t.Fatal(err)
	}
	r := New(&fakeAPI{}, store)

	got := r.Next(flowapi.VerifyResponse{})
	if got != Route(model.ChallengeLiveness) {
		t.Errorf("Next without hint = %q, want liveness", got)
	}
}

func TestRouter_pipelineOrderStrictlyFollowed(t *testing.T) {
	// Walking a whole pipeline: each completed step routes to the next
	// pipeline entry, template_sign is the last content step, then complete.
	store := session.NewStore(session.NewMemoryKV())
	pipeline := []model.ChallengeType{
		model.ChallengeOTPSMS,
		model.ChallengeBiometric,
		model.ChallengeLiveness,
		model.ChallengeTemplateSign,
	}
	if err := store.Replace(pipelineSession(pipeline...)); err != nil {
		t.Fatal(err)
	}
	r := New(&fakeAPI{}, store)

	var visited []Route
	for i := range pipeline {
		if err := store.Patch(func(sess *model.FlowSession) {
			next := model.ChallengeType("")
			if i+1 < len(pipeline) {
				next = pipeline[i+1]
			}
			sess.ApplyVerification(pipeline[i], next)
		}); err != nil {
			t.Fatal(err)
		}
		visited = append(visited, r.Next(flowapi.VerifyResponse{}))
	}

	want := []Route{
		Route(model.ChallengeBiometric),
		Route(model.ChallengeLiveness),
		Route(model.ChallengeTemplateSign),
		RouteComplete,
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Errorf("step %d: visited %q, want %q", i, visited[i], want[i])
		}
	}
}

func TestRouter_nextRoutesToUnvisitedTemplateSign(t *testing.T) {
	// A pipeline without template_sign still ends at the signing step
	// before complete.
	store := session.NewStore(session.NewMemoryKV())
	sess := pipelineSession(model.ChallengeOTPEmail)
	sess.Challenges[0].Status = model.ChallengeStatusCompleted
	if err := store.Replace(sess); err != nil {
		t.Fatal(err)
	}
	r := New(&fakeAPI{}, store)

	if got := r.Next(flowapi.VerifyResponse{}); got != Route(model.ChallengeTemplateSign) {
		t.Fatalf("first Next = %q, want template_sign", got)
	}
	if got := r.Next(flowapi.VerifyResponse{}); got != RouteComplete {
		t.Errorf("second Next = %q, want complete", got)
	}
}

func TestRouter_nextCompleted(t *testing.T) {
	store := session.NewStore(session.NewMemoryKV())
	r := New(&fakeAPI{}, store)

	if got := r.Next(flowapi.VerifyResponse{Completed: true}); got != RouteComplete {
		t.Errorf("Next(completed) = %q", got)
	}
}

func TestRouter_completedDefersToRemainingSteps(t *testing.T) {
	// A backend may report the flow completed as soon as the last
	// verification challenge passes, before the signing step ran. The
	// pipeline still owns the order: template_sign comes first, complete
	// only once nothing is left.
	store := session.NewStore(session.NewMemoryKV())
	sess := pipelineSession(model.ChallengeOTPEmail, model.ChallengeTemplateSign)
	sess.Challenges[0].Status = model.ChallengeStatusCompleted
	sess.CurrentStep = model.ChallengeTemplateSign
	if err := store.Replace(sess); err != nil {
		t.Fatal(err)
	}
	r := New(&fakeAPI{}, store)

	if got := r.Next(flowapi.VerifyResponse{Completed: true}); got != Route(model.ChallengeTemplateSign) {
		t.Fatalf("Next(completed with pending template_sign) = %q, want template_sign", got)
	}

	if err := store.Patch(func(s *model.FlowSession) {
		s.ApplyVerification(model.ChallengeTemplateSign, "")
	}); err != nil {
		t.Fatal(err)
	}
	if got := r.Next(flowapi.VerifyResponse{Completed: true}); got != RouteComplete {
		t.Errorf("Next(completed after signing) = %q, want complete", got)
	}
}

func TestRouter_routeForError(t *testing.T) {
	store := session.NewStore(session.NewMemoryKV())
	r := New(&fakeAPI{}, store)
	current := Route(model.ChallengeOTPEmail)

	if got := r.RouteForError(model.NewTokenExpiredError(), current); got != RouteInitiate {
		t.Errorf("token expiry = %q, want initiate", got)
	}
	if got := r.RouteForError(model.NewMissingTokenError(), current); got != RouteInitiate {
		t.Errorf("missing token = %q, want initiate", got)
	}
	// A step mismatch stays put: surfaced, not silently re-routed.
	if got := r.RouteForError(model.NewStepMismatchError("biometric", "otp_email"), current); got != current {
		t.Errorf("step mismatch = %q, want current route", got)
	}
	if got := r.RouteForError(model.NewCodeInvalidError(), current); got != current {
		t.Errorf("recoverable error = %q, want current route", got)
	}
}

func TestRouter_completeClearsSession(t *testing.T) {
	store := session.NewStore(session.NewMemoryKV())
	if err := store.Replace(pipelineSession(model.ChallengeTemplateSign)); err != nil {
		t.Fatal(err)
	}
	api := &fakeAPI{}
	r := New(api, store)

	route, err := r.Complete(context.Background(), true, "ana@example.com")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if route != RouteDone {
		t.Errorf("route = %q", route)
	}
	if !api.lastReq.SendCopy || api.lastReq.Email != "ana@example.com" {
		t.Errorf("complete request = %+v", api.lastReq)
	}
	if store.Current() != nil {
		t.Error("session survived completion")
	}

	// A second Complete is a no-op, not a second backend call.
	if _, err := r.Complete(context.Background(), false, ""); err != nil {
		t.Fatal(err)
	}
	if api.completes != 1 {
		t.Errorf("completes = %d, want 1", api.completes)
	}
}

func TestRouter_completeFailureKeepsSession(t *testing.T) {
	store := session.NewStore(session.NewMemoryKV())
	if err := store.Replace(pipelineSession(model.ChallengeTemplateSign)); err != nil {
		t.Fatal(err)
	}
	api := &fakeAPI{completeErr: model.NewBackendUnavailableError()}
	r := New(api, store)

	route, err := r.Complete(context.Background(), false, "")
	if model.CodeOf(err) != model.ErrBackendUnavailable {
		t.Fatalf("Complete() = %v", err)
	}
	if route != RouteComplete {
		t.Errorf("route = %q, want complete for retry", route)
	}
	if store.Current() == nil {
		t.Error("failed completion cleared the session")
	}

	// Retry succeeds.
	api.completeErr = nil
	if _, err := r.Complete(context.Background(), false, ""); err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if api.completes != 2 {
		t.Errorf("completes = %d", api.completes)
	}
}

func TestRouter_abandon(t *testing.T) {
	store := session.NewStore(session.NewMemoryKV())
	if err := store.Replace(pipelineSession(model.ChallengeOTPEmail)); err != nil {
		t.Fatal(err)
	}
	r := New(&fakeAPI{}, store)

	if got := r.Abandon(); got != RouteInitiate {
		t.Errorf("Abandon() = %q", got)
	}
	if store.Current() != nil {
		t.Error("session survived abandonment")
	}
	if r.Current() != RouteInitiate {
		t.Errorf("Current after abandon = %q", r.Current())
	}
}

func TestRouter_timeline(t *testing.T) {
	store := session.NewStore(session.NewMemoryKV())
	sess := pipelineSession(model.ChallengeOTPEmail, model.ChallengeTemplateSign)
	sess.Challenges[0].Status = model.ChallengeStatusCompleted
	sess.Challenges[1].Status = model.ChallengeStatusActive
	sess.CurrentStep = model.ChallengeTemplateSign
	if err := store.Replace(sess); err != nil {
		t.Fatal(err)
	}
	r := New(&fakeAPI{}, store)

	tl := r.Timeline()
	if len(tl) != 2 {
		t.Fatalf("timeline len = %d", len(tl))
	}
	if tl[0].Status != model.ChallengeStatusCompleted || tl[0].Active {
		t.Errorf("step 0 = %+v", tl[0])
	}
	if tl[1].Status != model.ChallengeStatusActive || !tl[1].Active {
		t.Errorf("step 1 = %+v", tl[1])
	}
}

func TestRouter_currentStates(t *testing.T) {
	store := session.NewStore(session.NewMemoryKV())
	r := New(&fakeAPI{}, store)

	if r.Current() != RouteInitiate {
		t.Errorf("Current without session = %q", r.Current())
	}

	sess := pipelineSession(model.ChallengeOTPEmail)
	if err := store.Replace(sess); err != nil {
		t.Fatal(err)
	}
	if r.Current() != Route(model.ChallengeOTPEmail) {
		t.Errorf("Current = %q", r.Current())
	}

	if err := store.Patch(func(s *model.FlowSession) {
		s.Status = model.FlowStatusCompleted
	}); err != nil {
		t.Fatal(err)
	}
	if r.Current() != RouteDone {
		t.Errorf("Current for completed flow = %q", r.Current())
	}
}
