// Package flowapi is the HTTP client for the flow backend. Every call except
// Initiate requires the flow-scoped bearer token; its absence is a terminal
// client-side error raised before any request leaves the process. No call is
// ever retried automatically — retries are always user-initiated.
package flowapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/signvia/signflow/internal/observability"
	"github.com/signvia/signflow/model"
)

// FlowTokenHeader carries the flow-scoped bearer token. It is deliberately
// not Authorization: the flow token must never be confused with an
// administrator session credential.
const FlowTokenHeader = "X-Flow-Token"

// CorrelationHeader carries a per-request correlation id.
const CorrelationHeader = "X-Correlation-Id"

// TokenSource yields the current flow token, if one exists.
type TokenSource interface {
	Token() (string, bool)
}

// Client talks to the flow backend under /flows/{processId}.
type Client struct {
	baseURL   string
	processID string
	tokens    TokenSource
	http      *http.Client
	uploads   *http.Client
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client's logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithTimeout overrides the request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithUploadTimeout overrides the presigned-upload timeout.
func WithUploadTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.uploads.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client. Used by tests.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient creates a client for one flow.
func NewClient(baseURL, processID string, tokens TokenSource, opts ...ClientOption) *Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	c := &Client{
		baseURL:   baseURL,
		processID: processID,
		tokens:    tokens,
		http:      &http.Client{Timeout: 15 * time.Second, Transport: transport},
		uploads:   &http.Client{Timeout: 60 * time.Second, Transport: transport},
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InitiateResponse is the payload of POST /flows/{id}/initiate.
type InitiateResponse struct {
	ProcessID   string                `json:"processId"`
	FlowToken   string                `json:"flowToken"`
	Participant model.Participant     `json:"participant"`
	Pipeline    []model.ChallengeType `json:"pipeline"`
	Challenges  []model.Challenge     `json:"challenges"`
	CurrentStep model.ChallengeType   `json:"currentStep"`
	Status      model.FlowStatus      `json:"status"`
}

// OTPSendResponse is the payload of POST /flows/{id}/otp/{channel}/send.
// Both timestamps are epoch seconds.
type OTPSendResponse struct {
	CooldownUntil int64 `json:"cooldownUntil"`
	ExpiresAt     int64 `json:"expiresAt"`
}

// VerifyResponse is the shared payload of the verification and submission
// endpoints. NextStep is empty when the server leaves routing to the client.
type VerifyResponse struct {
	VerifiedStep model.ChallengeType `json:"verifiedStep"`
	NextStep     model.ChallengeType `json:"nextStep"`
	Completed    bool                `json:"completed"`
	Status       model.FlowStatus    `json:"status"`
}

// PresignedUpload describes one direct-to-storage upload slot.
type PresignedUpload struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt int64             `json:"expiresAt"`
}

// BiometricStartRequest is the payload of POST /flows/{id}/biometric/start.
type BiometricStartRequest struct {
	Require      []model.CaptureRequirement          `json:"require"`
	ContentTypes map[model.CaptureRequirement]string `json:"contentTypes"`
}

// BiometricStartResponse maps each requirement to its upload slot.
type BiometricStartResponse struct {
	Uploads map[model.CaptureRequirement]PresignedUpload `json:"uploads"`
}

// BiometricVerifyResponse is the payload of POST /flows/{id}/biometric/verify.
type BiometricVerifyResponse struct {
	Approved   bool                `json:"approved"`
	Similarity float64             `json:"similarity"`
	NextStep   model.ChallengeType `json:"nextStep"`
	Completed  bool                `json:"completed"`
	Status     model.FlowStatus    `json:"status"`
}

// TemplateDownloadResponse is the payload of GET /flows/{id}/template/download.
type TemplateDownloadResponse struct {
	DownloadURL string                `json:"downloadUrl"`
	Fields      []model.TemplateField `json:"fields"`
}

// CompleteRequest is the payload of POST /flows/{id}/complete. SendCopy asks
// the backend to deliver a copy of the signed document.
type CompleteRequest struct {
	SendCopy bool   `json:"sendCopy"`
	Email    string `json:"email,omitempty"`
}

// Initiate starts (or resumes) the flow. It is the only call that does not
// require a flow token.
func (c *Client) Initiate(ctx context.Context) (*model.FlowSession, error) {
	var resp InitiateResponse
	if err := c.do(ctx, "initiate", http.MethodPost, c.url("initiate"), nil, &resp, false); err != nil {
		return nil, err
	}
	now := c.now().UTC()
	sess := &model.FlowSession{
		ProcessID:   resp.ProcessID,
		FlowToken:   resp.FlowToken,
		Participant: resp.Participant,
		Pipeline:    resp.Pipeline,
		Challenges:  resp.Challenges,
		CurrentStep: resp.CurrentStep,
		Status:      resp.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if sess.ProcessID == "" {
		sess.ProcessID = c.processID
	}
	// Backends that only declare the pipeline leave challenge statuses to
	// the client: first entry active, the rest pending.
	if len(sess.Challenges) == 0 && len(sess.Pipeline) > 0 {
		sess.Challenges = make([]model.Challenge, len(sess.Pipeline))
		for i, t := range sess.Pipeline {
			status := model.ChallengeStatusPending
			if i == 0 {
				status = model.ChallengeStatusActive
			}
			sess.Challenges[i] = model.Challenge{Type: t, Status: status}
		}
	}
	if sess.CurrentStep == "" && len(sess.Pipeline) > 0 {
		sess.CurrentStep = sess.Pipeline[0]
	}
	if sess.Status == "" {
		sess.Status = model.FlowStatusActive
	}
	if err := sess.Validate(); err != nil {
		return nil, model.NewBadRequestError(fmt.Sprintf("initiate returned an inconsistent session: %v", err))
	}
	return sess, nil
}

// SendOTP requests a code on the given channel ("email", "sms", "whatsapp").
func (c *Client) SendOTP(ctx context.Context, channel string) (OTPSendResponse, error) {
	var resp OTPSendResponse
	err := c.do(ctx, "otp_send", http.MethodPost, c.url("otp/"+channel+"/send"), nil, &resp, true)
	return resp, err
}

// VerifyOTP submits the entered code for the given channel.
func (c *Client) VerifyOTP(ctx context.Context, channel, code string) (VerifyResponse, error) {
	var resp VerifyResponse
	body := map[string]string{"channel": channel, "code": code}
	err := c.do(ctx, "otp_verify", http.MethodPost, c.url("otp/verify"), body, &resp, true)
	return resp, err
}

// StartBiometric opens the biometric challenge and returns one presigned
// upload slot per requirement.
func (c *Client) StartBiometric(ctx context.Context, req BiometricStartRequest) (BiometricStartResponse, error) {
	var resp BiometricStartResponse
	err := c.do(ctx, "biometric_start", http.MethodPost, c.url("biometric/start"), req, &resp, true)
	if err != nil {
		return resp, err
	}
	for _, r := range req.Require {
		if _, ok := resp.Uploads[r]; !ok {
			return resp, model.NewBadRequestError(
				fmt.Sprintf("biometric start returned no upload slot for %q", r))
		}
	}
	return resp, nil
}

// VerifyBiometric asks the backend to score the uploaded captures.
func (c *Client) VerifyBiometric(ctx context.Context) (BiometricVerifyResponse, error) {
	var resp BiometricVerifyResponse
	err := c.do(ctx, "biometric_verify", http.MethodPost, c.url("biometric/verify"), nil, &resp, true)
	return resp, err
}

// OpenLivenessSession opens a liveness session and returns its id.
func (c *Client) OpenLivenessSession(ctx context.Context) (string, error) {
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	err := c.do(ctx, "liveness_session", http.MethodPost, c.url("biometric/liveness/session"), nil, &resp, true)
	return resp.SessionID, err
}

// DownloadTemplate returns the template document location and its fields.
func (c *Client) DownloadTemplate(ctx context.Context) (TemplateDownloadResponse, error) {
	var resp TemplateDownloadResponse
	err := c.do(ctx, "template_download", http.MethodGet, c.url("template/download"), nil, &resp, true)
	return resp, err
}

// SubmitTemplate sends the filled fields.
func (c *Client) SubmitTemplate(ctx context.Context, fields []model.TemplateField) (VerifyResponse, error) {
	var resp VerifyResponse
	body := map[string]any{"fields": fields}
	err := c.do(ctx, "template_submit", http.MethodPost, c.url("template/submit"), body, &resp, true)
	return resp, err
}

// Complete finalizes the flow and optionally triggers copy delivery.
func (c *Client) Complete(ctx context.Context, req CompleteRequest) error {
	return c.do(ctx, "complete", http.MethodPost, c.url("complete"), req, nil, true)
}

// FetchDocument downloads raw bytes from a presigned or public URL. The flow
// token header is not sent: the URL carries its own authorization.
func (c *Client) FetchDocument(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, model.NewInternalError().WithCause(err)
	}
	resp, err := c.uploads.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, model.NewBadRequestError(
			fmt.Sprintf("document download returned status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}
	return data, nil
}

// url builds an endpoint path under the flow's process id.
func (c *Client) url(suffix string) string {
	return fmt.Sprintf("%s/flows/%s/%s", c.baseURL, c.processID, suffix)
}

// requireToken enforces the token guard for every authenticated call. A
// token whose embedded expiry has passed is classified locally so the signer
// sees the restart message instead of a doomed request.
func (c *Client) requireToken() (string, error) {
	if c.tokens == nil {
		return "", model.NewMissingTokenError()
	}
	tok, ok := c.tokens.Token()
	if !ok || tok == "" {
		return "", model.NewMissingTokenError()
	}
	if TokenExpired(tok, c.now()) {
		return "", model.NewTokenExpiredError()
	}
	return tok, nil
}

// do executes one backend call and decodes the response into out (when out
// is non-nil). Failures are mapped to typed flow errors; nothing is retried.
func (c *Client) do(ctx context.Context, operation, method, url string, body, out any, authenticated bool) error {
	var token string
	if authenticated {
		var err error
		if token, err = c.requireToken(); err != nil {
			return err
		}
	}

	ctx, span := observability.StartSpan(ctx, "flowapi."+operation,
		observability.AttrProcessID.String(c.processID),
		observability.AttrOperation.String(operation),
	)
	defer span.End()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return model.NewInternalError().WithCause(err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return model.NewInternalError().WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(CorrelationHeader, uuid.New().String())
	if authenticated {
		req.Header.Set(FlowTokenHeader, "Bearer "+token)
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveBackendRequest(operation, "transport_error", time.Since(start))
		ferr := transportError(err)
		recordSpanError(span, ferr)
		return ferr
	}
	defer resp.Body.Close()

	c.metrics.ObserveBackendRequest(operation, strconv.Itoa(resp.StatusCode), time.Since(start))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ferr := c.decodeError(operation, resp.StatusCode, data)
		recordSpanError(span, ferr)
		return ferr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return model.NewInternalError().WithCause(
				fmt.Errorf("flowapi: decode %s response: %w", operation, err))
		}
	}
	return nil
}

// serverError is the backend's error envelope.
type serverError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// decodeError maps a non-2xx response onto a typed flow error without
// guessing server intent: recognised codes pass through, everything else
// falls back by status class.
func (c *Client) decodeError(operation string, status int, body []byte) error {
	var se serverError
	if err := json.Unmarshal(body, &se); err == nil && se.Code != "" {
		switch se.Code {
		case model.ErrStepMismatch:
			expected, _ := se.Details["expected"].(string)
			reported, _ := se.Details["reported"].(string)
			return model.NewStepMismatchError(expected, reported)
		case model.ErrTokenExpired:
			return model.NewTokenExpiredError()
		case model.ErrCodeInvalid:
			return model.NewCodeInvalidError()
		case model.ErrCodeExpired:
			return model.NewCodeExpiredError()
		case model.ErrVerificationRejected:
			similarity, _ := se.Details["similarity"].(float64)
			return model.NewVerificationRejectedError(similarity)
		default:
			return &model.FlowError{Code: se.Code, Message: se.Message, Details: se.Details}
		}
	}

	c.logger.Warn("flowapi: unrecognised error response",
		zap.String("operation", operation),
		zap.Int("status", status),
	)
	switch {
	case status == http.StatusUnauthorized:
		return model.NewTokenExpiredError()
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		return model.NewBackendUnavailableError()
	case status == http.StatusGatewayTimeout:
		return model.NewBackendTimeoutError()
	case status >= 400 && status < 500:
		return model.NewBadRequestError(fmt.Sprintf("%s returned status %d", operation, status))
	default:
		return model.NewInternalError()
	}
}

// transportError classifies a client-side transport failure.
func transportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.NewBackendTimeoutError().WithCause(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewBackendTimeoutError().WithCause(err)
	}
	return model.NewBackendUnavailableError().WithCause(err)
}

func recordSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
}
