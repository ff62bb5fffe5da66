// Package integration exercises whole signing flows against a stateful mock
// flow backend: initiate, every challenge endpoint, presigned uploads, and
// completion, with the real client, session store, router, and executors in
// between.
package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/signvia/signflow/internal/flowapi"
	"github.com/signvia/signflow/model"
)

// MockBackend is a stateful fake of the flow backend. It tracks the
// pipeline position server-side, enforces the flow token on every endpoint
// except initiate, and records uploads to its in-memory object storage.
type MockBackend struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	processID   string
	pipeline    []model.ChallengeType
	position    int
	token       string
	tokenTTL    time.Duration
	otpCode     string
	cooldown    time.Duration
	otpAttempts int
	similarity  float64
	approve     bool
	document    []byte
	fields      []model.TemplateField
	storage     map[string][]byte
	completed   bool
	completeReq flowapi.CompleteRequest

	initiates int
	sends     int
	uploads   []string
	submitted []model.TemplateField
}

// NewMockBackend starts a mock backend for one process id and pipeline.
func NewMockBackend(t *testing.T, processID string, pipeline []model.ChallengeType) *MockBackend {
	t.Helper()
	mb := &MockBackend{
		t:          t,
		processID:  processID,
		pipeline:   pipeline,
		tokenTTL:   time.Hour,
		otpCode:    "482913",
		cooldown:   30 * time.Second,
		similarity: 0.91,
		approve:    true,
		storage:    make(map[string][]byte),
	}

	mux := http.NewServeMux()
	prefix := "/flows/" + processID + "/"
	mux.HandleFunc("POST "+prefix+"initiate", mb.handleInitiate)
	mux.HandleFunc("POST "+prefix+"otp/{channel}/send", mb.auth(mb.handleOTPSend))
	mux.HandleFunc("POST "+prefix+"otp/verify", mb.auth(mb.handleOTPVerify))
	mux.HandleFunc("POST "+prefix+"biometric/start", mb.auth(mb.handleBiometricStart))
	mux.HandleFunc("POST "+prefix+"biometric/verify", mb.auth(mb.handleBiometricVerify))
	mux.HandleFunc("POST "+prefix+"biometric/liveness/session", mb.auth(mb.handleLivenessSession))
	mux.HandleFunc("GET "+prefix+"template/download", mb.auth(mb.handleTemplateDownload))
	mux.HandleFunc("POST "+prefix+"template/submit", mb.auth(mb.handleTemplateSubmit))
	mux.HandleFunc("POST "+prefix+"complete", mb.auth(mb.handleComplete))
	mux.HandleFunc("GET /storage/{key}", mb.handleStorageGet)
	mux.HandleFunc("PUT /storage/{key}", mb.handleStoragePut)

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the backend base URL.
func (mb *MockBackend) URL() string { return mb.server.URL }

// SetTokenTTL controls the expiry baked into issued flow tokens.
func (mb *MockBackend) SetTokenTTL(ttl time.Duration) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.tokenTTL = ttl
}

// SetApproval controls the biometric verification outcome.
func (mb *MockBackend) SetApproval(approve bool, similarity float64) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.approve = approve
	mb.similarity = similarity
}

// SetDocument installs the template document and fields.
func (mb *MockBackend) SetDocument(doc []byte, fields []model.TemplateField) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.document = doc
	mb.fields = fields
}

// OTPCode returns the code the backend expects.
func (mb *MockBackend) OTPCode() string {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.otpCode
}

// Uploads returns the storage keys written so far, in order.
func (mb *MockBackend) Uploads() []string {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]string(nil), mb.uploads...)
}

// Submitted returns the fields received by template/submit.
func (mb *MockBackend) Submitted() []model.TemplateField {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]model.TemplateField(nil), mb.submitted...)
}

// Completed reports whether the flow was finalized, and with what request.
func (mb *MockBackend) Completed() (bool, flowapi.CompleteRequest) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.completed, mb.completeReq
}

// Initiates returns how many initiate calls were received.
func (mb *MockBackend) Initiates() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.initiates
}

func (mb *MockBackend) handleInitiate(w http.ResponseWriter, r *http.Request) {
	mb.mu.Lock()
	mb.initiates++
	claims := jwt.MapClaims{
		"sub": "participant-1",
		"flw": mb.processID,
		"exp": time.Now().Add(mb.tokenTTL).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("mock-backend-key"))
	if err != nil {
		mb.mu.Unlock()
		mb.fail(w, http.StatusInternalServerError, model.ErrInternal, "token signing failed")
		return
	}
	mb.token = token
	resp := flowapi.InitiateResponse{
		ProcessID: mb.processID,
		FlowToken: token,
		Participant: model.Participant{
			ParticipantID: "participant-1",
			DisplayName:   "Ana Souza",
			Identity:      model.Identity{Email: "ana@example.com", Phone: "+5511999990000"},
		},
		Pipeline:    mb.pipeline,
		CurrentStep: mb.pipeline[0],
		Status:      model.FlowStatusActive,
	}
	mb.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

// auth wraps a handler with the flow-token check.
func (mb *MockBackend) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(flowapi.FlowTokenHeader)
		token := strings.TrimPrefix(header, "Bearer ")
		mb.mu.Lock()
		expected := mb.token
		mb.mu.Unlock()
		if token == "" || token != expected {
			mb.fail(w, http.StatusUnauthorized, model.ErrTokenExpired, "invalid flow token")
			return
		}
		next(w, r)
	}
}

// requireStep enforces the server-side pipeline position.
func (mb *MockBackend) requireStep(w http.ResponseWriter, step model.ChallengeType) bool {
	mb.mu.Lock()
	var current model.ChallengeType
	if mb.position < len(mb.pipeline) {
		current = mb.pipeline[mb.position]
	}
	mb.mu.Unlock()
	if isStep(current, step) {
		return true
	}
	writeJSON(w, http.StatusConflict, map[string]any{
		"code":    model.ErrStepMismatch,
		"message": "operation does not match the pipeline position",
		"details": map[string]any{"expected": string(current), "reported": string(step)},
	})
	return false
}

func isStep(current, requested model.ChallengeType) bool {
	if current == requested {
		return true
	}
	// Any OTP endpoint serves any OTP pipeline variant.
	return current.IsOTP() && requested.IsOTP()
}

// advance moves the pipeline position and returns the next step, empty at
// the end.
func (mb *MockBackend) advance() model.ChallengeType {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.position++
	if mb.position < len(mb.pipeline) {
		return mb.pipeline[mb.position]
	}
	return ""
}

func (mb *MockBackend) handleOTPSend(w http.ResponseWriter, r *http.Request) {
	if !mb.requireStep(w, model.ChallengeOTPEmail) {
		return
	}
	mb.mu.Lock()
	mb.sends++
	cooldown := mb.cooldown
	mb.mu.Unlock()
	now := time.Now()
	writeJSON(w, http.StatusOK, flowapi.OTPSendResponse{
		CooldownUntil: now.Add(cooldown).Unix(),
		ExpiresAt:     now.Add(5 * time.Minute).Unix(),
	})
}

func (mb *MockBackend) handleOTPVerify(w http.ResponseWriter, r *http.Request) {
	if !mb.requireStep(w, model.ChallengeOTPEmail) {
		return
	}
	var body struct {
		Channel string `json:"channel"`
		Code    string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		mb.fail(w, http.StatusBadRequest, model.ErrBadRequest, "malformed body")
		return
	}
	mb.mu.Lock()
	mb.otpAttempts++
	expected := mb.otpCode
	var verified model.ChallengeType
	if mb.position < len(mb.pipeline) {
		verified = mb.pipeline[mb.position]
	}
	mb.mu.Unlock()

	if body.Code != expected {
		mb.fail(w, http.StatusUnprocessableEntity, model.ErrCodeInvalid, "code does not match")
		return
	}
	next := mb.advance()
	writeJSON(w, http.StatusOK, flowapi.VerifyResponse{
		VerifiedStep: verified,
		NextStep:     next,
		Completed:    next == "",
		Status:       model.FlowStatusActive,
	})
}

func (mb *MockBackend) handleBiometricStart(w http.ResponseWriter, r *http.Request) {
	if !mb.requireStep(w, model.ChallengeBiometric) {
		return
	}
	var body flowapi.BiometricStartRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		mb.fail(w, http.StatusBadRequest, model.ErrBadRequest, "malformed body")
		return
	}
	uploads := make(map[model.CaptureRequirement]flowapi.PresignedUpload, len(body.Require))
	for _, req := range body.Require {
		uploads[req] = flowapi.PresignedUpload{
			URL:       mb.server.URL + "/storage/" + string(req),
			Method:    http.MethodPut,
			ExpiresAt: time.Now().Add(10 * time.Minute).Unix(),
		}
	}
	writeJSON(w, http.StatusOK, flowapi.BiometricStartResponse{Uploads: uploads})
}

func (mb *MockBackend) handleBiometricVerify(w http.ResponseWriter, r *http.Request) {
	if !mb.requireStep(w, model.ChallengeBiometric) {
		return
	}
	mb.mu.Lock()
	approve := mb.approve
	similarity := mb.similarity
	missing := false
	for _, req := range model.DefaultCaptureOrder {
		if _, ok := mb.storage[string(req)]; !ok {
			missing = true
		}
	}
	mb.mu.Unlock()
	if missing {
		mb.fail(w, http.StatusBadRequest, model.ErrBadRequest, "captures not uploaded")
		return
	}
	if !approve {
		writeJSON(w, http.StatusOK, flowapi.BiometricVerifyResponse{
			Approved:   false,
			Similarity: similarity,
			Status:     model.FlowStatusActive,
		})
		return
	}
	next := mb.advance()
	writeJSON(w, http.StatusOK, flowapi.BiometricVerifyResponse{
		Approved:   true,
		Similarity: similarity,
		NextStep:   next,
		Completed:  next == "",
		Status:     model.FlowStatusActive,
	})
}

func (mb *MockBackend) handleLivenessSession(w http.ResponseWriter, r *http.Request) {
	if !mb.requireStep(w, model.ChallengeLiveness) {
		return
	}
	// Opening the session is the only backend interaction liveness has; the
	// sequence itself is client-timed, so the position advances here.
	mb.advance()
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": "liveness-session-1"})
}

func (mb *MockBackend) handleTemplateDownload(w http.ResponseWriter, r *http.Request) {
	if !mb.requireStep(w, model.ChallengeTemplateSign) {
		return
	}
	mb.mu.Lock()
	mb.storage["template.pdf"] = mb.document
	fields := mb.fields
	mb.mu.Unlock()
	writeJSON(w, http.StatusOK, flowapi.TemplateDownloadResponse{
		DownloadURL: mb.server.URL + "/storage/template.pdf",
		Fields:      fields,
	})
}

func (mb *MockBackend) handleTemplateSubmit(w http.ResponseWriter, r *http.Request) {
	if !mb.requireStep(w, model.ChallengeTemplateSign) {
		return
	}
	var body struct {
		Fields []model.TemplateField `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		mb.fail(w, http.StatusBadRequest, model.ErrBadRequest, "malformed body")
		return
	}
	for _, f := range body.Fields {
		if f.FieldCode == "" {
			mb.fail(w, http.StatusBadRequest, model.ErrBadRequest, "field without fieldCode")
			return
		}
	}
	mb.mu.Lock()
	mb.submitted = body.Fields
	var verified model.ChallengeType
	if mb.position < len(mb.pipeline) {
		verified = mb.pipeline[mb.position]
	}
	mb.mu.Unlock()

	next := mb.advance()
	status := model.FlowStatusActive
	if next == "" {
		status = model.FlowStatusCompleted
	}
	writeJSON(w, http.StatusOK, flowapi.VerifyResponse{
		VerifiedStep: verified,
		NextStep:     next,
		Completed:    next == "",
		Status:       status,
	})
}

func (mb *MockBackend) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body flowapi.CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		mb.fail(w, http.StatusBadRequest, model.ErrBadRequest, "malformed body")
		return
	}
	mb.mu.Lock()
	done := mb.position >= len(mb.pipeline)
	if done {
		mb.completed = true
		mb.completeReq = body
	}
	mb.mu.Unlock()
	if !done {
		mb.fail(w, http.StatusConflict, model.ErrStepMismatch, "pipeline not finished")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "COMPLETED"})
}

func (mb *MockBackend) handleStoragePut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	data, err := io.ReadAll(r.Body)
	if err != nil || len(data) == 0 {
		mb.fail(w, http.StatusBadRequest, model.ErrBadRequest, "empty upload")
		return
	}
	mb.mu.Lock()
	mb.storage[key] = data
	mb.uploads = append(mb.uploads, key)
	mb.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (mb *MockBackend) handleStorageGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	mb.mu.Lock()
	data, ok := mb.storage[key]
	mb.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(data)
}

func (mb *MockBackend) fail(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"code": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		panic(fmt.Sprintf("encoding mock response: %v", err))
	}
}
