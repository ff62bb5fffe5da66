package flowapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/signvia/signflow/model"
)

type staticTokens string

func (s staticTokens) Token() (string, bool) { return string(s), s != "" }

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "participant-1",
		"exp": exp.Unix(),
	})
	signed, err := tok.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

func TestClient_missingTokenFailsBeforeRequest(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "proc-1", staticTokens(""))
	_, err := c.SendOTP(context.Background(), "email")
	require.Equal(t, model.ErrMissingToken, model.CodeOf(err))
	require.Zero(t, requests, "no request should leave the process without a token")
}

func TestClient_expiredTokenClassifiedLocally(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	expired := signedToken(t, time.Now().Add(-time.Hour))
	c := NewClient(srv.URL, "proc-1", staticTokens(expired))
	_, err := c.VerifyOTP(context.Background(), "email", "123456")
	require.Equal(t, model.ErrTokenExpired, model.CodeOf(err))
	require.Zero(t, requests)
}

func TestClient_sendsFlowTokenAndCorrelationHeaders(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	var gotToken, gotCorrelation string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get(FlowTokenHeader)
		gotCorrelation = r.Header.Get(CorrelationHeader)
		_ = json.NewEncoder(w).Encode(OTPSendResponse{CooldownUntil: 100, ExpiresAt: 200})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "proc-1", staticTokens(token))
	resp, err := c.SendOTP(context.Background(), "sms")
	require.NoError(t, err)
	require.Equal(t, "Bearer "+token, gotToken)
	require.NotEmpty(t, gotCorrelation)
	require.Equal(t, int64(100), resp.CooldownUntil)
	require.Equal(t, int64(200), resp.ExpiresAt)
}

func TestClient_initiateBuildsChallengesFromPipeline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/flows/proc-1/initiate", r.URL.Path)
		require.Empty(t, r.Header.Get(FlowTokenHeader), "initiate must not require a token")
		_ = json.NewEncoder(w).Encode(InitiateResponse{
			ProcessID: "proc-1",
			FlowToken: "tok-xyz",
			Pipeline:  []model.ChallengeType{model.ChallengeOTPEmail, model.ChallengeBiometric, model.ChallengeTemplateSign},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "proc-1", staticTokens(""))
	sess, err := c.Initiate(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-xyz", sess.FlowToken)
	require.Equal(t, model.ChallengeOTPEmail, sess.CurrentStep)
	require.Len(t, sess.Challenges, 3)
	require.Equal(t, model.ChallengeStatusActive, sess.Challenges[0].Status)
	require.Equal(t, model.ChallengeStatusPending, sess.Challenges[1].Status)
	require.Equal(t, model.FlowStatusActive, sess.Status)
}

func TestClient_decodesServerErrorEnvelope(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":    model.ErrStepMismatch,
			"message": "wrong step",
			"details": map[string]any{"expected": "biometric", "reported": "otp_email"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "proc-1", staticTokens(token))
	_, err := c.VerifyOTP(context.Background(), "email", "000000")
	require.Equal(t, model.ErrStepMismatch, model.CodeOf(err))

	var ferr *model.FlowError
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, "biometric", ferr.Details["expected"])
}

func TestClient_codeInvalidPassesThrough(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": model.ErrCodeInvalid, "message": "nope"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "proc-1", staticTokens(token))
	_, err := c.VerifyOTP(context.Background(), "email", "999999")
	require.Equal(t, model.ErrCodeInvalid, model.CodeOf(err))
	require.True(t, model.IsRecoverable(err))
}

func TestClient_statusFallbacks(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	cases := []struct {
		status int
		want   string
	}{
		{http.StatusUnauthorized, model.ErrTokenExpired},
		{http.StatusServiceUnavailable, model.ErrBackendUnavailable},
		{http.StatusGatewayTimeout, model.ErrBackendTimeout},
		{http.StatusNotFound, model.ErrBadRequest},
		{http.StatusInternalServerError, model.ErrInternal},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c := NewClient(srv.URL, "proc-1", staticTokens(token))
		_, err := c.VerifyBiometric(context.Background())
		require.Equal(t, tc.want, model.CodeOf(err), "status %d", tc.status)
		srv.Close()
	}
}

func TestClient_startBiometricRequiresAllSlots(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(BiometricStartResponse{
			Uploads: map[model.CaptureRequirement]PresignedUpload{
				model.CaptureSelfie: {URL: "http://storage/selfie", Method: http.MethodPut},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "proc-1", staticTokens(token))
	_, err := c.StartBiometric(context.Background(), BiometricStartRequest{
		Require: []model.CaptureRequirement{model.CaptureSelfie, model.CaptureIDFront},
	})
	require.Equal(t, model.ErrBadRequest, model.CodeOf(err))
}

func TestClient_uploadUsesSlotCredentialsOnly(t *testing.T) {
	var gotFlowToken, gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFlowToken = r.Header.Get(FlowTokenHeader)
		gotAuth = r.Header.Get("x-amz-meta-check")
		gotContentType = r.Header.Get("Content-Type")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "proc-1", staticTokens("irrelevant"))
	slot := PresignedUpload{
		URL:     srv.URL + "/bucket/selfie.png",
		Method:  http.MethodPut,
		Headers: map[string]string{"x-amz-meta-check": "abc"},
	}
	err := c.Upload(context.Background(), model.CaptureSelfie, slot, "image/png", []byte{1, 2, 3})
	require.NoError(t, err)
	require.Empty(t, gotFlowToken, "presigned uploads must not carry the flow token")
	require.Equal(t, "abc", gotAuth)
	require.Equal(t, "image/png", gotContentType)
}

func TestClient_uploadFailureKeepsTypedCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "proc-1", staticTokens("irrelevant"))
	err := c.Upload(context.Background(), model.CaptureIDBack, PresignedUpload{URL: srv.URL}, "image/png", []byte{1})
	require.Equal(t, model.ErrUploadFailed, model.CodeOf(err))
	require.True(t, model.IsRecoverable(err))
}

func TestClient_fetchDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4 data"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "proc-1", staticTokens(""))
	data, err := c.FetchDocument(context.Background(), srv.URL+"/doc.pdf")
	require.NoError(t, err)
	require.Equal(t, []byte("%PDF-1.4 data"), data)
}

func TestClient_noRetryOnTransportError(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "proc-1", staticTokens(token))
	_, err := c.SendOTP(context.Background(), "email")
	require.Equal(t, model.ErrBackendUnavailable, model.CodeOf(err))
	require.Equal(t, 1, requests, "failed calls must not be retried automatically")
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	require.True(t, TokenExpired(signedToken(t, now.Add(-time.Minute)), now))
	require.False(t, TokenExpired(signedToken(t, now.Add(time.Minute)), now))
	require.False(t, TokenExpired("not-a-jwt", now))
	require.False(t, TokenExpired("", now))
}
