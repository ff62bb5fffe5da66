package model

import (
	"errors"
	"fmt"
)

// Flow error codes. Every failure crossing an executor boundary is one of
// these; unknown transport shapes collapse into ErrInternal.
const (
	ErrMissingToken         = "MISSING_TOKEN"
	ErrTokenExpired         = "TOKEN_EXPIRED"
	ErrStepMismatch         = "STEP_MISMATCH"
	ErrDeviceUnavailable    = "DEVICE_UNAVAILABLE"
	ErrUploadFailed         = "UPLOAD_FAILED"
	ErrVerificationRejected = "VERIFICATION_REJECTED"
	ErrCodeInvalid          = "CODE_INVALID"
	ErrCodeExpired          = "CODE_EXPIRED"
	ErrSessionNotFound      = "SESSION_NOT_FOUND"
	ErrBadRequest           = "BAD_REQUEST"
	ErrBackendUnavailable   = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout       = "BACKEND_TIMEOUT"
	ErrInternal             = "INTERNAL_ERROR"
)

// FlowError is the typed error surfaced to the host UI. It implements the
// error interface and is the only error shape executors let escape.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped transport error, if any.
func (e *FlowError) Unwrap() error { return e.cause }

// WithCause attaches an underlying error and returns e.
func (e *FlowError) WithCause(err error) *FlowError {
	e.cause = err
	return e
}

// CodeOf returns the flow error code of err, or ErrInternal when err is not
// a FlowError.
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ErrInternal
}

// IsTerminal reports whether err ends the session: the flow token is missing
// or expired and no user-initiated retry can recover without a full restart.
func IsTerminal(err error) bool {
	switch CodeOf(err) {
	case ErrMissingToken, ErrTokenExpired, ErrSessionNotFound:
		return true
	}
	return false
}

// IsRecoverable reports whether err allows a user-initiated retry within the
// current step.
func IsRecoverable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeInvalid, ErrCodeExpired, ErrUploadFailed, ErrVerificationRejected:
		return true
	}
	return false
}

// NewMissingTokenError returns a MISSING_TOKEN error. It is raised by the
// client guard before any network call is attempted.
func NewMissingTokenError() *FlowError {
	return &FlowError{
		Code:    ErrMissingToken,
		Message: "No flow token is available; restart the flow from its link",
	}
}

// NewTokenExpiredError returns a TOKEN_EXPIRED error. Flow tokens are never
// refreshed, so expiry forces a full restart.
func NewTokenExpiredError() *FlowError {
	return &FlowError{
		Code:    ErrTokenExpired,
		Message: "The flow session has expired; restart the flow from its link",
	}
}

// NewStepMismatchError returns a STEP_MISMATCH error carrying the server's
// view of the expected step versus the step the client requested.
func NewStepMismatchError(expected, reported string) *FlowError {
	return &FlowError{
		Code:    ErrStepMismatch,
		Message: fmt.Sprintf("The requested action belongs to step %q but the flow is at %q", reported, expected),
		Details: map[string]any{"expected": expected, "reported": reported},
	}
}

// NewDeviceUnavailableError returns a DEVICE_UNAVAILABLE error.
func NewDeviceUnavailableError(msg string) *FlowError {
	return &FlowError{Code: ErrDeviceUnavailable, Message: msg}
}

// NewUploadFailedError returns an UPLOAD_FAILED error. Captures already taken
// are kept so the signer can retry the upload without recapturing.
func NewUploadFailedError(requirement string) *FlowError {
	return &FlowError{
		Code:    ErrUploadFailed,
		Message: fmt.Sprintf("Uploading the %s capture failed; try submitting again", requirement),
		Details: map[string]any{"requirement": requirement},
	}
}

// NewVerificationRejectedError returns a VERIFICATION_REJECTED error with the
// similarity score the server reported.
func NewVerificationRejectedError(similarity float64) *FlowError {
	return &FlowError{
		Code:    ErrVerificationRejected,
		Message: "Identity verification was not approved; captures must be retaken",
		Details: map[string]any{"similarity": similarity},
	}
}

// NewCodeInvalidError returns a CODE_INVALID error.
func NewCodeInvalidError() *FlowError {
	return &FlowError{Code: ErrCodeInvalid, Message: "The verification code is incorrect"}
}

// NewCodeExpiredError returns a CODE_EXPIRED error.
func NewCodeExpiredError() *FlowError {
	return &FlowError{Code: ErrCodeExpired, Message: "The verification code has expired; request a new one"}
}

// NewSessionNotFoundError returns a SESSION_NOT_FOUND error.
func NewSessionNotFoundError() *FlowError {
	return &FlowError{
		Code:    ErrSessionNotFound,
		Message: "No persisted flow session exists; restart the flow from its link",
	}
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *FlowError {
	return &FlowError{Code: ErrBadRequest, Message: msg}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *FlowError {
	return &FlowError{
		Code:    ErrBackendUnavailable,
		Message: "The signing service is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *FlowError {
	return &FlowError{
		Code:    ErrBackendTimeout,
		Message: "The signing service did not respond in time",
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *FlowError {
	return &FlowError{Code: ErrInternal, Message: "An unexpected error occurred"}
}
