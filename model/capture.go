package model

import "time"

// CaptureRequirement names one biometric capture the backend asks for.
type CaptureRequirement string

// Capture requirements in their mandated order.
const (
	CaptureSelfie  CaptureRequirement = "selfie"
	CaptureIDFront CaptureRequirement = "idFront"
	CaptureIDBack  CaptureRequirement = "idBack"
)

// DefaultCaptureOrder is the sub-step sequence of the biometric challenge.
var DefaultCaptureOrder = []CaptureRequirement{CaptureSelfie, CaptureIDFront, CaptureIDBack}

// BiometricCapture is an ephemeral still-frame capture held until it is
// uploaded or retaken. PreviewURL is a data URL suitable for showing the
// capture back to the signer.
type BiometricCapture struct {
	CaptureID   string
	Requirement CaptureRequirement
	Blob        []byte
	ContentType string
	PreviewURL  string
	CapturedAt  time.Time
}

// LivenessInstruction is one timed instruction of the guided liveness
// sequence. No per-frame analysis happens client-side; completing the
// sequence is the completion signal.
type LivenessInstruction struct {
	Action   string        `json:"action" yaml:"action"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}
