package model

import (
	"fmt"
	"time"
)

// ChallengeType identifies one verification step in a signing pipeline.
type ChallengeType string

// Challenge types a server-declared pipeline may contain.
const (
	ChallengeBiometric    ChallengeType = "biometric"
	ChallengeOTPEmail     ChallengeType = "otp_email"
	ChallengeOTPSMS       ChallengeType = "otp_sms"
	ChallengeOTPWhatsApp  ChallengeType = "otp_whatsapp"
	ChallengeLiveness     ChallengeType = "liveness"
	ChallengeTemplateSign ChallengeType = "template_sign"
)

// ChallengeStatus is the lifecycle status of a single pipeline challenge.
type ChallengeStatus string

// Challenge status constants.
const (
	ChallengeStatusPending   ChallengeStatus = "PENDING"
	ChallengeStatusActive    ChallengeStatus = "ACTIVE"
	ChallengeStatusCompleted ChallengeStatus = "COMPLETED"
)

// FlowStatus is the lifecycle status of a whole flow session.
type FlowStatus string

// Flow status constants.
const (
	FlowStatusActive    FlowStatus = "ACTIVE"
	FlowStatusCompleted FlowStatus = "COMPLETED"
	FlowStatusExpired   FlowStatus = "EXPIRED"
	FlowStatusFailed    FlowStatus = "FAILED"
)

// Valid reports whether c is one of the known challenge types.
func (c ChallengeType) Valid() bool {
	switch c {
	case ChallengeBiometric, ChallengeOTPEmail, ChallengeOTPSMS,
		ChallengeOTPWhatsApp, ChallengeLiveness, ChallengeTemplateSign:
		return true
	}
	return false
}

// IsOTP reports whether c is one of the OTP challenge variants.
func (c ChallengeType) IsOTP() bool {
	return c == ChallengeOTPEmail || c == ChallengeOTPSMS || c == ChallengeOTPWhatsApp
}

// OTPChannel returns the delivery channel name used by the OTP endpoints
// ("email", "sms", "whatsapp"), or an empty string for non-OTP types.
func (c ChallengeType) OTPChannel() string {
	switch c {
	case ChallengeOTPEmail:
		return "email"
	case ChallengeOTPSMS:
		return "sms"
	case ChallengeOTPWhatsApp:
		return "whatsapp"
	}
	return ""
}

// Identity carries the contact and document identifiers of a participant.
type Identity struct {
	Email          string `json:"email,omitempty"`
	Phone          string `json:"phone,omitempty"`
	DocumentNumber string `json:"documentNumber,omitempty"`
}

// Participant is the external signer walking the flow.
type Participant struct {
	ParticipantID string   `json:"participantId"`
	DisplayName   string   `json:"displayName"`
	Identity      Identity `json:"identity"`
}

// Challenge pairs a pipeline challenge type with its current status.
type Challenge struct {
	Type   ChallengeType   `json:"type"`
	Status ChallengeStatus `json:"status"`
}

// FlowSession is the client-held state of one signing flow. It is created by
// the initiate call, mutated after every challenge verification, and destroyed
// on completion or abandonment.
type FlowSession struct {
	ProcessID   string          `json:"processId"`
	FlowToken   string          `json:"flowToken"`
	Participant Participant     `json:"participant"`
	Pipeline    []ChallengeType `json:"pipeline"`
	Challenges  []Challenge     `json:"challenges"`
	CurrentStep ChallengeType   `json:"currentStep"`
	Status      FlowStatus      `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy of the session.
func (s *FlowSession) Clone() *FlowSession {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Pipeline = append([]ChallengeType(nil), s.Pipeline...)
	cp.Challenges = append([]Challenge(nil), s.Challenges...)
	return &cp
}

// ChallengeStatusOf returns the status of the given challenge type, or
// ChallengeStatusPending if the type is not part of the pipeline.
func (s *FlowSession) ChallengeStatusOf(t ChallengeType) ChallengeStatus {
	for _, c := range s.Challenges {
		if c.Type == t {
			return c.Status
		}
	}
	return ChallengeStatusPending
}

// ActiveChallenge returns the single ACTIVE challenge, if any.
func (s *FlowSession) ActiveChallenge() (Challenge, bool) {
	for _, c := range s.Challenges {
		if c.Status == ChallengeStatusActive {
			return c, true
		}
	}
	return Challenge{}, false
}

// NextPending returns the first challenge in pipeline order whose status is
// ACTIVE or PENDING.
func (s *FlowSession) NextPending() (ChallengeType, bool) {
	for _, c := range s.Challenges {
		if c.Status == ChallengeStatusActive || c.Status == ChallengeStatusPending {
			return c.Type, true
		}
	}
	return "", false
}

// ApplyVerification records a successful verification of the given challenge:
// the verified challenge is marked COMPLETED and, when next is non-empty, that
// challenge becomes ACTIVE and the current step. When next is empty the
// current step falls back to the next pending challenge, if any.
func (s *FlowSession) ApplyVerification(verified, next ChallengeType) {
	for i := range s.Challenges {
		switch s.Challenges[i].Type {
		case verified:
			s.Challenges[i].Status = ChallengeStatusCompleted
		case next:
			if s.Challenges[i].Status != ChallengeStatusCompleted {
				s.Challenges[i].Status = ChallengeStatusActive
			}
		}
	}
	if next != "" {
		s.CurrentStep = next
	} else if t, ok := s.NextPending(); ok {
		s.CurrentStep = t
	}
	s.UpdatedAt = time.Now().UTC()
}

// Completed reports whether every pipeline challenge is COMPLETED.
func (s *FlowSession) Completed() bool {
	for _, c := range s.Challenges {
		if c.Status != ChallengeStatusCompleted {
			return false
		}
	}
	return len(s.Challenges) > 0
}

// Validate checks the session invariants: a non-empty token and process id,
// challenge ordering matching the pipeline, and at most one ACTIVE challenge.
func (s *FlowSession) Validate() error {
	if s.ProcessID == "" {
		return fmt.Errorf("flow session: processId is required")
	}
	if s.FlowToken == "" {
		return fmt.Errorf("flow session: flowToken is required")
	}
	if len(s.Challenges) != len(s.Pipeline) {
		return fmt.Errorf("flow session: %d challenges for %d pipeline entries",
			len(s.Challenges), len(s.Pipeline))
	}
	active := 0
	for i, c := range s.Challenges {
		if c.Type != s.Pipeline[i] {
			return fmt.Errorf("flow session: challenge %d is %q, pipeline declares %q",
				i, c.Type, s.Pipeline[i])
		}
		if c.Status == ChallengeStatusActive {
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("flow session: %d challenges are ACTIVE, at most one allowed", active)
	}
	return nil
}
