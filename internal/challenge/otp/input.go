// Package otp runs the one-time-code challenge: request a code on the
// challenge's delivery channel, collect it digit by digit, and verify it.
// Resending is gated by a server-issued cooldown deadline, so the gate
// survives reloads and ignores client clock drift in the only way that
// matters: relative to what the server said.
package otp

import (
	"strings"
	"unicode"

	"github.com/signvia/signflow/model"
)

// CodeInput collects a fixed number of code digits. A paste anywhere fans
// the pasted digits out across all boxes in one operation. Filling the last
// empty position fires the on-complete hook, so hosts can auto-submit
// instead of polling Complete.
type CodeInput struct {
	digits     []rune
	onComplete func()
}

// NewCodeInput creates an empty input of n digits.
func NewCodeInput(n int) *CodeInput {
	if n <= 0 {
		n = 6
	}
	return &CodeInput{digits: make([]rune, n)}
}

// Len returns the number of digit positions.
func (c *CodeInput) Len() int { return len(c.digits) }

// OnComplete registers fn to run whenever an edit takes the input from
// incomplete to complete, whether digit by digit or via paste.
func (c *CodeInput) OnComplete(fn func()) { c.onComplete = fn }

// SetDigit places one digit. Non-digit input and out-of-range positions are
// rejected.
func (c *CodeInput) SetDigit(pos int, r rune) error {
	if pos < 0 || pos >= len(c.digits) {
		return model.NewBadRequestError("digit position out of range")
	}
	if !unicode.IsDigit(r) {
		return model.NewBadRequestError("code accepts digits only")
	}
	wasComplete := c.Complete()
	c.digits[pos] = r
	c.notifyComplete(wasComplete)
	return nil
}

// ClearDigit empties one position.
func (c *CodeInput) ClearDigit(pos int) {
	if pos >= 0 && pos < len(c.digits) {
		c.digits[pos] = 0
	}
}

// Paste distributes the digits of s across the input starting at the first
// box, regardless of which box received the paste. Non-digits are dropped
// first, so "123-456" fills a six-digit input completely.
func (c *CodeInput) Paste(s string) {
	var digits []rune
	for _, r := range s {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	wasComplete := c.Complete()
	for i := range c.digits {
		if i < len(digits) {
			c.digits[i] = digits[i]
		} else {
			c.digits[i] = 0
		}
	}
	c.notifyComplete(wasComplete)
}

// notifyComplete fires the hook on the incomplete-to-complete transition.
func (c *CodeInput) notifyComplete(wasComplete bool) {
	if c.onComplete != nil && !wasComplete && c.Complete() {
		c.onComplete()
	}
}

// Complete reports whether every position holds a digit.
func (c *CodeInput) Complete() bool {
	for _, r := range c.digits {
		if r == 0 {
			return false
		}
	}
	return true
}

// Value returns the entered code. Empty positions are skipped, so the value
// is only the full code when Complete() is true.
func (c *CodeInput) Value() string {
	var b strings.Builder
	for _, r := range c.digits {
		if r != 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Reset empties all positions.
func (c *CodeInput) Reset() {
	for i := range c.digits {
		c.digits[i] = 0
	}
}
