package flowapi

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpired reports whether the flow token carries an exp claim that has
// already passed. The signature is not verified: the backend is the
// authority, this check only classifies the failure locally so the signer is
// told to restart from their link instead of watching a request bounce.
//
// A token that cannot be parsed, or that carries no exp claim, is not
// considered expired here; the backend decides.
func TokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}
