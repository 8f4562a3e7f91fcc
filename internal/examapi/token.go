package examapi

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry reads the exp claim of a bearer token without verifying its
// signature. The agent only uses it to warn when the token would lapse
// before the exam deadline; the server remains the verifier.
func TokenExpiry(token string) (time.Time, bool, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false, fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, false, nil
	}
	return exp.Time, true, nil
}

// ExpiresBefore reports whether token lapses before deadline.
// Tokens without an exp claim never lapse.
func ExpiresBefore(token string, deadline time.Time) (bool, error) {
	exp, ok, err := TokenExpiry(token)
	if err != nil || !ok {
		return false, err
	}
	return exp.Before(deadline), nil
}
