package twilsock

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiryLead is how long before expiry observers are told the token
// is about to expire.
const tokenExpiryLead = 3 * time.Minute

// tokenExpiry reads the exp claim without verifying the signature. The
// backend verifies the token; the client only needs the schedule.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parsing token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading exp claim: %w", err)
	}

	if exp == nil {
		return time.Time{}, fmt.Errorf("token has no exp claim")
	}

	return exp.Time, nil
}

// aboutToExpireIn returns how long to wait before warning that token is
// about to expire. ok is false when the token carries no usable expiry.
func aboutToExpireIn(token string, now time.Time) (time.Duration, bool) {
	exp, err := tokenExpiry(token)
	if err != nil {
		return 0, false
	}

	return max(exp.Add(-tokenExpiryLead).Sub(now), 0), true
}
