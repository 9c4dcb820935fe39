// Package identity derives a read-only view of the signed-in user from the
// access token's claims.
//
// Tokens are decoded WITHOUT signature verification. The result is a local,
// best-effort projection for display and for detecting expiry before the
// server rejects a token; it is not an authorization decision. The API
// verifies every token it receives.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claim names the client reads for display.
const (
	ClaimUserID   = "user_id"
	ClaimNickname = "nickname"
	ClaimRole     = "role"
	ClaimScore    = "score"
)

// Identity is the decoded, non-authoritative user context.
type Identity struct {
	UserID    string
	Nickname  string
	Role      string
	Score     float64
	ExpiresAt time.Time // zero when the token has no exp claim
}

// IsAdmin reports whether the identity carries the administrator role.
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == "admin"
}

// ExpiredAt reports whether the identity is no longer usable at now.
// An identity without expiry is never usable.
func (i *Identity) ExpiredAt(now time.Time) bool {
	if i == nil || i.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(i.ExpiresAt)
}

var parser = jwt.NewParser(jwt.WithJSONNumber())

// decode parses the token payload without verifying its signature. Claims
// stay loosely typed so one unexpected value never hides the others.
func decode(token string) (jwt.MapClaims, error) {
	if token == "" {
		return nil, errors.New("empty token")
	}

	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	return claims, nil
}

// Expiry returns the token's exp claim. Only exp is interpreted.
func Expiry(token string) (time.Time, error) {
	claims, err := decode(token)
	if err != nil {
		return time.Time{}, err
	}
	return expiry(claims)
}

func expiry(claims jwt.MapClaims) (time.Time, error) {
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return exp.Time, nil
}

// IsExpired reports whether token must not be used. Undecodable tokens and
// tokens without an exp claim count as expired.
func IsExpired(token string) bool {
	return IsExpiredAt(token, time.Now())
}

// IsExpiredAt is IsExpired evaluated at now.
func IsExpiredAt(token string, now time.Time) bool {
	exp, err := Expiry(token)
	if err != nil {
		return true
	}
	return !now.Before(exp)
}

// Derive returns the identity carried by token, or nil when it cannot be
// decoded. A claim of an unexpected type leaves only that field empty.
func Derive(token string) *Identity {
	claims, err := decode(token)
	if err != nil {
		return nil
	}

	id := &Identity{
		UserID:   stringClaim(claims, ClaimUserID),
		Nickname: stringClaim(claims, ClaimNickname),
		Role:     stringClaim(claims, ClaimRole),
		Score:    numberClaim(claims, ClaimScore),
	}
	if id.UserID == "" {
		id.UserID, _ = claims.GetSubject()
	}
	if exp, err := expiry(claims); err == nil {
		id.ExpiresAt = exp
	}
	return id
}

func stringClaim(claims jwt.MapClaims, name string) string {
	switch v := claims[name].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		// Objects and arrays are not displayable
		return ""
	}
}

func numberClaim(claims jwt.MapClaims, name string) float64 {
	var f float64
	var err error
	switch v := claims[name].(type) {
	case json.Number:
		f, err = v.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0
	}
	if err != nil {
		return 0
	}
	return f
}
