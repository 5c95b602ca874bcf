package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims carries the session binding embedded in a streaming access token.
type AccessClaims struct {
	SessionID      string `json:"sid"`
	AttendeeID     string `json:"aid"`
	SessionStartAt int64  `json:"session_start_at"`
	SessionEndAt   int64  `json:"session_end_at"`
	jwt.RegisteredClaims
}

// Signer issues and verifies symmetric streaming access tokens.
type Signer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewSigner constructs a Signer. The clock override is optional and defaults
// to UTC wall time.
func NewSigner(secret, issuer string, now func() time.Time) *Signer {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Signer{secret: []byte(secret), issuer: issuer, now: now}
}

// Sign issues an HS256 token for the given session/attendee pair expiring at
// the provided instant.
func (s *Signer) Sign(sessionID, attendeeID string, sessionStart, sessionEnd, expiresAt time.Time) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("signing secret missing")
	}
	claims := AccessClaims{
		SessionID:      sessionID,
		AttendeeID:     attendeeID,
		SessionStartAt: sessionStart.Unix(),
		SessionEndAt:   sessionEnd.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Parse verifies signature and expiry and returns the embedded claims.
func (s *Signer) Parse(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
