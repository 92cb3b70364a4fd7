package usertoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ErrMalformedToken indicates the token could not be split and decoded into
// header, payload and signature segments, or carries no expiry.
var ErrMalformedToken = errors.New("malformed token")

// Claims is the typed view of an access token payload.
// Optional display fields are nil when the issuer did not include them.
type Claims struct {
	Subject   string
	Email     string
	ExpiresAt time.Time
	FirstName *string
	LastName  *string
	Admin     bool
}

// ExpiresAtEpochSeconds returns the expiry as unix seconds.
func (c Claims) ExpiresAtEpochSeconds() int64 {
	return c.ExpiresAt.Unix()
}

// Remaining returns the time left before expiry relative to now.
func (c Claims) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

type payload struct {
	jwt.RegisteredClaims
	Email     string  `json:"email"`
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Admin     bool    `json:"admin,omitempty"`
}

var parser = jwt.NewParser()

// Decode extracts claims from a bearer token without verifying its signature.
// The issuing server stays authoritative for trust; this is only a local read.
func Decode(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, fmt.Errorf("%w: empty token", ErrMalformedToken)
	}
	var p payload
	if _, _, err := parser.ParseUnverified(token, &p); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if p.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("%w: exp claim missing", ErrMalformedToken)
	}
	return Claims{
		Subject:   strings.TrimSpace(p.Subject),
		Email:     strings.TrimSpace(p.Email),
		ExpiresAt: p.ExpiresAt.Time.UTC(),
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Admin:     p.Admin,
	}, nil
}
