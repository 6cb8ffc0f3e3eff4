// Package auth authenticates API callers.
//
// Two credentials are accepted:
//
//   - a JWT bearer token (HS256, issuer "cellrunner") minted by
//     `cellrunner token`; the subject names the caller.
//   - an API key "crk_<id>_<secret>" created by `cellrunner apikey create`;
//     only a bcrypt hash of the secret is stored.
//
// The authenticated subject is put in the request context and ends up in the
// execution audit log.
//
// CREDENTIAL FLOW:
//  1. An operator mints a token (`cellrunner token grader`) or an
//     API key (`cellrunner apikey create grader`).
//  2. The client sends it as "Authorization: Bearer <credential>" or in the
//     X-API-Key header.
//  3. Authenticator tells the two apart by the "crk_" prefix, validates the
//     credential and stores the subject in the request context.
//  4. Handlers and the audit observer read it back with SubjectFromContext.
//
// JWT STRUCTURE (three base64url parts separated by dots):
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Header: {"alg":"HS256","typ":"JWT"}
//	- Payload: {"iss":"cellrunner","sub":"grader","iat":...,"exp":...}
//	- Signature: HMAC-SHA256(header+"."+payload, secret)
//
// Validation needs only the secret, no database lookup. API keys are the
// opposite: each request loads the key row by id and compares the bcrypt
// hash, so a revoked key stops working immediately.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "cellrunner"

// DefaultTokenTTL is used when Generate is given a non-positive lifetime.
const DefaultTokenTTL = 24 * time.Hour

// TokenService handles JWT creation and validation.
type TokenService struct {
	secret []byte
}

// NewTokenService creates a TokenService with the given secret.
// Example: CELLRUNNER_AUTH_JWT_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	return &TokenService{secret: []byte(secret)}, nil
}

type claims struct {
	jwt.RegisteredClaims
}

// Generate signs a token for subject that expires after ttl.
func (s *TokenService) Generate(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("auth: token subject must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return s.sign(subject, time.Now(), ttl)
}

func (s *TokenService) sign(subject string, now time.Time, ttl time.Duration) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}

	return signed, nil
}

// Validate parses and verifies a JWT string and returns its subject.
// Only HS256 tokens from this issuer with an expiry are accepted.
func (s *TokenService) Validate(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("auth: token expired")
		}
		return "", fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("auth: invalid token claims")
	}
	if c.Subject == "" {
		return "", fmt.Errorf("auth: token has no subject")
	}

	return c.Subject, nil
}
