package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/xid"
	"golang.org/x/crypto/bcrypt"
)

// keyPrefix marks cellrunner API keys so they are recognizable in a bearer
// header and in secret scanners.
const keyPrefix = "crk"

// secretBytes of randomness, hex-encoded into the key.
const secretBytes = 24

// defaultCost is the bcrypt work factor for key secrets. Keys are verified
// on every request.
const defaultCost = bcrypt.DefaultCost

// KeyHasher provides bcrypt hashing and verification of API key secrets.
type KeyHasher struct {
	cost int
}

// NewKeyHasher creates a KeyHasher with the default cost.
func NewKeyHasher() *KeyHasher {
	return &KeyHasher{cost: defaultCost}
}

// NewKeyHasherForTest creates a KeyHasher with the given (low) cost for
// tests in other packages. Do NOT use in production.
func NewKeyHasherForTest(cost int) *KeyHasher {
	return &KeyHasher{cost: cost}
}

// Hash hashes a key secret with bcrypt. Secrets longer than 72 bytes are
// rejected because bcrypt would silently truncate them.
func (h *KeyHasher) Hash(secret string) (string, error) {
	if len(secret) > 72 {
		return "", fmt.Errorf("auth: key secret must be 72 bytes or fewer")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), h.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing key secret: %w", err)
	}

	return string(hashed), nil
}

// Verify checks a secret against a stored bcrypt hash in constant time.
func (h *KeyHasher) Verify(hash, secret string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return fmt.Errorf("auth: invalid api key")
		}
		return fmt.Errorf("auth: comparing key hash: %w", err)
	}
	return nil
}

// NewAPIKey generates a key. The returned token is shown to the operator
// once; only id and a hash of secret are stored.
func NewAPIKey() (id, secret, token string, err error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("auth: generating key secret: %w", err)
	}
	id = xid.New().String()
	secret = hex.EncodeToString(buf)
	return id, secret, keyPrefix + "_" + id + "_" + secret, nil
}

// IsAPIKey reports whether token has the API key shape.
func IsAPIKey(token string) bool {
	return strings.HasPrefix(token, keyPrefix+"_")
}

// ParseAPIKey splits a key token into its id and secret.
func ParseAPIKey(token string) (id, secret string, err error) {
	parts := strings.Split(token, "_")
	if len(parts) != 3 || parts[0] != keyPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", errors.New("auth: malformed api key")
	}
	if _, err := xid.FromString(parts[1]); err != nil {
		return "", "", errors.New("auth: malformed api key")
	}
	return parts[1], parts[2], nil
}
