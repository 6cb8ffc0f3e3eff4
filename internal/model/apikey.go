package model

import "time"

// APIKey is a long-lived credential for machine clients. Only the bcrypt hash
// of the secret part is stored.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Hash       string     `json:"-"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

// Active reports whether the key may still authenticate.
func (k *APIKey) Active() bool { return k.RevokedAt == nil }
