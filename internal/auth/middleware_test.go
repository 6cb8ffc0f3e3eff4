package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sakif/cellrunner/internal/apperror"
	"github.com/sakif/cellrunner/internal/model"
)

// memKeyStore is an in-memory KeyStore.
type memKeyStore struct {
	keys    map[string]*model.APIKey
	touched map[string]time.Time
}

func (m *memKeyStore) GetAPIKey(_ context.Context, id string) (*model.APIKey, error) {
	k, ok := m.keys[id]
	if !ok {
		return nil, apperror.NotFound("api key", id)
	}
	return k, nil
}

func (m *memKeyStore) TouchAPIKey(_ context.Context, id string, at time.Time) error {
	m.touched[id] = at
	return nil
}

func newTestAuthenticator(t *testing.T) (*Authenticator, *memKeyStore, string, string) {
	t.Helper()
	tokens := newTestTokenService(t)
	hasher := newTestKeyHasher()

	id, secret, apiKey, err := NewAPIKey()
	if err != nil {
		t.Fatalf("NewAPIKey() error = %v", err)
	}
	hash, err := hasher.Hash(secret)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	store := &memKeyStore{
		keys:    map[string]*model.APIKey{id: {ID: id, Name: "ci", Hash: hash}},
		touched: map[string]time.Time{},
	}

	jwt, err := tokens.Generate("alice", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAuthenticator(tokens, store, hasher, logger), store, jwt, apiKey
}

func echoSubject() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, _ := SubjectFromContext(r.Context())
		_, _ = w.Write([]byte(s))
	})
}

func TestRequireAuth(t *testing.T) {
	a, store, jwt, apiKey := newTestAuthenticator(t)
	h := a.RequireAuth(echoSubject())

	cases := []struct {
		name        string
		header      string
		value       string
		wantStatus  int
		wantSubject string
	}{
		{"no credentials", "", "", http.StatusUnauthorized, ""},
		{"bearer jwt", "Authorization", "Bearer " + jwt, http.StatusOK, "alice"},
		{"lowercase scheme", "Authorization", "bearer " + jwt, http.StatusOK, "alice"},
		{"garbage bearer", "Authorization", "Bearer nope", http.StatusUnauthorized, ""},
		{"api key header", APIKeyHeader, apiKey, http.StatusOK, "key:ci"},
		{"api key as bearer", "Authorization", "Bearer " + apiKey, http.StatusOK, "key:ci"},
		{"wrong key secret", APIKeyHeader, apiKey[:len(apiKey)-2] + "zz", http.StatusUnauthorized, ""},
		{"basic scheme", "Authorization", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/incidents", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tc.wantStatus)
			}
			if tc.wantStatus == http.StatusOK && rr.Body.String() != tc.wantSubject {
				t.Errorf("subject = %q, want %q", rr.Body.String(), tc.wantSubject)
			}
			if tc.wantStatus == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 without WWW-Authenticate header")
			}
		})
	}

	if len(store.touched) != 1 {
		t.Errorf("touched %d keys, want 1", len(store.touched))
	}
}

func TestRequireAuth_RevokedKey(t *testing.T) {
	a, store, _, apiKey := newTestAuthenticator(t)
	now := time.Now()
	for _, k := range store.keys {
		k.RevokedAt = &now
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(APIKeyHeader, apiKey)
	rr := httptest.NewRecorder()
	a.RequireAuth(echoSubject()).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestOptionalAuth(t *testing.T) {
	a, _, jwt, _ := newTestAuthenticator(t)
	h := a.OptionalAuth(echoSubject())

	anon := httptest.NewRecorder()
	h.ServeHTTP(anon, httptest.NewRequest(http.MethodPost, "/api/execute", nil))
	if anon.Code != http.StatusOK || anon.Body.String() != "" {
		t.Errorf("anonymous request: status %d subject %q", anon.Code, anon.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/execute", nil)
	req.Header.Set("Authorization", "Bearer "+jwt)
	authed := httptest.NewRecorder()
	h.ServeHTTP(authed, req)
	if authed.Body.String() != "alice" {
		t.Errorf("subject = %q, want alice", authed.Body.String())
	}
}

func TestAuthenticator_Enabled(t *testing.T) {
	var nilAuth *Authenticator
	if nilAuth.Enabled() {
		t.Error("nil Authenticator reports enabled")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if NewAuthenticator(nil, nil, nil, logger).Enabled() {
		t.Error("Authenticator without sources reports enabled")
	}
	if !NewAuthenticator(newTestTokenService(t), nil, nil, logger).Enabled() {
		t.Error("Authenticator with tokens reports disabled")
	}
}

func TestSubjectFromContext(t *testing.T) {
	if _, ok := SubjectFromContext(context.Background()); ok {
		t.Error("empty context has a subject")
	}
	s, ok := SubjectFromContext(WithSubject(context.Background(), "cli"))
	if !ok || s != "cli" {
		t.Errorf("SubjectFromContext() = (%q, %v), want (cli, true)", s, ok)
	}
}
