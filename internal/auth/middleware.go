package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sakif/cellrunner/internal/apperror"
	"github.com/sakif/cellrunner/internal/model"
)

// contextKey is an unexported type used for context keys in this package.
//
// context.WithValue accepts any key. A package-private key type means only
// this package can set or read the subject, so no other package can shadow
// it with a plain string key.
type contextKey string

const subjectKey contextKey = "subject"

// APIKeyHeader carries an API key when the Authorization header is not used.
const APIKeyHeader = "X-API-Key"

// KeyStore looks up stored API keys.
type KeyStore interface {
	GetAPIKey(ctx context.Context, id string) (*model.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

// Authenticator resolves the caller of a request from a bearer JWT or an API
// key. Either source may be nil.
type Authenticator struct {
	tokens *TokenService
	keys   KeyStore
	hasher *KeyHasher
	logger *slog.Logger
}

// NewAuthenticator creates an Authenticator. hasher may be nil when keys is.
func NewAuthenticator(tokens *TokenService, keys KeyStore, hasher *KeyHasher, logger *slog.Logger) *Authenticator {
	if hasher == nil {
		hasher = NewKeyHasher()
	}
	return &Authenticator{tokens: tokens, keys: keys, hasher: hasher, logger: logger}
}

// Enabled reports whether any credential source is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && (a.tokens != nil || a.keys != nil)
}

var errNoCredentials = errors.New("auth: no credentials")

// Authenticate returns the subject of the request's credentials.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	token := r.Header.Get(APIKeyHeader)
	if token == "" {
		h := r.Header.Get("Authorization")
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			token = strings.TrimSpace(h[7:])
		}
	}
	if token == "" {
		return "", errNoCredentials
	}

	if IsAPIKey(token) {
		return a.authenticateKey(r.Context(), token)
	}
	if a.tokens == nil {
		return "", apperror.Unauthorized("bearer tokens are not accepted")
	}
	return a.tokens.Validate(token)
}

func (a *Authenticator) authenticateKey(ctx context.Context, token string) (string, error) {
	if a.keys == nil {
		return "", apperror.Unauthorized("api keys are not accepted")
	}
	id, secret, err := ParseAPIKey(token)
	if err != nil {
		return "", err
	}
	key, err := a.keys.GetAPIKey(ctx, id)
	if err != nil {
		return "", err
	}
	if !key.Active() {
		return "", apperror.Unauthorized("api key revoked")
	}
	if err := a.hasher.Verify(key.Hash, secret); err != nil {
		return "", err
	}
	if err := a.keys.TouchAPIKey(ctx, id, time.Now()); err != nil {
		a.logger.Warn("failed to record api key use", slog.String("key", id), slog.String("error", err.Error()))
	}
	return "key:" + key.Name, nil
}

// RequireAuth rejects requests without valid credentials with 401 and stores
// the subject in the request context otherwise.
//
// Chi runs middleware as a chain wrapping the handler:
//
//	req → RequestID → RealIP → Logger → Recoverer → RequireAuth → handler
//
// so a 401 written here is still logged with the request id. Missing
// credentials are not logged; malformed or rejected ones are, at info level,
// without the credential itself.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := a.Authenticate(r)
		if err != nil {
			if !errors.Is(err, errNoCredentials) {
				a.logger.Info("rejected credentials",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="cellrunner"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized","message":"valid authentication required"}` + "\n"))
			return
		}

		ctx := context.WithValue(r.Context(), subjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OptionalAuth records the subject when valid credentials are present but
// never blocks the request.
//
// It guards /api/execute unless auth.require_for_execute is set. Anonymous
// callers can still run code; an authenticated caller is named in the audit
// log. Handlers check with SubjectFromContext:
//
//	subject, ok := auth.SubjectFromContext(r.Context())
//	if !ok {
//	    // anonymous
//	}
func (a *Authenticator) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subject, err := a.Authenticate(r); err == nil && subject != "" {
			r = r.WithContext(context.WithValue(r.Context(), subjectKey, subject))
		}
		next.ServeHTTP(w, r)
	})
}

// WithSubject returns a context carrying subject. Used by non-HTTP callers
// such as the run command.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// SubjectFromContext returns the authenticated caller, if any.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey).(string)
	return s, ok && s != ""
}
