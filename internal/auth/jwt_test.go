package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-at-least-16-chars!!"

// newTestTokenService uses a fixed secret so tests are deterministic.
func newTestTokenService(t *testing.T) *TokenService {
	t.Helper()
	ts, err := NewTokenService(testSecret)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return ts
}

func TestNewTokenService_SecretLength(t *testing.T) {
	if _, err := NewTokenService("short"); err == nil {
		t.Error("NewTokenService() accepted a secret shorter than 16 chars")
	}
	if _, err := NewTokenService("this-is-16-chars"); err != nil {
		t.Errorf("NewTokenService() rejected a 16-char secret: %v", err)
	}
}

func TestGenerate(t *testing.T) {
	ts := newTestTokenService(t)

	cases := []struct {
		name    string
		subject string
		ttl     time.Duration
		wantErr bool
	}{
		{"grader token", "grader", time.Hour, false},
		{"default lifetime", "grader", 0, false},
		{"negative lifetime uses default", "grader", -time.Minute, false},
		{"empty subject", "", time.Hour, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token, err := ts.Generate(tc.subject, tc.ttl)
			if tc.wantErr {
				if err == nil {
					t.Fatal("Generate() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}
			if strings.Count(token, ".") != 2 {
				t.Errorf("token %q is not header.payload.signature", token)
			}
			got, err := ts.Validate(token)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if got != tc.subject {
				t.Errorf("Validate() subject = %q, want %q", got, tc.subject)
			}
		})
	}
}

// foreignToken signs arbitrary claims with the test secret.
func foreignToken(t *testing.T, method jwt.SigningMethod, key any, c jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, c).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func TestValidate_Rejects(t *testing.T) {
	ts := newTestTokenService(t)
	other, _ := NewTokenService("another-secret-32-chars-long!!!!")
	now := time.Now()

	good, _ := ts.Generate("grader", time.Hour)
	expired, _ := ts.sign("grader", now.Add(-2*time.Hour), time.Hour)
	wrongSecret, _ := other.Generate("grader", time.Hour)

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt.token"},
		{"expired", expired},
		{"tampered signature", good[:len(good)-3] + "xxx"},
		{"signed with another secret", wrongSecret},
		{"foreign issuer", foreignToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
			Subject: "grader", Issuer: "someone-else", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		})},
		{"no expiry", foreignToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
			Subject: "grader", Issuer: issuer,
		})},
		{"no subject", foreignToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
			Issuer: issuer, ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		})},
		{"HS512", foreignToken(t, jwt.SigningMethodHS512, []byte(testSecret), jwt.RegisteredClaims{
			Subject: "grader", Issuer: issuer, ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		})},
		{"alg none", foreignToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.RegisteredClaims{
			Subject: "grader", Issuer: issuer, ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if sub, err := ts.Validate(tc.token); err == nil {
				t.Fatalf("Validate() accepted token, subject %q", sub)
			}
		})
	}
}
