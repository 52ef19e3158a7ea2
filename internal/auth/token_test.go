package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte("test-secret-key-for-jwt-signing"))

	token, err := verifier.Generate("user-123", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	got, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got != "user-123" {
		t.Errorf("Verify() = %q, want %q", got, "user-123")
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte("test-secret-key-for-jwt-signing"))
	other, _ := NewJWTVerifier([]byte("different-secret")).Generate("user-123", time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"garbage token", "not-a-jwt-token"},
		{"malformed JWT", "header.payload.signature"},
		{"wrong secret", other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := verifier.Verify(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte("secret"))
	token, err := verifier.Generate("user-1", -time.Minute)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

type staticVerifier struct {
	user string
	err  error
}

func (s staticVerifier) Verify(string) (string, error) { return s.user, s.err }

func TestChainVerifier(t *testing.T) {
	failing := staticVerifier{err: ErrInvalidToken}
	ok := staticVerifier{user: "bob"}

	if _, err := (ChainVerifier{ok}).Verify(""); !errors.Is(err, ErrNoToken) {
		t.Errorf("empty token: err = %v, want ErrNoToken", err)
	}

	got, err := ChainVerifier{failing, nil, ok}.Verify("tok")
	if err != nil || got != "bob" {
		t.Errorf("Verify = %q, %v; want bob", got, err)
	}

	if _, err := (ChainVerifier{failing}).Verify("tok"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("all failing: err = %v, want ErrInvalidToken", err)
	}
}

func TestExtractToken_Priority(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		query      string
		wantToken  string
		wantSource TokenSource
	}{
		{"header wins over query", "Bearer h-tok", "q-tok", "h-tok", SourceHeader},
		{"lowercase scheme", "bearer h-tok", "", "h-tok", SourceHeader},
		{"query fallback", "", "q-tok", "q-tok", SourceQuery},
		{"non-bearer header falls through", "Basic abc", "q-tok", "q-tok", SourceQuery},
		{"empty bearer falls through", "Bearer   ", "", "", SourceNone},
		{"nothing", "", "", "", SourceNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/ws"
			if tt.query != "" {
				url += "?token=" + tt.query
			}
			r := httptest.NewRequest("GET", url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			tok, src := ExtractToken(r)
			if tok != tt.wantToken || src != tt.wantSource {
				t.Errorf("ExtractToken = (%q, %q), want (%q, %q)", tok, src, tt.wantToken, tt.wantSource)
			}
		})
	}
}
