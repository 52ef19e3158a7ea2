// Package auth verifies the bearer tokens presented by terminal clients.
//
// Two token kinds are accepted: HS256 JWTs whose "sub" claim is the user id,
// and opaque API tokens ("thk_<prefix>_<secret>") whose secret is stored as a
// bcrypt hash. [ChainVerifier] tries each verifier in turn.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrNoToken      = errors.New("no token presented")
)

// TokenVerifier resolves a token to a user id.
type TokenVerifier interface {
	Verify(token string) (userID string, err error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the user id from the "sub" claim.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// Generate creates a token for userID that expires after expiresIn.
func (v *JWTVerifier) Generate(userID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// ChainVerifier returns the first successful verification. When every
// verifier fails, the last error is returned.
type ChainVerifier []TokenVerifier

func (c ChainVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrNoToken
	}
	err := ErrInvalidToken
	for _, v := range c {
		if v == nil {
			continue
		}
		userID, verr := v.Verify(token)
		if verr == nil {
			return userID, nil
		}
		err = verr
	}
	return "", err
}

// TokenSource names where a token was found.
type TokenSource string

const (
	SourceNone      TokenSource = ""
	SourceHeader    TokenSource = "header"
	SourceQuery     TokenSource = "query"
	SourceHandshake TokenSource = "handshake"
)

// ExtractToken returns the bearer token from the Authorization header, then
// the "token" query parameter. The handshake payload is read later by the
// gateway, so an empty result is not an error.
func ExtractToken(r *http.Request) (string, TokenSource) {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			if tok := strings.TrimSpace(h[7:]); tok != "" {
				return tok, SourceHeader
			}
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, SourceQuery
	}
	return "", SourceNone
}
