package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/gluk-w/termhub/internal/database"
	"golang.org/x/crypto/bcrypt"
)

const (
	apiTokenScheme = "thk"
	BcryptCost     = 12
)

func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckSecret(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// IssueAPIToken creates and stores a new API token for userID and returns
// the plaintext token. The plaintext is never persisted.
func IssueAPIToken(userID, name string) (string, error) {
	prefix, err := randomHex(4)
	if err != nil {
		return "", err
	}
	secret, err := randomHex(24)
	if err != nil {
		return "", err
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	if err := database.CreateAPIToken(&database.APIToken{
		Prefix:     prefix,
		SecretHash: hash,
		UserID:     userID,
		Name:       name,
	}); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return fmt.Sprintf("%s_%s_%s", apiTokenScheme, prefix, secret), nil
}

// APITokenVerifier checks opaque API tokens against the database.
type APITokenVerifier struct{}

func (APITokenVerifier) Verify(token string) (string, error) {
	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 || parts[0] != apiTokenScheme {
		return "", ErrInvalidToken
	}
	rec, err := database.GetAPITokenByPrefix(parts[1])
	if err != nil {
		return "", ErrInvalidToken
	}
	if !CheckSecret(parts[2], rec.SecretHash) {
		return "", ErrInvalidToken
	}
	if err := database.TouchAPIToken(rec.ID); err != nil {
		log.Printf("[auth] touch token %s: %v", rec.Prefix, err)
	}
	return rec.UserID, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
