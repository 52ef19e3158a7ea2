// Package crypto seals terminal recordings at rest with fernet tokens.
package crypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/gluk-w/termhub/internal/database"
)

const recordingKeySetting = "recording_key"

var ErrInvalidToken = errors.New("decrypt: invalid token")

// Sealer encrypts and decrypts byte payloads with a single fernet key.
type Sealer struct {
	key *fernet.Key
}

// NewSealer decodes an encoded fernet key (32 bytes, base64).
func NewSealer(encodedKey string) (*Sealer, error) {
	key, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// LoadSealer uses configuredKey when set; otherwise it reads the key stored
// in settings, generating and persisting one on first use.
func LoadSealer(configuredKey string) (*Sealer, error) {
	if configuredKey != "" {
		return NewSealer(configuredKey)
	}

	keyStr, err := database.GetSetting(recordingKeySetting)
	if err != nil {
		if !database.IsNotFound(err) {
			return nil, fmt.Errorf("read recording key: %w", err)
		}
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		keyStr = k.Encode()
		if err := database.SetSetting(recordingKeySetting, keyStr); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
	}
	return NewSealer(keyStr)
}

func (s *Sealer) Encrypt(plaintext []byte) ([]byte, error) {
	tok, err := fernet.EncryptAndSign(plaintext, s.key)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return tok, nil
}

func (s *Sealer) Decrypt(ciphertext []byte) ([]byte, error) {
	msg := fernet.VerifyAndDecrypt(ciphertext, 0*time.Second, []*fernet.Key{s.key})
	if msg == nil {
		return nil, ErrInvalidToken
	}
	return msg, nil
}
