package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds derived keys to their use
const hkdfInfo = "appapi daemon-config secrets"

const keySize = 32

// DefaultSecretLength is the length of generated ExApp shared secrets
const DefaultSecretLength = 128

const secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// SecretsManager seals values kept at rest, such as the HaRP shared key in a
// daemon's deploy config, with AES-256-GCM. Sealed values are base64 of
// nonce||ciphertext.
type SecretsManager struct {
	aead cipher.AEAD
}

// NewSecretsManager creates a manager from a 32-byte key
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &SecretsManager{aead: aead}, nil
}

// NewSecretsManagerFromPassword derives the key from password with
// HKDF-SHA256
func NewSecretsManagerFromPassword(password string) (*SecretsManager, error) {
	if password == "" {
		return nil, errors.New("password cannot be empty")
	}
	key, err := deriveKey([]byte(password))
	if err != nil {
		return nil, err
	}
	return NewSecretsManager(key)
}

func deriveKey(master []byte) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// EncryptString seals plaintext for storage in a JSON field
func (sm *SecretsManager) EncryptString(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("cannot encrypt an empty secret")
	}
	nonce := make([]byte, sm.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := sm.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString opens a value sealed by EncryptString
func (sm *SecretsManager) DecryptString(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode secret: %w", err)
	}
	n := sm.aead.NonceSize()
	if len(sealed) <= n {
		return "", errors.New("sealed secret too short")
	}
	plaintext, err := sm.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return string(plaintext), nil
}

// GenerateSecret returns a random alphanumeric string of the given length
func GenerateSecret(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("secret length must be positive, got %d", length)
	}
	max := big.NewInt(int64(len(secretAlphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate secret: %w", err)
		}
		out[i] = secretAlphabet[n.Int64()]
	}
	return string(out), nil
}
