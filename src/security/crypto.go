package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var (
	ErrMissingKey = errors.New("credentials key not configured")
	ErrDecrypt    = errors.New("credential decryption failed")
)

func loadKey(encoded string) (*[keySize]byte, error) {
	if encoded == "" {
		return nil, ErrMissingKey
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode credentials key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("credentials key must be %d bytes, got %d", keySize, len(raw))
	}
	var key [keySize]byte
	copy(key[:], raw)
	return &key, nil
}

// GenerateKey returns a fresh base64 key suitable for BRIDGE_CREDENTIALS_KEY.
func GenerateKey() (string, error) {
	var key [keySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

// EncryptWithKey seals plain with secretbox and returns base64(nonce || box).
func EncryptWithKey(encodedKey, plain string) (string, error) {
	key, err := loadKey(encodedKey)
	if err != nil {
		return "", err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func DecryptWithKey(encodedKey, encoded string) (string, error) {
	key, err := loadKey(encodedKey)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// EncryptString encrypts with the key from the environment.
func EncryptString(plain string) (string, error) {
	return EncryptWithKey(GetConfig().CredentialsKey, plain)
}

// DecryptString decrypts with the key from the environment.
func DecryptString(encoded string) (string, error) {
	return DecryptWithKey(GetConfig().CredentialsKey, encoded)
}
