package cryptoutil

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const keySize = 32

// GenerateKey returns a random key in the "base64:" form ParseKey accepts.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return "base64:" + base64.StdEncoding.EncodeToString(key), nil
}

// ParseKey expects a 32-byte key in base64 or hex form.
func ParseKey(key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("encryption key is empty")
	}
	trimmed := strings.TrimSpace(key)
	var data []byte
	var err error

	switch {
	case strings.HasPrefix(trimmed, "base64:"):
		data, err = base64.StdEncoding.DecodeString(strings.TrimPrefix(trimmed, "base64:"))
	case strings.HasPrefix(trimmed, "hex:"):
		data, err = hex.DecodeString(strings.TrimPrefix(trimmed, "hex:"))
	case len(trimmed) == hex.EncodedLen(keySize):
		// 64 hex digits also decode as base64, to the wrong length.
		data, err = hex.DecodeString(trimmed)
		if err != nil {
			data, err = base64.StdEncoding.DecodeString(trimmed)
		}
	default:
		data, err = base64.StdEncoding.DecodeString(trimmed)
		if err != nil {
			data, err = hex.DecodeString(trimmed)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(data) != keySize {
		return nil, fmt.Errorf("invalid key length: %d (expected %d bytes)", len(data), keySize)
	}
	return data, nil
}
