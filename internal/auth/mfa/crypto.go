package mfa

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

var errCiphertext = errors.New("mfa: malformed ciphertext")

type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

// seal binds the ciphertext to the owning user so rows cannot be swapped.
func (s *sealer) seal(plaintext, userID string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(userID))
	return base64.RawStdEncoding.EncodeToString(out), nil
}

func (s *sealer) open(encoded, userID string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errCiphertext
	}
	if len(raw) < s.aead.NonceSize() {
		return "", errCiphertext
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, []byte(userID))
	if err != nil {
		return "", errCiphertext
	}
	return string(plain), nil
}
