// Package secret derives purpose-bound keys from the deployment auth secret.
package secret

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/smallbiznis/workspace/internal/config"
	"golang.org/x/crypto/hkdf"
)

const developmentSecret = "workspace-development-secret-do-not-use"

// Key labels.
const (
	LabelEmailVerification = "email-verification"
	LabelTOTPEncryption    = "totp-encryption"
)

var ErrMissingSecret = errors.New("AUTH_SECRET is required in production")

type Keyring struct {
	master []byte
}

func NewKeyring(cfg config.Config) (*Keyring, error) {
	if cfg.AuthSecret == "" {
		if cfg.IsProduction() {
			return nil, ErrMissingSecret
		}
		return &Keyring{master: []byte(developmentSecret)}, nil
	}
	return &Keyring{master: []byte(cfg.AuthSecret)}, nil
}

// NewStaticKeyring is used by tests.
func NewStaticKeyring(master string) *Keyring {
	return &Keyring{master: []byte(master)}
}

// Derive returns a 32 byte key bound to label.
func (k *Keyring) Derive(label string) []byte {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, k.master, nil, []byte("workspace:"+label))
	if _, err := io.ReadFull(r, out); err != nil {
		// hkdf only fails past 255*hash size
		panic(err)
	}
	return out
}
