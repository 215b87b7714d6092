package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/smallbiznis/workspace/internal/auth/token"
)

const (
	totpPeriod     = 30
	totpSkew       = 1
	backupCodeSize = 10
	backupAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"
)

var validateOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      totpSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

func generateKey(issuer, account string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
}

// keyURI rebuilds the provisioning URI for a stored base32 secret.
func keyURI(issuer, account, secret string) (string, error) {
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secret))
	if err != nil {
		return "", err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      totpPeriod,
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", err
	}
	return key.URL(), nil
}

// matchStep returns the time step a code was generated for, checking the
// current step and the configured skew on either side.
func matchStep(secret, code string, now time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	if len(code) != int(otp.DigitsSix) {
		return 0, false
	}
	current := now.Unix() / totpPeriod
	for offset := -totpSkew; offset <= totpSkew; offset++ {
		step := current + int64(offset)
		at := time.Unix(step*totpPeriod, 0).UTC()
		want, err := totp.GenerateCodeCustom(secret, at, validateOpts)
		if err != nil {
			return 0, false
		}
		if token.Equal(want, code) {
			return step, true
		}
	}
	return 0, false
}

// newBackupCodes returns n plaintext codes and their digests.
func newBackupCodes(n int) ([]string, []string, error) {
	codes := make([]string, 0, n)
	digests := make([]string, 0, n)
	for i := 0; i < n; i++ {
		chars, err := randomChars(backupCodeSize)
		if err != nil {
			return nil, nil, err
		}
		code := chars[:backupCodeSize/2] + "-" + chars[backupCodeSize/2:]
		codes = append(codes, code)
		digests = append(digests, digestBackupCode(code))
	}
	return codes, digests, nil
}

// randomChars draws from backupAlphabet without modulo bias.
func randomChars(n int) (string, error) {
	limit := byte(256 - 256%len(backupAlphabet))
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, c := range buf {
			if c >= limit {
				continue
			}
			out = append(out, backupAlphabet[int(c)%len(backupAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

func digestBackupCode(code string) string {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
