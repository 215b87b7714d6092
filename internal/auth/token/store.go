// Package token stores short-lived, single-use secrets in Redis. Raw token
// values are never written; entries are keyed by their SHA-256 digest.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Purpose namespaces tokens so one flow can never redeem another flow's token.
type Purpose string

const (
	PurposePasswordReset     Purpose = "password_reset"
	PurposeMagicLink         Purpose = "magic_link"
	PurposeSignInOTP         Purpose = "sign_in_otp"
	PurposeTwoFactor         Purpose = "two_factor"
	PurposeTwoFactorOTP      Purpose = "two_factor_otp"
	PurposeOAuthState        Purpose = "oauth_state"
	PurposePasskeyCeremony   Purpose = "passkey_ceremony"
	PurposeEmailVerification Purpose = "email_verification"
	PurposeTrustedDevice     Purpose = "trusted_device"
)

const (
	keyPrefix      = "auth:token:%s:%s"
	attemptsPrefix = "auth:attempts:%s:%s"
	rawTokenBytes  = 32
)

var (
	ErrNotFound        = errors.New("token_not_found")
	ErrTooManyAttempts = errors.New("too_many_attempts")
	ErrUnavailable     = errors.New("token_store_unavailable")
	ErrCodeMismatch    = errors.New("code_mismatch")
)

type storedCode struct {
	Code string `json:"code"`
}

type Store struct {
	client redis.Cmdable
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// NewRaw returns a URL-safe random token.
func NewRaw() (string, error) {
	buf := make([]byte, rawTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewNumericCode returns a zero padded decimal code of the given length.
func NewNumericCode(digits int) (string, error) {
	if digits <= 0 {
		digits = 6
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// Hash is the digest used as the storage key for a raw token.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

// Equal compares two secrets in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Issue creates a fresh raw token bound to value and returns it.
func (s *Store) Issue(ctx context.Context, purpose Purpose, value any, ttl time.Duration) (string, error) {
	raw, err := NewRaw()
	if err != nil {
		return "", err
	}
	if err := s.Put(ctx, purpose, raw, value, ttl); err != nil {
		return "", err
	}
	return raw, nil
}

// Put stores value under the digest of raw.
func (s *Store) Put(ctx context.Context, purpose Purpose, raw string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("token ttl must be positive")
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key(purpose, raw), payload, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get reads the value without consuming it.
func (s *Store) Get(ctx context.Context, purpose Purpose, raw string, dst any) error {
	payload, err := s.client.Get(ctx, key(purpose, raw)).Bytes()
	return decode(payload, err, dst)
}

// Consume atomically reads and deletes the value, so a token redeems once.
func (s *Store) Consume(ctx context.Context, purpose Purpose, raw string, dst any) error {
	payload, err := s.client.GetDel(ctx, key(purpose, raw)).Bytes()
	if err == nil {
		_ = s.client.Del(ctx, attemptsKey(purpose, raw)).Err()
	}
	return decode(payload, err, dst)
}

func (s *Store) Delete(ctx context.Context, purpose Purpose, raw string) error {
	if err := s.client.Del(ctx, key(purpose, raw), attemptsKey(purpose, raw)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RecordFailure counts a failed redemption attempt. Once max failures are
// reached the token is deleted and ErrTooManyAttempts is returned.
func (s *Store) RecordFailure(ctx context.Context, purpose Purpose, raw string, maxAttempts int, window time.Duration) error {
	k := attemptsKey(purpose, raw)
	count, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 1 && window > 0 {
		_ = s.client.PExpire(ctx, k, window).Err()
	}
	if maxAttempts > 0 && count >= int64(maxAttempts) {
		_ = s.client.Del(ctx, key(purpose, raw), k).Err()
		return ErrTooManyAttempts
	}
	return nil
}

// IssueCode stores a fresh numeric code under key, replacing any previous
// code and its failure count.
func (s *Store) IssueCode(ctx context.Context, purpose Purpose, key string, digits int, ttl time.Duration) (string, error) {
	code, err := NewNumericCode(digits)
	if err != nil {
		return "", err
	}
	if err := s.Put(ctx, purpose, key, storedCode{Code: code}, ttl); err != nil {
		return "", err
	}
	_ = s.client.Del(ctx, attemptsKey(purpose, key)).Err()
	return code, nil
}

// VerifyCode consumes the code stored under key when it matches. Mismatches
// count toward maxAttempts within window; the code is discarded once the
// limit is reached.
func (s *Store) VerifyCode(ctx context.Context, purpose Purpose, key, code string, maxAttempts int, window time.Duration) error {
	var stored storedCode
	if err := s.Get(ctx, purpose, key, &stored); err != nil {
		return err
	}
	if code == "" || !Equal(stored.Code, strings.TrimSpace(code)) {
		if err := s.RecordFailure(ctx, purpose, key, maxAttempts, window); err != nil {
			return err
		}
		return ErrCodeMismatch
	}
	return s.Consume(ctx, purpose, key, nil)
}

func decode(payload []byte, err error, dst any) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if dst == nil {
		return nil
	}
	return json.Unmarshal(payload, dst)
}

func key(purpose Purpose, raw string) string {
	return fmt.Sprintf(keyPrefix, purpose, Hash(raw))
}

func attemptsKey(purpose Purpose, raw string) string {
	return fmt.Sprintf(attemptsPrefix, purpose, Hash(raw))
}
