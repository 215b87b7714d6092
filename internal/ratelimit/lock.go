package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "workspace:lock:"

// Deletes the key only while it still carries the holder's token.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// ErrLockHeld is returned when another holder owns the key.
var ErrLockHeld = errors.New("lock held")

// Locker hands out short-lived exclusive leases on Redis keys.
type Locker struct {
	client *redis.Client
	unlock *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client, unlock: redis.NewScript(unlockScript)}
}

// Lease is a held lock. It expires on its own after the ttl given to Acquire.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

func LockKey(name string) string {
	return lockKeyPrefix + name
}

// Acquire takes the lock on name or returns ErrLockHeld.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("lock client not configured")
	}
	if name == "" || ttl <= 0 {
		return nil, errors.New("lock name and positive ttl required")
	}

	lease := &Lease{locker: l, key: LockKey(name), token: uuid.NewString()}
	ok, err := l.client.SetNX(ctx, lease.key, lease.token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return lease, nil
}

// Release drops the lease. Releasing after expiry, or after another holder
// took the key, leaves the key alone.
func (lease *Lease) Release(ctx context.Context) error {
	if lease == nil {
		return nil
	}
	return lease.locker.unlock.Run(ctx, lease.locker.client, []string{lease.key}, lease.token).Err()
}
