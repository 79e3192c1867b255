// Package lock provides per-identity mutual exclusion on Redis.
package lock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a crashed holder can block an identity.
const DefaultTTL = 120 * time.Second

const keyPrefix = "lock:user:"

// releaseScript deletes the key only while it still holds our token, so a
// holder whose lock expired cannot delete its successor's lock.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// extendScript resets the TTL only while the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Handle identifies one successful acquisition.
type Handle struct {
	IdentityID int64
	key        string
	token      string
}

// Locker acquires and releases identity locks.
type Locker struct {
	client *redis.Client
}

func New(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// TryAcquire sets the lock if it is absent. It never waits: a held lock
// returns (nil, false, nil).
func (l *Locker) TryAcquire(ctx context.Context, identityID int64, ttl time.Duration) (*Handle, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	h := &Handle{
		IdentityID: identityID,
		key:        Key(identityID),
		token:      uuid.NewString(),
	}

	ok, err := l.client.SetNX(ctx, h.key, h.token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock for identity %d: %w", identityID, err)
	}
	if !ok {
		return nil, false, nil
	}
	return h, true, nil
}

// Release drops the lock held by h. A nil handle, an expired lock or a lock
// now owned by someone else is left alone.
func (l *Locker) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{h.key}, h.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock for identity %d: %w", h.IdentityID, err)
	}
	return nil
}

// Extend pushes the expiry of a held lock out to ttl from now. It reports
// false when the lock has expired or changed hands, in which case the caller
// no longer owns the identity.
func (l *Locker) Extend(ctx context.Context, h *Handle, ttl time.Duration) (bool, error) {
	if h == nil {
		return false, nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	n, err := extendScript.Run(ctx, l.client, []string{h.key}, h.token, ttl.Milliseconds()).Int64()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("extend lock for identity %d: %w", h.IdentityID, err)
	}
	return n == 1, nil
}

// Key returns the Redis key guarding identityID.
func Key(identityID int64) string {
	return keyPrefix + strconv.FormatInt(identityID, 10)
}
