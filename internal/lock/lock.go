// Package lock serializes pipeline runs against the same target using a
// Redis key per target.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/analytics-ingest/internal/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another holder owns the lock.
var ErrLocked = errors.New("lock held by another run")

// ErrNotHeld is returned when releasing or extending a lease that expired or
// was taken over.
var ErrNotHeld = errors.New("lock not held")

const (
	keyPrefix = "analytics-ingest:lock:"

	// DefaultTTL bounds how long a crashed holder blocks the target.
	DefaultTTL = 30 * time.Minute

	// DefaultRetryInterval is the poll interval used by Acquire.
	DefaultRetryInterval = 2 * time.Second
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker hands out target leases.
type Locker struct {
	client        redis.UniversalClient
	ttl           time.Duration
	retryInterval time.Duration
}

// NewLocker creates a Locker. Zero durations fall back to the defaults.
func NewLocker(client redis.UniversalClient, ttl, retryInterval time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	return &Locker{
		client:        client,
		ttl:           ttl,
		retryInterval: retryInterval,
	}
}

// Lease is a held lock.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Key returns the Redis key backing the lease.
func (l *Lease) Key() string {
	return l.key
}

// TargetKey returns the Redis key for a target.
func TargetKey(target string) string {
	return keyPrefix + "target:" + target
}

// TryAcquire takes the lock for target once, returning ErrLocked if it is held.
func (l *Locker) TryAcquire(ctx context.Context, target string) (*Lease, error) {
	key := TargetKey(target)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("TryAcquire: setting %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("TryAcquire: %s: %w", key, ErrLocked)
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// Acquire retries TryAcquire until it succeeds, maxWait elapses or ctx is done.
// A zero maxWait tries exactly once.
func (l *Locker) Acquire(ctx context.Context, target string, maxWait time.Duration) (*Lease, error) {
	deadline := time.Now().Add(maxWait)
	for {
		lease, err := l.TryAcquire(ctx, target)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrLocked) || !time.Now().Before(deadline) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("Acquire: %w", ctx.Err())
		case <-time.After(l.retryInterval):
		}
	}
}

// Release deletes the lock if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.locker.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("Release: %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("Release: %s: %w", l.key, ErrNotHeld)
	}
	return nil
}

// Extend resets the lease TTL if this lease still owns the lock.
func (l *Lease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.locker.client, []string{l.key}, l.token, l.locker.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("Extend: %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("Extend: %s: %w", l.key, ErrNotHeld)
	}
	return nil
}

// KeepAlive extends the lease every third of its TTL until ctx is done.
// It stops early once the lease is lost.
func (l *Lease) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(l.locker.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Extend(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				log := logger.FromContext(ctx)
				log.Warn().Err(err).Str("key", l.key).Msg("Failed to extend lock")
				if errors.Is(err, ErrNotHeld) {
					return
				}
			}
		}
	}
}
