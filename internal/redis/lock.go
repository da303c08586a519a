package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockLost is the cancel cause seen by a holder whose key expired or
	// was taken over before it finished.
	ErrLockLost = errors.New("lock lost")
)

// Locker guards a critical section identified by key. Implementations must
// refuse immediately instead of waiting when the key is already held.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// BookingKey serialises capacity check and create for one clinic specialty.
func BookingKey(clinicID, specialtyID uuid.UUID) string {
	return fmt.Sprintf("lock:booking:%s:%s", clinicID, specialtyID)
}

// ClosingKey serialises the day-closing batch for one clinic-day.
func ClosingKey(clinicID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("lock:closing:%s:%s", clinicID, day.Format("2006-01-02"))
}

type redisLocker struct {
	client  *redis.Client
	ttl     time.Duration
	maxHold time.Duration
}

// NewRedisLocker creates a locker that uses one Redis key per critical
// section. The key expires after ttl unless the holder is still working, in
// which case it is renewed every ttl/2. fn runs with a deadline of maxHold.
func NewRedisLocker(client *redis.Client, ttl, maxHold time.Duration) Locker {
	if maxHold < ttl {
		maxHold = ttl
	}
	return &redisLocker{
		client:  client,
		ttl:     ttl,
		maxHold: maxHold,
	}
}

func (l *redisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		// release on a fresh context so a cancelled request still frees the key
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = l.release(releaseCtx, key, token)
	}()

	holdCtx, cancelHold := context.WithTimeout(ctx, l.maxHold)
	defer cancelHold()
	workCtx, lose := context.WithCancelCause(holdCtx)
	defer lose(nil)

	stopRenew := keepAlive(workCtx, l.ttl/2, func(ctx context.Context) (bool, error) {
		return l.extend(ctx, key, token)
	}, lose)
	defer stopRenew()

	return fn(workCtx)
}

// keepAlive calls renew every interval until ctx ends or the returned stop
// func is called. A renewal that reports the lock gone, or fails, cancels
// through lose with ErrLockLost.
func keepAlive(ctx context.Context, interval time.Duration, renew func(context.Context) (bool, error), lose context.CancelCauseFunc) (stop func()) {
	if interval <= 0 {
		interval = time.Millisecond
	}
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				held, err := renew(ctx)
				if err != nil {
					lose(fmt.Errorf("%w: %w", ErrLockLost, err))
					return
				}
				if !held {
					lose(ErrLockLost)
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

func (l *redisLocker) extend(ctx context.Context, key, token string) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", key, err)
	}
	return n == 1, nil
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// NopLocker runs fn without any coordination. Used when a single API
// instance is deployed without Redis and in tests.
type NopLocker struct{}

func (NopLocker) WithLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
