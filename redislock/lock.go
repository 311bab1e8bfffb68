/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package redislock provides Redis-backed mutual exclusion for the scoring and
// webhook jobs. A lock is identified by a key and owned by a random token, not
// by the acquiring goroutine, so it can be released from a different execution
// context than the one that acquired it. Failing to acquire is never an error:
// it is the normal "someone else is already working on this" signal, and every
// caller provides a fallback. The TTL is the final safety net if a holder
// crashes without unlocking.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the lock only if it is still owned by the given token,
// so a caller whose lock expired cannot release a successor's lock.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// acquirePollInterval is how often blocked acquirers re-attempt SETNX.
const acquirePollInterval = 50 * time.Millisecond

// ErrNotHeld is returned by Unlock when the lock was not held by the given
// token, typically because the TTL expired and another caller took over.
var ErrNotHeld = errors.New("lock not held by this token")

// Held is an acquired lock: the key plus the owning token. It is a plain
// value so it can cross goroutine and channel boundaries.
type Held struct {
	Key   string
	Token string
}

// Service provides token-owned locks on a shared Redis.
type Service struct {
	client redis.UniversalClient
	prefix string
}

// New creates a lock service. All lock keys are namespaced under the given
// prefix so they cannot collide with bucket or stream keys on the same Redis.
func New(client redis.UniversalClient, prefix string) *Service {
	return &Service{
		client: client,
		prefix: prefix,
	}
}

func (s *Service) key(key string) string {
	return s.prefix + ":" + key
}

// TryLock makes a single acquisition attempt. It returns the held lock and
// true on success, or nil and false when someone else holds the key.
func (s *Service) TryLock(ctx context.Context, key string, ttl time.Duration) (*Held, bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.key(key), token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring lock %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Held{Key: key, Token: token}, true, nil
}

// Lock acquires the key, polling until it succeeds or ctx is done. Callers
// bound the wait through the context deadline.
func (s *Service) Lock(ctx context.Context, key string, ttl time.Duration) (*Held, error) {
	for {
		held, ok, err := s.TryLock(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return held, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

// Unlock releases a held lock. Returns ErrNotHeld if the token no longer owns
// the key.
func (s *Service) Unlock(ctx context.Context, held *Held) error {
	n, err := unlockScript.Run(ctx, s.client, []string{s.key(held.Key)}, held.Token).Int()
	if err != nil {
		return fmt.Errorf("releasing lock %q: %w", held.Key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Locked reports whether the key is currently held by anyone.
func (s *Service) Locked(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("checking lock %q: %w", key, err)
	}
	return n > 0, nil
}

// ExecuteWithLock runs action while holding the key and releases it on
// completion or error. Acquisition waits (bounded by ctx); the action runs
// with the caller's context.
func ExecuteWithLock[T any](ctx context.Context, s *Service, key string, ttl time.Duration, action func(context.Context) (T, error)) (T, error) {
	var zero T

	held, err := s.Lock(ctx, key, ttl)
	if err != nil {
		return zero, err
	}
	defer func() {
		// Release on a fresh context so shutdown cannot strand the lock;
		// expiry would free it anyway, but later callers shouldn't wait for TTL.
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.Unlock(unlockCtx, held); err != nil && !errors.Is(err, ErrNotHeld) {
			clog.FromContext(ctx).With("key", key).With("error", err).
				Warn("Failed to release lock")
		}
	}()

	return action(ctx)
}

// BestEffort attempts to acquire the key within lockWait. If acquired, main
// runs under actionTimeout and the lock is released afterwards. If the key is
// contended for the whole wait window, fallback runs immediately instead; the
// second caller always loses gracefully, it never queues behind the first.
func BestEffort[T any](ctx context.Context, s *Service, key string, ttl time.Duration, main, fallback func(context.Context) (T, error), actionTimeout, lockWait time.Duration) (T, error) {
	var zero T

	waitCtx, cancelWait := context.WithTimeout(ctx, lockWait)
	held, err := s.Lock(waitCtx, key, ttl)
	cancelWait()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// Contended: not an error, someone else is handling it.
			clog.FromContext(ctx).With("key", key).
				Debug("Lock contended, running fallback")
			return fallback(ctx)
		}
		return zero, err
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.Unlock(unlockCtx, held); err != nil && !errors.Is(err, ErrNotHeld) {
			clog.FromContext(ctx).With("key", key).With("error", err).
				Warn("Failed to release lock")
		}
	}()

	actionCtx, cancelAction := context.WithTimeout(ctx, actionTimeout)
	defer cancelAction()
	return main(actionCtx)
}
