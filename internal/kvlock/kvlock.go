// Package kvlock is a thin capability over a linearizable key-value store
// with a named, session-scoped advisory lock. Values are
// opaque byte strings; callers serialize structured data as JSON text.
package kvlock

import (
	"context"
	"errors"
	"time"

	"github.com/newellz2/lxrmq-go/internal/apierr"
)

// defaultLockTimeout bounds how long WithLock waits to acquire a lock when
// the caller's ctx carries no deadline of its own.
const defaultLockTimeout = 10 * time.Second

// Client is the KV surface the Port Allocator and Instance Service depend
// on. Implementations must surface transport failures as a distinct error
// (wrapped as *apierr.Error{Kind: apierr.KVUnavailable} by callers).
type Client interface {
	// Get returns (value, true) when key is present, or (nil, false) when
	// it is absent. Absent keys are not an error; callers treat them as
	// an empty record.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put writes value at key, replacing any prior value.
	Put(ctx context.Context, key string, value []byte) error
	// Lock returns the named advisory lock. Locks with the same name share
	// the same underlying mutual-exclusion domain across processes.
	Lock(name string) Lock
}

// Lock is an advisory, named, session-scoped primitive with a lease.
// Acquire blocks until held or the context is done; Release is idempotent.
type Lock interface {
	// Acquire blocks until the lock is held or ctx is done. Callers should
	// give ctx a bounded timeout (default 10s) and convert
	// context.DeadlineExceeded into apierr.LockTimeout.
	Acquire(ctx context.Context) error
	// Release releases the lock. It is safe to call on a lock that was
	// never successfully acquired or was already released.
	Release(ctx context.Context) error
}

// WithLock runs fn while name's lock is held, guaranteeing Release runs
// even if fn panics or returns an error. If ctx carries no deadline, a
// default timeout bounds the Acquire wait; a lock that cannot be acquired
// in time surfaces as apierr.LockTimeout, and any other Acquire failure
// surfaces as apierr.KVUnavailable.
func WithLock(ctx context.Context, c Client, name string, fn func(context.Context) error) error {
	acquireCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, defaultLockTimeout)
		defer cancel()
	}

	lock := c.Lock(name)
	if err := lock.Acquire(acquireCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apierr.Wrap(apierr.LockTimeout, err, "acquire lock %q", name)
		}
		return apierr.Wrap(apierr.KVUnavailable, err, "acquire lock %q", name)
	}
	defer lock.Release(ctx)
	return fn(ctx)
}
