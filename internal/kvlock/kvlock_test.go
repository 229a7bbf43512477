package kvlock

import (
	"context"
	"testing"
	"time"

	"github.com/newellz2/lxrmq-go/internal/apierr"
)

func TestWithLockRunsFnWhileHeld(t *testing.T) {
	c := NewFakeClient()
	ran := false
	err := WithLock(context.Background(), c, "name", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if !ran {
		t.Fatal("fn was not called")
	}
}

func TestWithLockReleasesOnFnError(t *testing.T) {
	c := NewFakeClient()
	boom := apierr.New(apierr.ValidationError, "boom")
	err := WithLock(context.Background(), c, "name", func(ctx context.Context) error {
		return boom
	})
	if err != boom {
		t.Fatalf("WithLock err = %v, want %v", err, boom)
	}

	// The lock must have been released: a second WithLock call should not
	// block.
	ran := false
	if err := WithLock(context.Background(), c, "name", func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("WithLock after prior failure: %v", err)
	}
	if !ran {
		t.Fatal("lock was not released after fn returned an error")
	}
}

func TestWithLockRespectsCallerDeadlineAndTranslatesDeadlineExceeded(t *testing.T) {
	c := NewFakeClient()
	held := c.Lock("busy")
	if err := held.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release(context.Background())

	// A caller-supplied deadline is honored as-is; WithLock must not
	// override it with the (longer) 10s default.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := WithLock(ctx, c, "busy", func(context.Context) error { return nil })
	if time.Since(start) > time.Second {
		t.Fatalf("WithLock took %v, want it to respect the caller's short deadline", time.Since(start))
	}

	kind, _ := apierr.KindOf(err)
	if kind != apierr.LockTimeout {
		t.Fatalf("KindOf(err) = %v, want LockTimeout", kind)
	}
}
