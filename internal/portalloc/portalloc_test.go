package portalloc

import (
	"context"
	"sync"
	"testing"

	"github.com/newellz2/lxrmq-go/internal/kvlock"
	"github.com/newellz2/lxrmq-go/internal/model"
)

type fakeLister struct {
	instances []model.Instance
}

func (f *fakeLister) List(context.Context) ([]model.Instance, error) {
	return f.instances, nil
}

func newTestAllocator(t *testing.T, lister LiveInstanceLister) *Allocator {
	t.Helper()
	return New(Config{
		KV:        kvlock.NewFakeClient(),
		LockName:  "ports",
		Start:     9000,
		End:       9004,
		Instances: lister,
	})
}

func TestReserveAscendingFromEmptyRange(t *testing.T) {
	a := newTestAllocator(t, &fakeLister{})
	got, err := a.Reserve(context.Background(), 2)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	want := []int{9000, 9001}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Reserve() = %v, want %v", got, want)
	}
}

func TestReserveSkipsAllocatedPorts(t *testing.T) {
	lister := &fakeLister{instances: []model.Instance{
		{Devices: map[string]model.Device{
			"eth0": {Type: "proxy", Listen: "tcp:0.0.0.0:9000"},
		}},
	}}
	a := newTestAllocator(t, lister)
	got, err := a.Reserve(context.Background(), 1)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(got) != 1 || got[0] != 9001 {
		t.Fatalf("Reserve() = %v, want [9001] (9000 is allocated)", got)
	}
}

func TestReserveSkipsPendingPorts(t *testing.T) {
	a := newTestAllocator(t, &fakeLister{})
	ctx := context.Background()

	first, err := a.Reserve(ctx, 1)
	if err != nil || len(first) != 1 || first[0] != 9000 {
		t.Fatalf("first Reserve() = %v, err=%v", first, err)
	}

	second, err := a.Reserve(ctx, 1)
	if err != nil {
		t.Fatalf("second Reserve: %v", err)
	}
	if len(second) != 1 || second[0] != 9001 {
		t.Fatalf("second Reserve() = %v, want [9001] (9000 still pending)", second)
	}
}

func TestReserveShortWhenRangeExhausted(t *testing.T) {
	a := newTestAllocator(t, &fakeLister{})
	ctx := context.Background()

	got, err := a.Reserve(ctx, 5)
	if err != nil || len(got) != 5 {
		t.Fatalf("Reserve(5) = %v, err=%v", got, err)
	}

	short, err := a.Reserve(ctx, 1)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(short) != 0 {
		t.Fatalf("expected a short (empty) reservation once the range is exhausted, got %v", short)
	}
}

func TestReleasePendingMovesPortBackToAvailable(t *testing.T) {
	a := newTestAllocator(t, &fakeLister{})
	ctx := context.Background()

	reserved, err := a.Reserve(ctx, 1)
	if err != nil || len(reserved) != 1 {
		t.Fatalf("Reserve: %v, %v", reserved, err)
	}
	port := reserved[0]

	if err := a.ReleasePending(ctx, port); err != nil {
		t.Fatalf("ReleasePending: %v", err)
	}

	pending, err := a.PendingSnapshot(ctx)
	if err != nil {
		t.Fatalf("PendingSnapshot: %v", err)
	}
	if _, ok := pending[itoa(port)]; ok {
		t.Fatalf("port %d still pending after release", port)
	}

	again, err := a.Reserve(ctx, 1)
	if err != nil || len(again) != 1 || again[0] != port {
		t.Fatalf("Reserve after release = %v, want [%d]", again, port)
	}
}

func TestReleasePendingIsIdempotent(t *testing.T) {
	a := newTestAllocator(t, &fakeLister{})
	ctx := context.Background()
	if err := a.ReleasePending(ctx, 9000); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := a.ReleasePending(ctx, 9000); err != nil {
		t.Fatalf("second release on an absent key must not error: %v", err)
	}
}

func TestReserveConcurrentCallersNeverCollide(t *testing.T) {
	a := newTestAllocator(t, &fakeLister{})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int]int{}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := a.Reserve(ctx, 1)
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			mu.Lock()
			for _, p := range got {
				seen[p]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	for port, count := range seen {
		if count != 1 {
			t.Errorf("port %d reserved %d times, want exactly once", port, count)
		}
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 distinct reserved ports, got %d: %v", len(seen), seen)
	}
}

func TestRestoreAvailableOverwritesRecord(t *testing.T) {
	a := newTestAllocator(t, &fakeLister{})
	ctx := context.Background()
	if err := a.RestoreAvailable(ctx, []int{9003, 9004}); err != nil {
		t.Fatalf("RestoreAvailable: %v", err)
	}
	got, err := a.Reserve(ctx, 2)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(got) != 2 || got[0] != 9003 || got[1] != 9004 {
		t.Fatalf("Reserve() after restore = %v, want [9003 9004]", got)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
