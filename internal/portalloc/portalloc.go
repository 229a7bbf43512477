// Package portalloc reserves and releases TCP ports from a configured
// range using two etcd-backed JSON records — available_ports and
// pending_ports — guarded by a named distributed lock.
//
// Port lifecycle:
//   - Reserve picks the first free ports in ascending order, moving them
//     from available into pending.
//   - ReleasePending removes a port from pending once the pipeline has
//     either bound it to a live instance or aborted; in the second case
//     the port goes back into available.
//   - RestoreAvailable overwrites available from an authoritative snapshot
//     (startup / recovery).
package portalloc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/newellz2/lxrmq-go/internal/apierr"
	"github.com/newellz2/lxrmq-go/internal/kvlock"
	"github.com/newellz2/lxrmq-go/internal/model"
)

const (
	keyAvailable = "available_ports"
	keyPending   = "pending_ports"
)

// LiveInstanceLister is the subset of hostdriver.Driver the allocator needs
// to compute the allocated set on demand.
type LiveInstanceLister interface {
	List(ctx context.Context) ([]model.Instance, error)
}

// PendingEntry is the value stored per pending port key.
type PendingEntry struct {
	ReservedAt int64 `json:"reserved_at"`
}

// Allocator reserves and releases TCP ports from [Start, End] (inclusive).
type Allocator struct {
	kv       kvlock.Client
	lockName string
	start    int
	end      int
	instances LiveInstanceLister
	now      func() int64
}

// Config configures a new Allocator.
type Config struct {
	KV        kvlock.Client
	LockName  string
	Start     int
	End       int
	Instances LiveInstanceLister
	// Now overrides time.Now().Unix() for deterministic tests. Optional.
	Now func() int64
}

// New builds an Allocator over [cfg.Start, cfg.End].
func New(cfg Config) *Allocator {
	return &Allocator{
		kv:        cfg.KV,
		lockName:  cfg.LockName,
		start:     cfg.Start,
		end:       cfg.End,
		instances: cfg.Instances,
		now:       cfg.Now,
	}
}

func (a *Allocator) nowUnix() int64 {
	if a.now != nil {
		return a.now()
	}
	return unixNow()
}

// Reserve reserves up to n ports and returns them in ascending order. It
// returns fewer than n (possibly zero) when the range does not have n free
// ports; callers must treat a short return as ResourceExhausted themselves
// — Reserve itself does not raise that error, since a short but non-empty
// reservation is still meaningful to some callers.
func (a *Allocator) Reserve(ctx context.Context, n int) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}

	var reserved []int
	err := kvlock.WithLock(ctx, a.kv, a.lockName, func(ctx context.Context) error {
		available, err := a.loadAvailable(ctx)
		if err != nil {
			return err
		}
		pending, err := a.loadPending(ctx)
		if err != nil {
			return err
		}
		allocated, err := a.loadAllocated(ctx)
		if err != nil {
			return err
		}

		free := freePorts(a.start, a.end, available, pending, allocated)
		sort.Ints(free)

		count := n
		if len(free) < count {
			count = len(free)
		}
		reserved = append([]int{}, free[:count]...)

		availSet := toSet(available)
		reservedAt := a.nowUnix()
		for _, p := range reserved {
			pending[fmt.Sprintf("%d", p)] = PendingEntry{ReservedAt: reservedAt}
			delete(availSet, p)
		}

		if err := a.savePending(ctx, pending); err != nil {
			return err
		}
		if err := a.saveAvailable(ctx, fromSet(availSet)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Ints("ports", reserved).Int("requested", n).Msg("portalloc: reserved")
	return reserved, nil
}

// ReleasePending removes port from pending. A port that is not on any live
// instance (the pipeline aborted) is put back into available; a port that
// is now on a live instance stays out of it. Absent key is a no-op, making
// it safe to call twice for the same port.
func (a *Allocator) ReleasePending(ctx context.Context, port int) error {
	return kvlock.WithLock(ctx, a.kv, a.lockName, func(ctx context.Context) error {
		pending, err := a.loadPending(ctx)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%d", port)
		if _, ok := pending[key]; !ok {
			return nil
		}
		delete(pending, key)
		if err := a.savePending(ctx, pending); err != nil {
			return err
		}

		allocated, err := a.loadAllocated(ctx)
		if err != nil {
			return err
		}
		if toSet(allocated)[port] {
			return nil
		}
		available, err := a.loadAvailable(ctx)
		if err != nil {
			return err
		}
		availSet := toSet(available)
		availSet[port] = true
		return a.saveAvailable(ctx, fromSet(availSet))
	})
}

// RestoreAvailable overwrites the available record from an authoritative
// snapshot, for startup/recovery tooling.
func (a *Allocator) RestoreAvailable(ctx context.Context, ports []int) error {
	return kvlock.WithLock(ctx, a.kv, a.lockName, func(ctx context.Context) error {
		return a.saveAvailable(ctx, append([]int{}, ports...))
	})
}

// PendingSnapshot returns a read-only copy of the pending record. No lock
// is held while reading, so a caller may observe a stale but internally
// consistent value.
func (a *Allocator) PendingSnapshot(ctx context.Context) (map[string]PendingEntry, error) {
	return a.loadPending(ctx)
}

// AvailableSnapshot returns a read-only copy of the available record.
func (a *Allocator) AvailableSnapshot(ctx context.Context) ([]int, error) {
	return a.loadAvailable(ctx)
}

// --- internals (must be called only inside the lock except the snapshot
// accessors above, which are read-only and tolerate staleness) -----------

func (a *Allocator) loadAvailable(ctx context.Context) ([]int, error) {
	raw, ok, err := a.kv.Get(ctx, keyAvailable)
	if err != nil {
		return nil, apierr.Wrap(apierr.KVUnavailable, err, "get %s", keyAvailable)
	}
	if !ok {
		// Missing record: treat as the full range minus allocated/pending.
		allocated, err := a.loadAllocated(ctx)
		if err != nil {
			return nil, err
		}
		pending, err := a.loadPending(ctx)
		if err != nil {
			return nil, err
		}
		return freePorts(a.start, a.end, fullRange(a.start, a.end), pending, allocated), nil
	}
	var ports []int
	if err := json.Unmarshal(raw, &ports); err != nil {
		return nil, apierr.Wrap(apierr.KVUnavailable, err, "decode %s", keyAvailable)
	}
	return ports, nil
}

func (a *Allocator) loadPending(ctx context.Context) (map[string]PendingEntry, error) {
	raw, ok, err := a.kv.Get(ctx, keyPending)
	if err != nil {
		return nil, apierr.Wrap(apierr.KVUnavailable, err, "get %s", keyPending)
	}
	if !ok {
		return map[string]PendingEntry{}, nil
	}
	pending := map[string]PendingEntry{}
	if err := json.Unmarshal(raw, &pending); err != nil {
		return nil, apierr.Wrap(apierr.KVUnavailable, err, "decode %s", keyPending)
	}
	return pending, nil
}

func (a *Allocator) loadAllocated(ctx context.Context) ([]int, error) {
	if a.instances == nil {
		return nil, nil
	}
	instances, err := a.instances.List(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.DriverError, err, "list instances for allocated-port accounting")
	}
	var ports []int
	for _, inst := range instances {
		for _, dev := range inst.Devices {
			if p, ok := dev.ListenPort(); ok {
				ports = append(ports, p)
			}
		}
	}
	return ports, nil
}

func (a *Allocator) saveAvailable(ctx context.Context, ports []int) error {
	sort.Ints(ports)
	raw, err := json.Marshal(ports)
	if err != nil {
		return apierr.Wrap(apierr.KVUnavailable, err, "encode %s", keyAvailable)
	}
	if err := a.kv.Put(ctx, keyAvailable, raw); err != nil {
		return apierr.Wrap(apierr.KVUnavailable, err, "put %s", keyAvailable)
	}
	return nil
}

func (a *Allocator) savePending(ctx context.Context, pending map[string]PendingEntry) error {
	raw, err := json.Marshal(pending)
	if err != nil {
		return apierr.Wrap(apierr.KVUnavailable, err, "encode %s", keyPending)
	}
	if err := a.kv.Put(ctx, keyPending, raw); err != nil {
		return apierr.Wrap(apierr.KVUnavailable, err, "put %s", keyPending)
	}
	return nil
}

// freePorts computes available − allocated − pending-keys, restricted to
// [start, end].
func freePorts(start, end int, available []int, pending map[string]PendingEntry, allocated []int) []int {
	pendingSet := map[int]bool{}
	for k := range pending {
		p := 0
		for _, r := range k {
			if r < '0' || r > '9' {
				p = -1
				break
			}
			p = p*10 + int(r-'0')
		}
		if p >= 0 {
			pendingSet[p] = true
		}
	}
	allocatedSet := toSet(allocated)

	var out []int
	for _, p := range available {
		if p < start || p > end {
			continue
		}
		if pendingSet[p] || allocatedSet[p] {
			continue
		}
		out = append(out, p)
	}
	return out
}

func fullRange(start, end int) []int {
	out := make([]int, 0, end-start+1)
	for p := start; p <= end; p++ {
		out = append(out, p)
	}
	return out
}

func toSet(ports []int) map[int]bool {
	m := make(map[int]bool, len(ports))
	for _, p := range ports {
		m[p] = true
	}
	return m
}

func fromSet(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
