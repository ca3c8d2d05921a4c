// Package discovery implements the Discovery Coordinator (spec §4.E): a
// per-kind single-flight cache over a driver-provided walk routine, so that
// overlapping callers within a TTL window share one expensive subprocess
// invocation instead of each paying for their own (spec §8 invariant 3).
//
// The double-checked-locking shape here (check cache, check in-flight, else
// do the work and fan the result out to waiters) mirrors the
// bsMu-guarded buildSettings cache in cmd/internal/preview/stream_manager.go
// ("ensureCompilerPathsExtracted calls extractCompilerPaths exactly once"),
// generalized from a single lazy value to a per-key cache with a TTL.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/mobiledevicelab/devicectl/internal/device"
)

// Kind identifies one of the four discovery lanes spec §4.E enumerates.
type Kind string

const (
	KindIOSSimulator   Kind = "ios-simulator"
	KindIOSPhysical    Kind = "ios-physical"
	KindAndroidEmu     Kind = "android-emulator"
	KindAndroidPhysical Kind = "android-physical"
)

// DefaultTTL returns the spec-mandated default cache TTL for kind: 1s for
// simctl/adb-devices walks, 3s for AVD filesystem walks.
func DefaultTTL(kind Kind) time.Duration {
	if kind == KindAndroidEmu {
		return 3 * time.Second
	}
	return time.Second
}

// WalkFunc performs the actual (possibly expensive) discovery subprocess
// call and parse for one kind. It is supplied by the driver; the
// Coordinator only knows how to schedule and cache calls to it.
type WalkFunc func(ctx context.Context) ([]*device.Record, error)

type result struct {
	records []*device.Record
	err     error
}

type entry struct {
	mu         sync.Mutex
	ttl        time.Duration
	lastWalkAt time.Time
	inFlight   bool
	waiters    []chan result
	cached     []*device.Record
}

// Coordinator holds one cache entry per kind. The zero value is not usable;
// use New.
type Coordinator struct {
	mu      sync.Mutex
	entries map[Kind]*entry
}

// New returns an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{entries: make(map[Kind]*entry)}
}

func (c *Coordinator) entryFor(kind Kind, ttl time.Duration) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[kind]
	if !ok {
		e = &entry{ttl: ttl}
		c.entries[kind] = e
	}
	return e
}

// Discover returns the current device list for kind, invoking walk at most
// once per TTL window. Concurrent callers within a single in-flight walk
// all receive the exact same result (slice and error), satisfying spec §8's
// "two concurrent callers of discover within one TTL observe object-equal
// result lists".
func (c *Coordinator) Discover(ctx context.Context, kind Kind, walk WalkFunc) ([]*device.Record, error) {
	e := c.entryFor(kind, DefaultTTL(kind))

	e.mu.Lock()
	if e.inFlight {
		ch := make(chan result, 1)
		e.waiters = append(e.waiters, ch)
		e.mu.Unlock()
		select {
		case r := <-ch:
			return r.records, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if !e.lastWalkAt.IsZero() && time.Since(e.lastWalkAt) <= e.ttl {
		records := e.cached
		e.mu.Unlock()
		return records, nil
	}

	e.inFlight = true
	e.mu.Unlock()

	records, err := walk(ctx)

	e.mu.Lock()
	e.inFlight = false
	if err == nil {
		e.cached = records
		e.lastWalkAt = time.Now()
	}
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()

	for _, ch := range waiters {
		ch <- result{records: records, err: err}
	}
	return records, err
}

// Invalidate forces the next Discover call for kind to perform a fresh
// walk, regardless of TTL. Used by the Android-AVD fsnotify watcher (see
// drivers/androidemu) to react to config.ini changes immediately instead of
// waiting out the 3s TTL.
func (c *Coordinator) Invalidate(kind Kind) {
	e := c.entryFor(kind, DefaultTTL(kind))
	e.mu.Lock()
	e.lastWalkAt = time.Time{}
	e.mu.Unlock()
}
