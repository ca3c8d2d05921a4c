// Package registry implements the Top-level Registry (spec §4.H): it loads
// drivers, calls each one's discovery method in parallel through the shared
// Discovery Coordinator, de-duplicates devices by id across drivers, and
// exposes the public surface spec §6 describes (discover/getDevicesWithName/
// getDeviceWithId). It also owns one Lifecycle Orchestrator per driver and
// routes a device's guarded operations to the orchestrator for the driver
// that discovered it.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mobiledevicelab/devicectl/internal/device"
	"github.com/mobiledevicelab/devicectl/internal/discovery"
	"github.com/mobiledevicelab/devicectl/internal/driver"
	"github.com/mobiledevicelab/devicectl/internal/lifecycle"
	"github.com/mobiledevicelab/devicectl/internal/session"
)

// Binding pairs a concrete driver with the discovery lane (spec §4.E Kind)
// its walk should be cached under.
type Binding struct {
	Kind   discovery.Kind
	Driver driver.Driver
}

// Registry is the process-wide device catalog. The zero value is not
// usable; use New.
type Registry struct {
	bindings     []Binding
	orchestrators map[string]*lifecycle.Orchestrator // keyed by driver.Platform()
	coordinator  *discovery.Coordinator

	mu              sync.RWMutex
	devices         map[string]*device.Record
	driverForDevice map[string]driver.Driver
}

// New validates and registers bindings (spec §4.G: "A driver registration is
// rejected at load time if any required capability is absent"), and
// constructs one Lifecycle Orchestrator per driver using sessionTTL.
func New(bindings []Binding, sessionTTL time.Duration) (*Registry, error) {
	orchestrators := make(map[string]*lifecycle.Orchestrator, len(bindings))
	for _, b := range bindings {
		if err := driver.Validate(b.Driver); err != nil {
			return nil, err
		}
		orchestrators[b.Driver.Platform()] = lifecycle.New(b.Driver, session.NewRegistry(sessionTTL))
	}
	return &Registry{
		bindings:        bindings,
		orchestrators:   orchestrators,
		coordinator:     discovery.New(),
		devices:         make(map[string]*device.Record),
		driverForDevice: make(map[string]driver.Driver),
	}, nil
}

// Discover calls every registered driver's discovery method in parallel
// (through the shared single-flight Coordinator, so overlapping Discover
// calls within a kind's TTL share one walk), merges new devices into the
// catalog keyed by id, and returns the full current device list.
func (r *Registry) Discover(ctx context.Context, onlyAvailable bool) ([]*device.Record, error) {
	type outcome struct {
		drv     driver.Driver
		records []*device.Record
		err     error
	}

	results := make(chan outcome, len(r.bindings))
	var wg sync.WaitGroup
	for _, b := range r.bindings {
		wg.Add(1)
		go func(b Binding) {
			defer wg.Done()
			walk := func(ctx context.Context) ([]*device.Record, error) {
				if onlyAvailable {
					return b.Driver.DiscoverAvailable(ctx)
				}
				return b.Driver.DiscoverAll(ctx)
			}
			records, err := r.coordinator.Discover(ctx, b.Kind, walk)
			results <- outcome{drv: b.Driver, records: records, err: err}
		}(b)
	}
	wg.Wait()
	close(results)

	r.mu.Lock()
	defer r.mu.Unlock()
	for o := range results {
		if o.err != nil {
			slog.Warn("driver discovery failed", "platform", o.drv.Platform(), "err", o.err)
			continue
		}
		for _, rec := range o.records {
			if _, exists := r.devices[rec.ID()]; !exists {
				r.devices[rec.ID()] = rec
				r.driverForDevice[rec.ID()] = o.drv
			}
		}
	}

	merged := make([]*device.Record, 0, len(r.devices))
	for _, rec := range r.devices {
		merged = append(merged, rec)
	}
	return merged, nil
}

// GetDevicesWithName returns every currently known device whose discovered
// name equals name.
func (r *Registry) GetDevicesWithName(name string) []*device.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*device.Record
	for _, rec := range r.devices {
		if rec.Snapshot().Name == name {
			out = append(out, rec)
		}
	}
	return out
}

// GetDeviceWithID returns the device with the given id, or nil if unknown.
func (r *Registry) GetDeviceWithID(id string) *device.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[id]
}

// OrchestratorFor returns the Lifecycle Orchestrator responsible for rec —
// the one bound to the driver that discovered it.
func (r *Registry) OrchestratorFor(rec *device.Record) (*lifecycle.Orchestrator, error) {
	r.mu.RLock()
	drv, ok := r.driverForDevice[rec.ID()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no driver known for device %s (call Discover first)", rec.ID())
	}
	return r.orchestrators[drv.Platform()], nil
}

// InvalidateDiscovery forces the next Discover call to re-walk kind
// immediately rather than waiting out its TTL. Used by drivers that watch
// their own backing store for changes (e.g. the Android emulator driver's
// fsnotify watch on $ANDROID_AVD_HOME).
func (r *Registry) InvalidateDiscovery(kind discovery.Kind) {
	r.coordinator.Invalidate(kind)
}

// GarbageCollectStorage is an opt-in helper (not run automatically — spec
// §3 says localStoragePath "persists for the process lifetime") that purges
// local/temp storage for any known, currently-idle device, grounded in the
// teacher's DevicePool.GarbageCollect meta-file-age sweep. Devices booted or
// locked are not purged, by PurgeLocalStorage's own guard; each of them adds
// an ErrStorageBusy error to the returned slice.
func (r *Registry) GarbageCollectStorage() []error {
	r.mu.RLock()
	devices := make([]*device.Record, 0, len(r.devices))
	for _, rec := range r.devices {
		devices = append(devices, rec)
	}
	r.mu.RUnlock()

	var errs []error
	for _, rec := range devices {
		orch, err := r.OrchestratorFor(rec)
		if err != nil {
			continue
		}
		if err := orch.PurgeLocalStorage(rec); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", rec.ID(), err))
		}
	}
	return errs
}
