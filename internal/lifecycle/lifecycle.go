// Package lifecycle implements the Lifecycle Orchestrator (spec §4.F): the
// guarded template that every mutating device operation passes through —
// session validation, lock ownership, state-machine admission, then
// delegation to the backend driver, then commit-or-revert.
//
// One Orchestrator is bound to a single driver.Driver; the top-level
// registry (package registry) owns one per configured driver and routes a
// device's operations to whichever Orchestrator discovered it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mobiledevicelab/devicectl/internal/device"
	"github.com/mobiledevicelab/devicectl/internal/driver"
	"github.com/mobiledevicelab/devicectl/internal/lockfile"
	"github.com/mobiledevicelab/devicectl/internal/session"
)

// ErrInvalidSession is returned whenever a caller-supplied token does not
// match the device's currentSession or has expired (spec §7 InvalidSession).
var ErrInvalidSession = errors.New("invalid session")

// ErrDeviceNotReady is returned when a boot is already in progress for a
// device and a second concurrent boot is attempted (spec §8 scenario S5).
var ErrDeviceNotReady = errors.New("device not ready: boot already in progress")

// ErrDeviceAlreadyBooted is returned when Boot is called on a device that is
// already Booted.
var ErrDeviceAlreadyBooted = errors.New("device already booted")

// ErrStorageBusy is returned by PurgeLocalStorage/PurgeTempStorage when the
// device is booted or locked by a live process (spec §4.F).
var ErrStorageBusy = errors.New("cannot purge storage: device is booted or locked")

// BootTimeoutError is returned when boot polling exhausts its attempt budget
// without observing a booted device (spec §7 BootTimeout).
type BootTimeoutError struct {
	DeviceID string
}

func (e *BootTimeoutError) Error() string {
	return fmt.Sprintf("boot timed out for device %s", e.DeviceID)
}

// LaunchFailedError wraps a backend "no activities found"-class failure
// (spec §7 LaunchFailed).
type LaunchFailedError struct {
	DeviceID string
	BundleID string
	Reason   string
}

func (e *LaunchFailedError) Error() string {
	return fmt.Sprintf("launch failed for %s on device %s: %s", e.BundleID, e.DeviceID, e.Reason)
}

// ArgumentError is returned for malformed operation arguments (spec §7
// ArgumentError).
type ArgumentError struct {
	Arg    string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("argument %s: %s", e.Arg, e.Reason)
}

// BootOptions customizes one Boot/Restart call. Zero values select the
// platform default policy (spec §4.F: iOS 10 attempts @ 1s + 3s settle;
// Android up to 180s of polling, no settle).
type BootOptions struct {
	MaxAttempts         int
	PollInterval        time.Duration
	PostBootSettleDelay time.Duration
}

func bootPolicy(os device.OS, opts BootOptions) (attempts int, interval, settle time.Duration) {
	attempts, interval, settle = 10, time.Second, 3*time.Second
	if os == device.Android {
		attempts, interval, settle = 90, 2*time.Second, 0
	}
	if opts.MaxAttempts > 0 {
		attempts = opts.MaxAttempts
	}
	if opts.PollInterval > 0 {
		interval = opts.PollInterval
	}
	if opts.PostBootSettleDelay > 0 {
		settle = opts.PostBootSettleDelay
	}
	return attempts, interval, settle
}

// Orchestrator guards and routes operations for every device discovered by
// one driver.
type Orchestrator struct {
	drv      driver.Driver
	sessions *session.Registry

	mu      sync.Mutex
	locks   map[string]*lockfile.File
	booting map[string]bool
}

// New constructs an Orchestrator for drv, backed by sessions for token
// bookkeeping.
func New(drv driver.Driver, sessions *session.Registry) *Orchestrator {
	return &Orchestrator{
		drv:      drv,
		sessions: sessions,
		locks:    make(map[string]*lockfile.File),
		booting:  make(map[string]bool),
	}
}

func (o *Orchestrator) lockFor(rec *device.Record) *lockfile.File {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[rec.ID()]
	if !ok {
		l = lockfile.New(rec.ID(), rec.LocalStoragePath())
		o.locks[rec.ID()] = l
	}
	return l
}

func (o *Orchestrator) verifySession(rec *device.Record, token string) error {
	if !o.sessions.CompareAndValidate(rec.CurrentSession(), token) {
		return ErrInvalidSession
	}
	return nil
}

func (o *Orchestrator) verifyLockHeldByThisProcess(rec *device.Record) error {
	held, err := o.lockFor(rec).IsHeldByThisProcess()
	if err != nil {
		return err
	}
	if !held {
		return &lockfile.ErrDeviceLocked{DeviceID: rec.ID()}
	}
	return nil
}

// StartSession acquires the device's lock and issues a session token for it
// (spec §2 data flow: "caller asks D.startSession → C issues a token and B
// acquires the file lock").
func (o *Orchestrator) StartSession(rec *device.Record) (string, error) {
	l := o.lockFor(rec)
	if err := l.Acquire(); err != nil {
		return "", err
	}
	token, err := o.sessions.Create(rec.ID())
	if err != nil {
		_ = l.Release()
		return "", err
	}
	rec.SetCurrentSession(token)
	return token, nil
}

// EndSession validates token, then destroys the session and releases the
// lock. Idempotence: startSession;endSession returns the device to an
// observably equivalent pre-call state (spec §8 round-trip law).
func (o *Orchestrator) EndSession(rec *device.Record, token string) error {
	if err := o.verifySession(rec, token); err != nil {
		return err
	}
	o.sessions.Destroy(token)
	rec.SetCurrentSession("")
	return o.lockFor(rec).Release()
}

// Boot boots rec. No active session is required, but the device must not be
// locked by another live process, and only one boot per device id may be in
// flight at a time (spec §8 scenario S5).
func (o *Orchestrator) Boot(ctx context.Context, rec *device.Record, opts BootOptions) error {
	if rec.State() == device.Booted {
		return ErrDeviceAlreadyBooted
	}

	o.mu.Lock()
	if o.booting[rec.ID()] {
		o.mu.Unlock()
		return ErrDeviceNotReady
	}
	o.booting[rec.ID()] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.booting, rec.ID())
		o.mu.Unlock()
	}()

	l := o.lockFor(rec)
	heldBySession, err := l.IsHeldByThisProcess()
	if err != nil {
		return err
	}
	if err := l.Acquire(); err != nil {
		return err
	}
	if !heldBySession {
		// No session already owns this lock, so nothing else will ever
		// release it — Boot acquired it itself and must give it back on
		// every exit path (spec §5: no in-process state may outlive a
		// single guarded operation).
		defer func() { _ = l.Release() }()
	}

	if err := rec.Apply(device.EventBoot, ""); err != nil {
		return err
	}
	if err := o.drv.Boot(ctx, rec); err != nil {
		_ = rec.Apply(device.EventBootFail, "")
		return err
	}
	return o.awaitBooted(ctx, rec, opts)
}

// awaitBooted polls the driver's isBooted until it succeeds, exhausts its
// attempt budget, or ctx is canceled, then observes the post-boot settle
// delay and commits the transition. Shared by Boot and Restart.
func (o *Orchestrator) awaitBooted(ctx context.Context, rec *device.Record, opts BootOptions) error {
	attempts, interval, settle := bootPolicy(rec.OS(), opts)

	booted := false
	for i := 0; i < attempts; i++ {
		ok, err := o.drv.IsBooted(ctx, rec)
		if err == nil && ok {
			booted = true
			break
		}
		if i == attempts-1 {
			break // the final attempt's result governs the outcome (spec §8 boundary law)
		}
		select {
		case <-ctx.Done():
			_ = rec.Apply(device.EventBootFail, "")
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	if !booted {
		_ = rec.Apply(device.EventBootFail, "")
		return &BootTimeoutError{DeviceID: rec.ID()}
	}

	if settle > 0 {
		select {
		case <-time.After(settle):
		case <-ctx.Done():
			_ = rec.Apply(device.EventBootFail, "")
			return ctx.Err()
		}
	}

	if refreshed, err := o.drv.FindByID(ctx, rec.ID()); err == nil && refreshed != nil {
		snap := refreshed.Snapshot()
		rec.UpdateMetrics(snap.Name, snap.SDK, snap.Model, snap.Width, snap.Height, snap.Density)
	}

	return rec.Apply(device.EventBootOK, "")
}

// Shutdown stops all running instruments best-effort, then shuts the device
// down. Calling Shutdown on an already-Shutdown device resolves to Shutdown
// without error (spec §4.F step 6: explicit recovering failure case).
func (o *Orchestrator) Shutdown(ctx context.Context, rec *device.Record, token string) error {
	if err := o.verifySession(rec, token); err != nil {
		return err
	}
	if err := o.verifyLockHeldByThisProcess(rec); err != nil {
		return err
	}
	if rec.State() == device.Shutdown {
		return nil
	}
	// Only Booted admits EventShutdown; the state is committed after the
	// backend succeeds, so a failed shutdown leaves the device Booted.
	if rec.State() != device.Booted {
		return &device.IllegalTransitionError{From: rec.State(), Event: device.EventShutdown}
	}

	o.StopAllInstruments(ctx, rec)

	if err := o.drv.Shutdown(ctx, rec); err != nil {
		return err
	}
	if err := rec.Apply(device.EventShutdown, ""); err != nil {
		return err
	}
	return rec.Apply(device.EventShutdownOK, "")
}

// Restart resets the device and re-awaits boot (spec §4.F: Android resets
// sys.boot_completed and issues stop+start; iOS invokes the platform restart
// action — both are the driver's concern, this only re-polls and commits).
func (o *Orchestrator) Restart(ctx context.Context, rec *device.Record, token string, opts BootOptions) error {
	if err := o.verifySession(rec, token); err != nil {
		return err
	}
	if err := o.verifyLockHeldByThisProcess(rec); err != nil {
		return err
	}
	if err := rec.Apply(device.EventRestart, ""); err != nil {
		return err
	}
	if err := o.drv.Restart(ctx, rec); err != nil {
		_ = rec.Apply(device.EventBootFail, "")
		return err
	}
	return o.awaitBooted(ctx, rec, opts)
}

func (o *Orchestrator) guardUsable(rec *device.Record, token string) error {
	if err := o.verifySession(rec, token); err != nil {
		return err
	}
	if err := o.verifyLockHeldByThisProcess(rec); err != nil {
		return err
	}
	return rec.RequireBooted()
}

// Install pushes appPath onto rec.
func (o *Orchestrator) Install(ctx context.Context, rec *device.Record, token, appPath string) error {
	if strings.TrimSpace(appPath) == "" {
		return &ArgumentError{Arg: "appPath", Reason: "must be non-empty"}
	}
	if err := o.guardUsable(rec, token); err != nil {
		return err
	}
	return o.drv.Install(ctx, rec, appPath)
}

// Uninstall removes bundleID from rec.
func (o *Orchestrator) Uninstall(ctx context.Context, rec *device.Record, token, bundleID string) error {
	if strings.TrimSpace(bundleID) == "" {
		return &ArgumentError{Arg: "bundleID", Reason: "must be non-empty"}
	}
	if err := o.guardUsable(rec, token); err != nil {
		return err
	}
	return o.drv.Uninstall(ctx, rec, bundleID)
}

// noActivitiesMarkers lists substrings a backend's launch output may contain
// to signal that bundleID resolved to no launchable activity (spec §4.F:
// "backend outputs containing specific 'no activities found' markers are
// promoted to typed errors").
var noActivitiesMarkers = []string{"no activities found", "Error: Activity not started"}

// Launch starts bundleID on rec.
func (o *Orchestrator) Launch(ctx context.Context, rec *device.Record, token, bundleID string) error {
	if strings.TrimSpace(bundleID) == "" {
		return &ArgumentError{Arg: "bundleID", Reason: "must be non-empty"}
	}
	if err := o.guardUsable(rec, token); err != nil {
		return err
	}
	err := o.drv.Launch(ctx, rec, bundleID)
	if err == nil {
		return nil
	}
	for _, marker := range noActivitiesMarkers {
		if strings.Contains(err.Error(), marker) {
			return &LaunchFailedError{DeviceID: rec.ID(), BundleID: bundleID, Reason: err.Error()}
		}
	}
	return err
}

// RotateTo optimistically sets rec's orientation, invokes the backend, and
// reverts on failure (spec §4.F).
func (o *Orchestrator) RotateTo(ctx context.Context, rec *device.Record, token string, target device.Orientation) error {
	if err := o.guardUsable(rec, token); err != nil {
		return err
	}
	prev := rec.Orientation()
	next := device.Normalize(target)
	rec.SetOrientation(next)
	if err := o.drv.RotateTo(ctx, rec, next); err != nil {
		rec.SetOrientation(prev)
		return err
	}
	return nil
}

// RotateLeft rotates rec one quarter-turn counterclockwise.
func (o *Orchestrator) RotateLeft(ctx context.Context, rec *device.Record, token string) error {
	return o.RotateTo(ctx, rec, token, device.Normalize(rec.Orientation()-1))
}

// RotateRight rotates rec one quarter-turn clockwise.
func (o *Orchestrator) RotateRight(ctx context.Context, rec *device.Record, token string) error {
	return o.RotateTo(ctx, rec, token, device.Normalize(rec.Orientation()+1))
}

// PerformKeyEvent forwards a hardware key press to the backend.
func (o *Orchestrator) PerformKeyEvent(ctx context.Context, rec *device.Record, token string, key driver.KeyEvent) error {
	if err := o.guardUsable(rec, token); err != nil {
		return err
	}
	return o.drv.PerformKeyEvent(ctx, rec, key)
}

// PressHomeKey is a convenience wrapper over PerformKeyEvent(KeyHome).
func (o *Orchestrator) PressHomeKey(ctx context.Context, rec *device.Record, token string) error {
	return o.PerformKeyEvent(ctx, rec, token, driver.KeyHome)
}

// LockScreen forwards a screen-lock request to the backend.
func (o *Orchestrator) LockScreen(ctx context.Context, rec *device.Record, token string) error {
	if err := o.guardUsable(rec, token); err != nil {
		return err
	}
	return o.drv.LockScreen(ctx, rec)
}

// ShakeScreen forwards a shake-gesture request to the backend.
func (o *Orchestrator) ShakeScreen(ctx context.Context, rec *device.Record, token string) error {
	if err := o.guardUsable(rec, token); err != nil {
		return err
	}
	return o.drv.ShakeScreen(ctx, rec)
}

// SetHardwareKeyboardConnected toggles simulated hardware-keyboard presence.
func (o *Orchestrator) SetHardwareKeyboardConnected(ctx context.Context, rec *device.Record, token string, connected bool) error {
	if err := o.guardUsable(rec, token); err != nil {
		return err
	}
	return o.drv.SetHardwareKeyboardConnected(ctx, rec, connected)
}

// StartInstrument launches an attached measurement subprocess and returns an
// opaque instrument id for later StopInstrument calls.
func (o *Orchestrator) StartInstrument(ctx context.Context, rec *device.Record, token, name string, args []string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", &ArgumentError{Arg: "name", Reason: "must be non-empty"}
	}
	if err := o.guardUsable(rec, token); err != nil {
		return "", err
	}
	pid, err := o.drv.StartInstrument(ctx, rec, name, args)
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("%s-%d", name, pid)
	rec.AddInstrument(id, pid)
	return id, nil
}

// StopInstrument signals the instrument process identified by instrumentID
// and removes it from rec's instrument map.
func (o *Orchestrator) StopInstrument(ctx context.Context, rec *device.Record, token, instrumentID string) error {
	if err := o.guardUsable(rec, token); err != nil {
		return err
	}
	inst, ok := rec.Instruments()[instrumentID]
	if !ok {
		return fmt.Errorf("unknown instrument %q", instrumentID)
	}
	if err := o.drv.StopInstrument(ctx, inst.PID); err != nil {
		return err
	}
	rec.RemoveInstrument(instrumentID)
	return nil
}

// StopAllInstruments best-effort-stops every instrument attached to rec.
// Used internally by Shutdown and exposed for callers that want to clear a
// device's instruments directly.
func (o *Orchestrator) StopAllInstruments(ctx context.Context, rec *device.Record) {
	for id, inst := range rec.Instruments() {
		_ = o.drv.StopInstrument(ctx, inst.PID)
		rec.RemoveInstrument(id)
	}
}

// PurgeLocalStorage deletes rec's local storage directory. Only permitted
// when the device is not booted and not locked by a live process; the temp
// directory is recreated afterward.
func (o *Orchestrator) PurgeLocalStorage(rec *device.Record) error {
	if err := o.assertPurgeable(rec); err != nil {
		return err
	}
	if err := o.drv.PurgeLocalStorage(rec); err != nil {
		return err
	}
	return os.MkdirAll(rec.TempStoragePath(), 0o755) //nolint:gosec // G301: matches device.New's storage dir mode.
}

// PurgeTempStorage deletes rec's scratch directory and recreates it empty.
func (o *Orchestrator) PurgeTempStorage(rec *device.Record) error {
	if err := o.assertPurgeable(rec); err != nil {
		return err
	}
	if err := o.drv.PurgeTempStorage(rec); err != nil {
		return err
	}
	return os.MkdirAll(rec.TempStoragePath(), 0o755) //nolint:gosec // G301: matches device.New's storage dir mode.
}

func (o *Orchestrator) assertPurgeable(rec *device.Record) error {
	if rec.State() == device.Booted {
		return ErrStorageBusy
	}
	lockedByOther, err := o.lockFor(rec).IsLockedByOther()
	if err != nil {
		return err
	}
	if lockedByOther {
		return ErrStorageBusy
	}
	heldHere, err := o.lockFor(rec).IsHeldByThisProcess()
	if err != nil {
		return err
	}
	if heldHere {
		return ErrStorageBusy
	}
	return nil
}
