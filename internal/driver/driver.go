// Package driver defines the contract a concrete backend (iOS simulator,
// iOS physical device, Android emulator, Android physical device, or a
// remote device farm) must satisfy to plug into the core (spec §4.G). The
// core consumes only this interface — it has no xcrun/adb/idb knowledge of
// its own.
package driver

import (
	"context"
	"fmt"

	"github.com/mobiledevicelab/devicectl/internal/device"
)

// KeyEvent names a hardware key the Lifecycle Orchestrator can forward to a
// driver (spec §4.F performKeyEvent).
type KeyEvent string

const (
	KeyHome   KeyEvent = "home"
	KeyVolUp  KeyEvent = "volume-up"
	KeyVolDn  KeyEvent = "volume-down"
	KeyPower  KeyEvent = "power"
	KeyBack   KeyEvent = "back" // Android only
)

// Driver is the capability surface a backend implements, per spec §4.G.
// Required fields on the devices it returns: os, name, id, sdk, kind,
// density, width, height, localStoragePath — these live on device.Record
// and are populated by DiscoverAll/DiscoverAvailable/FindByName/FindByID.
type Driver interface {
	// Platform is a stable, human-readable identifier for this driver
	// (e.g. "ios-simulator", "android-emulator").
	Platform() string

	DiscoverAll(ctx context.Context) ([]*device.Record, error)
	DiscoverAvailable(ctx context.Context) ([]*device.Record, error)
	FindByName(ctx context.Context, name string) (*device.Record, error)
	FindByID(ctx context.Context, id string) (*device.Record, error)

	Boot(ctx context.Context, rec *device.Record) error
	Shutdown(ctx context.Context, rec *device.Record) error
	Restart(ctx context.Context, rec *device.Record) error
	IsBooted(ctx context.Context, rec *device.Record) (bool, error)
	IsAvailable(ctx context.Context, rec *device.Record) (bool, error)

	Install(ctx context.Context, rec *device.Record, appPath string) error
	Uninstall(ctx context.Context, rec *device.Record, bundleID string) error
	Launch(ctx context.Context, rec *device.Record, bundleID string) error

	GetOrientation(ctx context.Context, rec *device.Record) (device.Orientation, error)
	RotateTo(ctx context.Context, rec *device.Record, o device.Orientation) error

	PerformKeyEvent(ctx context.Context, rec *device.Record, key KeyEvent) error
	LockScreen(ctx context.Context, rec *device.Record) error
	ShakeScreen(ctx context.Context, rec *device.Record) error
	SetHardwareKeyboardConnected(ctx context.Context, rec *device.Record, connected bool) error

	// StartInstrument launches an external measurement subprocess attached
	// to rec and returns its PID. StopInstrument signals it to stop.
	StartInstrument(ctx context.Context, rec *device.Record, name string, args []string) (pid int, err error)
	StopInstrument(ctx context.Context, pid int) error

	PurgeLocalStorage(rec *device.Record) error
	PurgeTempStorage(rec *device.Record) error
}

// InvalidError is returned when a driver fails capability validation at
// registration time (spec §4.G/§7 DriverInvalid).
type InvalidError struct {
	Platform string
	Reason   string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("driver %q invalid: %s", e.Platform, e.Reason)
}

// Validate checks that d is minimally usable: it must report a non-empty
// Platform name and must be non-nil. Go's static interface satisfaction
// already guarantees every method above exists; Validate is the extension
// point for additional runtime self-checks a driver may want to perform
// before being registered (e.g. verifying its backing toolchain is on
// PATH), mirroring the teacher's CheckIDBCompanion pre-flight check.
func Validate(d Driver) error {
	if d == nil {
		return &InvalidError{Reason: "nil driver"}
	}
	if d.Platform() == "" {
		return &InvalidError{Reason: "empty Platform()"}
	}
	if sc, ok := d.(SelfChecker); ok {
		if err := sc.SelfCheck(); err != nil {
			return &InvalidError{Platform: d.Platform(), Reason: err.Error()}
		}
	}
	return nil
}

// SelfChecker is an optional capability a driver can implement to validate
// its own prerequisites (toolchain on PATH, etc.) at registration time.
type SelfChecker interface {
	SelfCheck() error
}
