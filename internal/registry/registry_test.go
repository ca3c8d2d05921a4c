package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mobiledevicelab/devicectl/internal/device"
	"github.com/mobiledevicelab/devicectl/internal/discovery"
	"github.com/mobiledevicelab/devicectl/internal/driver"
)

// stubDriver is a minimal driver.Driver that only implements discovery;
// every other method is a no-op, since these tests only exercise
// Discover/GetDevicesWithName/GetDeviceWithID/OrchestratorFor.
type stubDriver struct {
	platform string
	records  []*device.Record
	calls    int32
}

func (d *stubDriver) Platform() string { return d.platform }

func (d *stubDriver) DiscoverAll(ctx context.Context) ([]*device.Record, error) {
	return d.DiscoverAvailable(ctx)
}

func (d *stubDriver) DiscoverAvailable(ctx context.Context) ([]*device.Record, error) {
	atomic.AddInt32(&d.calls, 1)
	return d.records, nil
}

func (d *stubDriver) FindByName(ctx context.Context, name string) (*device.Record, error) {
	return nil, nil
}
func (d *stubDriver) FindByID(ctx context.Context, id string) (*device.Record, error) { return nil, nil }

func (d *stubDriver) Boot(ctx context.Context, rec *device.Record) error     { return nil }
func (d *stubDriver) Shutdown(ctx context.Context, rec *device.Record) error { return nil }
func (d *stubDriver) Restart(ctx context.Context, rec *device.Record) error  { return nil }
func (d *stubDriver) IsBooted(ctx context.Context, rec *device.Record) (bool, error) {
	return false, nil
}
func (d *stubDriver) IsAvailable(ctx context.Context, rec *device.Record) (bool, error) {
	return true, nil
}
func (d *stubDriver) Install(ctx context.Context, rec *device.Record, appPath string) error {
	return nil
}
func (d *stubDriver) Uninstall(ctx context.Context, rec *device.Record, bundleID string) error {
	return nil
}
func (d *stubDriver) Launch(ctx context.Context, rec *device.Record, bundleID string) error {
	return nil
}
func (d *stubDriver) GetOrientation(ctx context.Context, rec *device.Record) (device.Orientation, error) {
	return device.Portrait, nil
}
func (d *stubDriver) RotateTo(ctx context.Context, rec *device.Record, o device.Orientation) error {
	return nil
}
func (d *stubDriver) PerformKeyEvent(ctx context.Context, rec *device.Record, key driver.KeyEvent) error {
	return nil
}
func (d *stubDriver) LockScreen(ctx context.Context, rec *device.Record) error  { return nil }
func (d *stubDriver) ShakeScreen(ctx context.Context, rec *device.Record) error { return nil }
func (d *stubDriver) SetHardwareKeyboardConnected(ctx context.Context, rec *device.Record, connected bool) error {
	return nil
}
func (d *stubDriver) StartInstrument(ctx context.Context, rec *device.Record, name string, args []string) (int, error) {
	return 0, nil
}
func (d *stubDriver) StopInstrument(ctx context.Context, pid int) error { return nil }
func (d *stubDriver) PurgeLocalStorage(rec *device.Record) error       { return nil }
func (d *stubDriver) PurgeTempStorage(rec *device.Record) error        { return nil }

var _ driver.Driver = (*stubDriver)(nil)

func newTestDeviceRecord(t *testing.T, id string) *device.Record {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	rec, err := device.New(id, device.IOS, device.Simulator)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	return rec
}

func TestDiscover_MergesAcrossDrivers(t *testing.T) {
	recA := newTestDeviceRecord(t, "UDID-A")
	recB := newTestDeviceRecord(t, "AVD-1")

	drvIOS := &stubDriver{platform: "ios-simulator", records: []*device.Record{recA}}
	drvAndroid := &stubDriver{platform: "android-emulator", records: []*device.Record{recB}}

	r, err := New([]Binding{
		{Kind: discovery.KindIOSSimulator, Driver: drvIOS},
		{Kind: discovery.KindAndroidEmu, Driver: drvAndroid},
	}, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	devices, err := r.Discover(context.Background(), true)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}

	if r.GetDeviceWithID("UDID-A") == nil {
		t.Fatal("expected UDID-A to be known")
	}
	if r.GetDeviceWithID("AVD-1") == nil {
		t.Fatal("expected AVD-1 to be known")
	}
	if r.GetDeviceWithID("nope") != nil {
		t.Fatal("expected unknown id to be nil")
	}
}

func TestDiscover_RouteToOwningDriverOrchestrator(t *testing.T) {
	rec := newTestDeviceRecord(t, "UDID-A")
	drv := &stubDriver{platform: "ios-simulator", records: []*device.Record{rec}}

	r, err := New([]Binding{{Kind: discovery.KindIOSSimulator, Driver: drv}}, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Discover(context.Background(), true); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	orch, err := r.OrchestratorFor(rec)
	if err != nil {
		t.Fatalf("OrchestratorFor: %v", err)
	}
	if orch == nil {
		t.Fatal("expected a non-nil orchestrator")
	}
}

func TestOrchestratorFor_UnknownDeviceErrors(t *testing.T) {
	r, err := New(nil, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := newTestDeviceRecord(t, "ghost")
	if _, err := r.OrchestratorFor(rec); err == nil {
		t.Fatal("expected an error for a device never returned by Discover")
	}
}

func TestNew_RejectsInvalidDriver(t *testing.T) {
	if _, err := New([]Binding{{Kind: discovery.KindIOSSimulator, Driver: nil}}, time.Minute); err == nil {
		t.Fatal("expected New to reject a nil driver")
	}
}

func TestGetDevicesWithName(t *testing.T) {
	rec := newTestDeviceRecord(t, "UDID-A")
	rec.UpdateMetrics("iPhone SE", "17.0", "iPhone SE (3rd generation)", 375, 667, 2.0)
	drv := &stubDriver{platform: "ios-simulator", records: []*device.Record{rec}}

	r, err := New([]Binding{{Kind: discovery.KindIOSSimulator, Driver: drv}}, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Discover(context.Background(), true); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	found := r.GetDevicesWithName("iPhone SE")
	if len(found) != 1 {
		t.Fatalf("got %d matches, want 1", len(found))
	}
	if len(r.GetDevicesWithName("nonexistent")) != 0 {
		t.Fatal("expected no matches for an unknown name")
	}
}
