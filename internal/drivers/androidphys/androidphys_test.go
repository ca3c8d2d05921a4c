package androidphys

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/mobiledevicelab/devicectl/internal/device"
	"github.com/mobiledevicelab/devicectl/internal/driver"
	"github.com/mobiledevicelab/devicectl/internal/process"
)

type fakeRunner struct {
	calls [][]string
	runFn func(argv []string) (process.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, argv []string, env []string) (process.Result, error) {
	f.calls = append(f.calls, argv)
	if f.runFn != nil {
		return f.runFn(argv)
	}
	return process.Result{}, nil
}

func (f *fakeRunner) Spawn(ctx context.Context, argv []string, env []string) (process.Handle, error) {
	f.calls = append(f.calls, argv)
	return &fakeHandle{pid: 777}, nil
}

type fakeHandle struct{ pid int }

func (h *fakeHandle) Pid() int                    { return h.pid }
func (h *fakeHandle) Kill(signal os.Signal) error { return nil }
func (h *fakeHandle) Wait() error                 { return nil }

var _ process.Runner = (*fakeRunner)(nil)

const devicesList = `List of devices attached
0123456789ABCDEF	device usb:1-1 product:walleye model:Pixel_2 device:walleye transport_id:3
OFFLINE123	offline
`

func TestDiscoverAvailable_ParsesAdbDevicesList(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	runner := &fakeRunner{
		runFn: func(argv []string) (process.Result, error) {
			return process.Result{Stdout: devicesList}, nil
		},
	}
	d := New(runner)

	records, err := d.DiscoverAvailable(context.Background())
	if err != nil {
		t.Fatalf("DiscoverAvailable: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1 (offline device excluded)", len(records))
	}
	snap := records[0].Snapshot()
	if snap.ID != "0123456789ABCDEF" || snap.Name != "Pixel_2" {
		t.Fatalf("unexpected record: %+v", snap)
	}
	if snap.State != device.Booted {
		t.Fatalf("expected a reachable physical device to be Booted, got %v", snap.State)
	}
}

func TestDiscoverAll_IncludesOfflineDevices(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	runner := &fakeRunner{
		runFn: func(argv []string) (process.Result, error) {
			return process.Result{Stdout: devicesList}, nil
		},
	}
	d := New(runner)

	records, err := d.DiscoverAll(context.Background())
	if err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
}

func TestIsBooted_ChecksBootCompletedProp(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	runner := &fakeRunner{
		runFn: func(argv []string) (process.Result, error) {
			return process.Result{Stdout: "1\n"}, nil
		},
	}
	d := New(runner)
	rec, err := device.New("SERIAL-1", device.Android, device.Physical)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}

	booted, err := d.IsBooted(context.Background(), rec)
	if err != nil {
		t.Fatalf("IsBooted: %v", err)
	}
	if !booted {
		t.Fatal("expected IsBooted to be true")
	}
}

func TestLaunch_SurfacesNoActivitiesFound(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	runner := &fakeRunner{
		runFn: func(argv []string) (process.Result, error) {
			return process.Result{Stdout: "No activities found to run, monkey aborted."}, &process.NonZeroExitError{}
		},
	}
	d := New(runner)
	rec, err := device.New("SERIAL-2", device.Android, device.Physical)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}

	err = d.Launch(context.Background(), rec, "com.example.app")
	if err == nil || !strings.Contains(err.Error(), "no activities found") {
		t.Fatalf("Launch: got %v, want a no-activities-found error", err)
	}
}

func TestRotateTo_SetsUserRotationSetting(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	runner := &fakeRunner{}
	d := New(runner)
	rec, err := device.New("SERIAL-3", device.Android, device.Physical)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}

	if err := d.RotateTo(context.Background(), rec, device.LandscapeLeft); err != nil {
		t.Fatalf("RotateTo: %v", err)
	}
	argv := runner.calls[0]
	if argv[len(argv)-1] != "3" {
		t.Fatalf("unexpected rotation arg: %v", argv)
	}
}

func TestPerformKeyEvent_RejectsUnsupportedKey(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	d := New(&fakeRunner{})
	rec, err := device.New("SERIAL-4", device.Android, device.Physical)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	if err := d.PerformKeyEvent(context.Background(), rec, driver.KeyEvent("unsupported")); err == nil {
		t.Fatal("expected an error for an unsupported key event")
	}
}
