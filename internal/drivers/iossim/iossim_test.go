package iossim

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/mobiledevicelab/devicectl/internal/device"
	"github.com/mobiledevicelab/devicectl/internal/process"
)

// fakeRunner is an in-memory process.Runner, in the style of the teacher's
// fakeSimctlRunner: every call is recorded and its result/error is
// pre-programmed by the test.
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
	return &fakeHandle{pid: 4242}, nil
}

type fakeHandle struct{ pid int }

func (h *fakeHandle) Pid() int                  { return h.pid }
func (h *fakeHandle) Kill(signal os.Signal) error { return nil }
func (h *fakeHandle) Wait() error               { return nil }

var _ process.Runner = (*fakeRunner)(nil)
var _ process.Handle = (*fakeHandle)(nil)

func mustNewRecord(t *testing.T, id string) *device.Record {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	rec, err := device.New(id, device.IOS, device.Simulator)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	return rec
}

func listDevicesJSON(t *testing.T) string {
	t.Helper()
	payload := map[string]interface{}{
		"devices": map[string]interface{}{
			"com.apple.CoreSimulator.SimRuntime.iOS-18-2": []map[string]interface{}{
				{
					"name":                 "iPhone SE",
					"udid":                 "UDID-A",
					"state":                "Shutdown",
					"deviceTypeIdentifier": "com.apple.CoreSimulator.SimDeviceType.iPhone-SE-3rd-generation",
					"isAvailable":          true,
				},
			},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestDiscoverAvailable_ParsesSimctlJSON(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	runner := &fakeRunner{
		runFn: func(argv []string) (process.Result, error) {
			return process.Result{Stdout: listDevicesJSON(t)}, nil
		},
	}
	d := New(runner)

	records, err := d.DiscoverAvailable(context.Background())
	if err != nil {
		t.Fatalf("DiscoverAvailable: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	snap := records[0].Snapshot()
	if snap.ID != "UDID-A" || snap.Name != "iPhone SE" || snap.SDK != "18.2" {
		t.Fatalf("unexpected record: %+v", snap)
	}
}

func TestDiscover_ReusesRecordAcrossCalls(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	runner := &fakeRunner{
		runFn: func(argv []string) (process.Result, error) {
			return process.Result{Stdout: listDevicesJSON(t)}, nil
		},
	}
	d := New(runner)

	first, err := d.DiscoverAvailable(context.Background())
	if err != nil {
		t.Fatalf("first DiscoverAvailable: %v", err)
	}
	second, err := d.DiscoverAvailable(context.Background())
	if err != nil {
		t.Fatalf("second DiscoverAvailable: %v", err)
	}
	if first[0] != second[0] {
		t.Fatal("expected the same *device.Record instance across discoveries")
	}
}

func TestBoot_InvokesSimctlBoot(t *testing.T) {
	runner := &fakeRunner{}
	d := New(runner)
	record := mustNewRecord(t, "UDID-BOOT")

	if err := d.Boot(context.Background(), record); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(runner.calls))
	}
	argv := runner.calls[0]
	if argv[len(argv)-2] != "boot" || argv[len(argv)-1] != "UDID-BOOT" {
		t.Fatalf("unexpected argv: %v", argv)
	}
}

func TestShutdown_TreatsAlreadyShutdownAsSuccess(t *testing.T) {
	runner := &fakeRunner{
		runFn: func(argv []string) (process.Result, error) {
			return process.Result{Stderr: "Unable to shutdown device in current state: Shutdown"}, &process.NonZeroExitError{}
		},
	}
	d := New(runner)
	record := mustNewRecord(t, "UDID-SHUTDOWN")

	if err := d.Shutdown(context.Background(), record); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestLaunch_SurfacesNoActivitiesFound(t *testing.T) {
	runner := &fakeRunner{
		runFn: func(argv []string) (process.Result, error) {
			return process.Result{Stderr: "no activities found for com.example.app"}, &process.NonZeroExitError{}
		},
	}
	d := New(runner)
	record := mustNewRecord(t, "UDID-LAUNCH")

	err := d.Launch(context.Background(), record, "com.example.app")
	if err == nil || !strings.Contains(err.Error(), "no activities found") {
		t.Fatalf("Launch: got %v, want a no-activities-found error", err)
	}
}

func TestRotateTo_MapsOrientationToSimctlArg(t *testing.T) {
	runner := &fakeRunner{}
	d := New(runner)
	record := mustNewRecord(t, "UDID-ROTATE")

	if err := d.RotateTo(context.Background(), record, device.LandscapeLeft); err != nil {
		t.Fatalf("RotateTo: %v", err)
	}
	argv := runner.calls[0]
	if argv[len(argv)-1] != "landscapeLeft" {
		t.Fatalf("unexpected orientation arg: %v", argv)
	}
}
