package iosphys

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

func (h *fakeHandle) Pid() int                    { return h.pid }
func (h *fakeHandle) Kill(signal os.Signal) error { return nil }
func (h *fakeHandle) Wait() error                 { return nil }

var _ process.Runner = (*fakeRunner)(nil)
var _ process.Handle = (*fakeHandle)(nil)

func mustNewRecord(t *testing.T, id string) *device.Record {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	rec, err := device.New(id, device.IOS, device.Physical)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	return rec
}

func listDevicesJSON(t *testing.T, tunnelState string) string {
	t.Helper()
	payload := map[string]interface{}{
		"result": map[string]interface{}{
			"devices": []map[string]interface{}{
				{
					"identifier": "UDID-PHYS-A",
					"deviceProperties": map[string]interface{}{
						"name":            "Jane's iPhone",
						"osVersionNumber": "17.4",
					},
					"hardwareProperties": map[string]interface{}{
						"deviceType":         "iPhone15,2",
						"screenWidthInPoints": 393,
						"screenHeightInPoints": 852,
					},
					"connectionProperties": map[string]interface{}{
						"tunnelState": tunnelState,
					},
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

func TestDiscoverAvailable_ExcludesDisconnectedDevices(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	runner := &fakeRunner{
		runFn: func(argv []string) (process.Result, error) {
			return process.Result{Stdout: listDevicesJSON(t, "disconnected")}, nil
		},
	}
	d := New(runner)

	records, err := d.DiscoverAvailable(context.Background())
	if err != nil {
		t.Fatalf("DiscoverAvailable: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("got %d records, want 0 (device is disconnected)", len(records))
	}
}

func TestDiscoverAll_ParsesConnectedDevice(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	runner := &fakeRunner{
		runFn: func(argv []string) (process.Result, error) {
			return process.Result{Stdout: listDevicesJSON(t, "connected")}, nil
		},
	}
	d := New(runner)

	records, err := d.DiscoverAll(context.Background())
	if err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	snap := records[0].Snapshot()
	if snap.ID != "UDID-PHYS-A" || snap.Name != "Jane's iPhone" || snap.SDK != "17.4" || snap.State != device.Booted {
		t.Fatalf("unexpected record: %+v", snap)
	}
}

func TestDiscover_ReusesRecordAcrossCalls(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	runner := &fakeRunner{
		runFn: func(argv []string) (process.Result, error) {
			return process.Result{Stdout: listDevicesJSON(t, "connected")}, nil
		},
	}
	d := New(runner)

	first, err := d.DiscoverAll(context.Background())
	if err != nil {
		t.Fatalf("first DiscoverAll: %v", err)
	}
	second, err := d.DiscoverAll(context.Background())
	if err != nil {
		t.Fatalf("second DiscoverAll: %v", err)
	}
	if first[0] != second[0] {
		t.Fatal("expected the same *device.Record instance across discoveries")
	}
}

func TestBoot_IsNoOpForHardware(t *testing.T) {
	runner := &fakeRunner{}
	d := New(runner)
	record := mustNewRecord(t, "UDID-BOOT")

	if err := d.Boot(context.Background(), record); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("expected no subprocess calls for a physical device boot, got %v", runner.calls)
	}
}

func TestShutdown_LocksScreenInsteadOfPoweringOff(t *testing.T) {
	runner := &fakeRunner{}
	d := New(runner)
	record := mustNewRecord(t, "UDID-SHUTDOWN")

	if err := d.Shutdown(context.Background(), record); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	argv := runner.calls[0]
	if argv[len(argv)-1] != "lock" {
		t.Fatalf("expected Shutdown to issue a lock button press, got %v", argv)
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

func TestRotateTo_RefusesHardwareRotation(t *testing.T) {
	runner := &fakeRunner{}
	d := New(runner)
	record := mustNewRecord(t, "UDID-ROTATE")

	if err := d.RotateTo(context.Background(), record, device.LandscapeLeft); err == nil {
		t.Fatal("expected RotateTo to fail on physical hardware")
	}
}

func TestInstall_RefusesBundleWithoutInfoPlist(t *testing.T) {
	runner := &fakeRunner{}
	d := New(runner)
	record := mustNewRecord(t, "UDID-INSTALL")

	err := d.Install(context.Background(), record, t.TempDir())
	if err == nil {
		t.Fatal("expected Install to refuse a bundle missing Info.plist")
	}
	if len(runner.calls) != 0 {
		t.Fatalf("expected no devicectl invocation when bundle validation fails, got %v", runner.calls)
	}
}
