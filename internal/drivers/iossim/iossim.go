// Package iossim implements driver.Driver for iOS Simulator devices by
// shelling out to `xcrun simctl`, grounded in the teacher's
// cmd/internal/platform/simctl_runner.go and simulator.go (RealSimctlRunner,
// listDevicesInSet, parseIOSVersion). Unlike the teacher, which dedicates a
// private simulator set for the `axe preview` pipeline, this driver observes
// the default simulator set so it can find/control devices created by
// Xcode, other tooling, or this process.
package iossim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"howett.net/plist"

	"github.com/mobiledevicelab/devicectl/internal/device"
	"github.com/mobiledevicelab/devicectl/internal/driver"
	"github.com/mobiledevicelab/devicectl/internal/process"
)

// Driver controls iOS simulators through simctl.
type Driver struct {
	runner        process.Runner
	deviceSetPath string // "" selects simctl's default set

	mu      sync.Mutex
	records map[string]*device.Record // udid -> record, reused across discoveries so merges happen in place
}

// New constructs a Driver that runs simctl through runner against the
// default device set.
func New(runner process.Runner) *Driver {
	return &Driver{runner: runner, records: make(map[string]*device.Record)}
}

func (d *Driver) Platform() string { return "ios-simulator" }

// simDevice mirrors one entry of `simctl list devices --json`.
type simDevice struct {
	Name                 string `json:"name"`
	UDID                 string `json:"udid"`
	State                string `json:"state"`
	DeviceTypeIdentifier string `json:"deviceTypeIdentifier"`
	Availability         string `json:"availability,omitempty"`
	IsAvailable          bool   `json:"isAvailable,omitempty"`
}

func (d *Driver) argv(args ...string) []string {
	out := []string{"xcrun", "simctl"}
	if d.deviceSetPath != "" {
		out = append(out, "--set", d.deviceSetPath)
	}
	return append(out, args...)
}

func (d *Driver) listDevices(ctx context.Context) (map[string][]simDevice, error) {
	res, err := d.runner.Run(ctx, d.argv("list", "devices", "--json"), nil)
	if err != nil {
		return nil, fmt.Errorf("simctl list devices: %w", err)
	}
	var parsed struct {
		Devices map[string][]simDevice `json:"devices"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &parsed); err != nil {
		return nil, fmt.Errorf("parsing simctl list output: %w", err)
	}
	return parsed.Devices, nil
}

// iosRuntimeRe extracts the major/minor iOS version from a simctl runtime
// key like "com.apple.CoreSimulator.SimRuntime.iOS-18-2".
var iosRuntimeRe = regexp.MustCompile(`iOS-(\d+)-(\d+)`)

func sdkFromRuntime(runtime string) string {
	m := iosRuntimeRe.FindStringSubmatch(runtime)
	if m == nil {
		return runtime
	}
	return fmt.Sprintf("%s.%s", m[1], m[2])
}

func simStateToDeviceState(s string) device.State {
	switch s {
	case "Booted":
		return device.Booted
	case "Shutdown":
		return device.Shutdown
	case "Booting":
		return device.Booting
	case "ShuttingDown":
		return device.ShuttingDown
	default:
		return device.Errored
	}
}

// mergeRecord returns the long-lived *device.Record for sd, creating it on
// first sight and otherwise updating it in place (spec §4.E: "if a record
// exists it is updated in place").
func (d *Driver) mergeRecord(sd simDevice, runtime string) (*device.Record, error) {
	d.mu.Lock()
	rec, ok := d.records[sd.UDID]
	d.mu.Unlock()
	if !ok {
		var err error
		rec, err = device.New(sd.UDID, device.IOS, device.Simulator)
		if err != nil {
			return nil, fmt.Errorf("constructing record for %s: %w", sd.UDID, err)
		}
		d.mu.Lock()
		d.records[sd.UDID] = rec
		d.mu.Unlock()
	}

	rec.UpdateMetrics(sd.Name, sdkFromRuntime(runtime), sd.DeviceTypeIdentifier, 0, 0, 0)
	if err := rec.Apply(device.EventDiscoverRefresh, simStateToDeviceState(sd.State)); err != nil {
		slog.Warn("discarding unrepresentable simctl state", "udid", sd.UDID, "state", sd.State, "err", err)
	}
	return rec, nil
}

func (d *Driver) discover(ctx context.Context, onlyAvailable bool) ([]*device.Record, error) {
	byRuntime, err := d.listDevices(ctx)
	if err != nil {
		return nil, err
	}
	var out []*device.Record
	for runtime, devices := range byRuntime {
		for _, sd := range devices {
			if onlyAvailable && !sd.IsAvailable && sd.Availability != "(available)" {
				continue
			}
			rec, err := d.mergeRecord(sd, runtime)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (d *Driver) DiscoverAll(ctx context.Context) ([]*device.Record, error) {
	return d.discover(ctx, false)
}

func (d *Driver) DiscoverAvailable(ctx context.Context) ([]*device.Record, error) {
	return d.discover(ctx, true)
}

func (d *Driver) FindByName(ctx context.Context, name string) (*device.Record, error) {
	all, err := d.DiscoverAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range all {
		if rec.Snapshot().Name == name {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("no simulator named %q", name)
}

func (d *Driver) FindByID(ctx context.Context, id string) (*device.Record, error) {
	d.mu.Lock()
	rec, ok := d.records[id]
	d.mu.Unlock()
	if ok {
		return rec, nil
	}
	all, err := d.DiscoverAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range all {
		if rec.ID() == id {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("no simulator with id %q", id)
}

func (d *Driver) Boot(ctx context.Context, rec *device.Record) error {
	_, err := d.runner.Run(ctx, d.argv("boot", rec.ID()), nil)
	return err
}

func (d *Driver) Shutdown(ctx context.Context, rec *device.Record) error {
	res, err := d.runner.Run(ctx, d.argv("shutdown", rec.ID()), nil)
	if err != nil {
		if strings.Contains(res.Stderr, "current state: Shutdown") {
			return nil
		}
		return err
	}
	return nil
}

func (d *Driver) Restart(ctx context.Context, rec *device.Record) error {
	if err := d.Shutdown(ctx, rec); err != nil {
		return err
	}
	return d.Boot(ctx, rec)
}

func (d *Driver) IsBooted(ctx context.Context, rec *device.Record) (bool, error) {
	byRuntime, err := d.listDevices(ctx)
	if err != nil {
		return false, err
	}
	for _, devices := range byRuntime {
		for _, sd := range devices {
			if sd.UDID == rec.ID() {
				return sd.State == "Booted", nil
			}
		}
	}
	return false, fmt.Errorf("simulator %s not found", rec.ID())
}

func (d *Driver) IsAvailable(ctx context.Context, rec *device.Record) (bool, error) {
	return rec.CurrentSession() == "" && rec.State() != device.Booting, nil
}

// appBundleInfo mirrors the subset of Info.plist devicectl needs to validate
// a bundle before installing it, the same fields readBundleID in the
// teacher's internal/platform/config.go reads with howett.net/plist.
type appBundleInfo struct {
	BundleID string `plist:"CFBundleIdentifier"`
}

func readBundleID(appPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(appPath, "Info.plist"))
	if err != nil {
		return "", fmt.Errorf("reading Info.plist: %w", err)
	}
	var info appBundleInfo
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return "", fmt.Errorf("parsing Info.plist: %w", err)
	}
	if info.BundleID == "" {
		return "", fmt.Errorf("Info.plist missing CFBundleIdentifier")
	}
	return info.BundleID, nil
}

func (d *Driver) Install(ctx context.Context, rec *device.Record, appPath string) error {
	if _, err := readBundleID(appPath); err != nil {
		return fmt.Errorf("refusing to install %s: %w", appPath, err)
	}
	_, err := d.runner.Run(ctx, d.argv("install", rec.ID(), appPath), nil)
	return err
}

func (d *Driver) Uninstall(ctx context.Context, rec *device.Record, bundleID string) error {
	_, err := d.runner.Run(ctx, d.argv("uninstall", rec.ID(), bundleID), nil)
	return err
}

func (d *Driver) Launch(ctx context.Context, rec *device.Record, bundleID string) error {
	res, err := d.runner.Run(ctx, d.argv("launch", rec.ID(), bundleID), nil)
	if err != nil {
		if strings.Contains(res.Stderr, "no activities found") {
			return fmt.Errorf("no activities found for %s: %w", bundleID, err)
		}
		return err
	}
	return nil
}

func (d *Driver) GetOrientation(ctx context.Context, rec *device.Record) (device.Orientation, error) {
	return rec.Orientation(), nil
}

func (d *Driver) RotateTo(ctx context.Context, rec *device.Record, o device.Orientation) error {
	_, err := d.runner.Run(ctx, d.argv("ui", rec.ID(), "orientation", orientationArg(o)), nil)
	return err
}

func orientationArg(o device.Orientation) string {
	switch o {
	case device.LandscapeRight:
		return "landscapeRight"
	case device.PortraitUpsideDown:
		return "portraitUpsideDown"
	case device.LandscapeLeft:
		return "landscapeLeft"
	default:
		return "portrait"
	}
}

func (d *Driver) PerformKeyEvent(ctx context.Context, rec *device.Record, key driver.KeyEvent) error {
	switch key {
	case driver.KeyHome:
		_, err := d.runner.Run(ctx, d.argv("ui", rec.ID(), "home"), nil)
		return err
	default:
		return fmt.Errorf("key event %q not supported on ios-simulator", key)
	}
}

func (d *Driver) LockScreen(ctx context.Context, rec *device.Record) error {
	_, err := d.runner.Run(ctx, d.argv("ui", rec.ID(), "lock"), nil)
	return err
}

func (d *Driver) ShakeScreen(ctx context.Context, rec *device.Record) error {
	_, err := d.runner.Run(ctx, d.argv("notify_post", rec.ID(), "com.apple.UIKit.SimulatorShake"), nil)
	return err
}

func (d *Driver) SetHardwareKeyboardConnected(ctx context.Context, rec *device.Record, connected bool) error {
	_, err := d.runner.Run(ctx, d.argv("hardware_keyboard", rec.ID(), strconv.FormatBool(connected)), nil)
	return err
}

func (d *Driver) StartInstrument(ctx context.Context, rec *device.Record, name string, args []string) (int, error) {
	argv := append(d.argv("spawn", rec.ID(), name), args...)
	handle, err := d.runner.Spawn(ctx, argv, nil)
	if err != nil {
		return 0, fmt.Errorf("starting instrument %s: %w", name, err)
	}
	return handle.Pid(), nil
}

func (d *Driver) StopInstrument(ctx context.Context, pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(os.Interrupt)
}

func (d *Driver) PurgeLocalStorage(rec *device.Record) error {
	return os.RemoveAll(rec.LocalStoragePath())
}

func (d *Driver) PurgeTempStorage(rec *device.Record) error {
	return os.RemoveAll(rec.TempStoragePath())
}

var _ driver.Driver = (*Driver)(nil)
