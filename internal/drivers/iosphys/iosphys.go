// Package iosphys implements driver.Driver for physical iOS devices using
// Apple's `xcrun devicectl` CLI (the successor to `instruments -s devices`
// that the teacher's era of tooling relied on). Structurally this driver
// mirrors internal/drivers/iossim closely — JSON discovery, a
// record-reuse map, howett.net/plist bundle validation before install — but
// talks to hardware instead of a simulator runtime, since physical devices
// cannot be booted/shutdown/rotated by devicectl itself.
package iosphys

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"howett.net/plist"

	"github.com/mobiledevicelab/devicectl/internal/device"
	"github.com/mobiledevicelab/devicectl/internal/driver"
	"github.com/mobiledevicelab/devicectl/internal/process"
)

// Driver controls physical iOS devices through `xcrun devicectl`.
type Driver struct {
	runner process.Runner

	mu      sync.Mutex
	records map[string]*device.Record // udid -> record
}

// New constructs a Driver that runs devicectl through runner.
func New(runner process.Runner) *Driver {
	return &Driver{runner: runner, records: make(map[string]*device.Record)}
}

func (d *Driver) Platform() string { return "ios-physical" }

// devicectlListOutput mirrors the subset of `xcrun devicectl list devices
// --json-output -` devicectl needs.
type devicectlListOutput struct {
	Result struct {
		Devices []struct {
			Identifier     string `json:"identifier"`
			DeviceProperties struct {
				Name       string `json:"name"`
				OSVersionNumber string `json:"osVersionNumber"`
			} `json:"deviceProperties"`
			HardwareProperties struct {
				DeviceType string `json:"deviceType"`
				ScreenWidth  int `json:"screenWidthInPoints"`
				ScreenHeight int `json:"screenHeightInPoints"`
			} `json:"hardwareProperties"`
			ConnectionProperties struct {
				TunnelState string `json:"tunnelState"` // "connected", "disconnected"
			} `json:"connectionProperties"`
		} `json:"devices"`
	} `json:"result"`
}

func (d *Driver) listDevices(ctx context.Context) (*devicectlListOutput, error) {
	res, err := d.runner.Run(ctx, []string{"xcrun", "devicectl", "list", "devices", "--json-output", "-"}, nil)
	if err != nil {
		return nil, fmt.Errorf("devicectl list devices: %w", err)
	}
	var parsed devicectlListOutput
	if err := json.Unmarshal([]byte(res.Stdout), &parsed); err != nil {
		return nil, fmt.Errorf("parsing devicectl output: %w", err)
	}
	return &parsed, nil
}

func connectionToState(tunnelState string) device.State {
	if tunnelState == "connected" {
		return device.Booted
	}
	return device.Shutdown
}

func (d *Driver) discover(ctx context.Context, onlyAvailable bool) ([]*device.Record, error) {
	parsed, err := d.listDevices(ctx)
	if err != nil {
		return nil, err
	}

	var out []*device.Record
	for _, dd := range parsed.Result.Devices {
		connected := dd.ConnectionProperties.TunnelState == "connected"
		if onlyAvailable && !connected {
			continue
		}

		d.mu.Lock()
		rec, ok := d.records[dd.Identifier]
		d.mu.Unlock()
		if !ok {
			rec, err = device.New(dd.Identifier, device.IOS, device.Physical)
			if err != nil {
				return nil, fmt.Errorf("constructing record for %s: %w", dd.Identifier, err)
			}
			d.mu.Lock()
			d.records[dd.Identifier] = rec
			d.mu.Unlock()
		}

		rec.UpdateMetrics(
			dd.DeviceProperties.Name,
			dd.DeviceProperties.OSVersionNumber,
			dd.HardwareProperties.DeviceType,
			dd.HardwareProperties.ScreenWidth,
			dd.HardwareProperties.ScreenHeight,
			0, // devicectl does not report a pixel density; left for a future enrichment pass
		)
		if err := rec.Apply(device.EventDiscoverRefresh, connectionToState(dd.ConnectionProperties.TunnelState)); err != nil {
			continue
		}
		out = append(out, rec)
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
	return nil, fmt.Errorf("no physical iOS device named %q", name)
}

func (d *Driver) FindByID(ctx context.Context, id string) (*device.Record, error) {
	d.mu.Lock()
	rec, ok := d.records[id]
	d.mu.Unlock()
	if ok {
		return rec, nil
	}
	return nil, fmt.Errorf("no physical iOS device with id %q", id)
}

// Boot is a no-op: a physical iOS device cannot be powered on remotely.
func (d *Driver) Boot(ctx context.Context, rec *device.Record) error { return nil }

// Shutdown locks the device rather than powering it down, matching the
// physical-hardware convention used by internal/drivers/androidphys.
func (d *Driver) Shutdown(ctx context.Context, rec *device.Record) error {
	return d.LockScreen(ctx, rec)
}

func (d *Driver) Restart(ctx context.Context, rec *device.Record) error {
	_, err := d.runner.Run(ctx, []string{"xcrun", "devicectl", "device", "reset", "--device", rec.ID()}, nil)
	return err
}

func (d *Driver) IsBooted(ctx context.Context, rec *device.Record) (bool, error) {
	parsed, err := d.listDevices(ctx)
	if err != nil {
		return false, err
	}
	for _, dd := range parsed.Result.Devices {
		if dd.Identifier == rec.ID() {
			return dd.ConnectionProperties.TunnelState == "connected", nil
		}
	}
	return false, fmt.Errorf("device %s not found", rec.ID())
}

func (d *Driver) IsAvailable(ctx context.Context, rec *device.Record) (bool, error) {
	return rec.CurrentSession() == "", nil
}

// appBundleInfo mirrors the subset of Info.plist needed for bundle
// validation, the same approach internal/drivers/iossim uses before install.
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
	_, err := d.runner.Run(ctx, []string{"xcrun", "devicectl", "device", "install", "app", "--device", rec.ID(), appPath}, nil)
	return err
}

func (d *Driver) Uninstall(ctx context.Context, rec *device.Record, bundleID string) error {
	_, err := d.runner.Run(ctx, []string{"xcrun", "devicectl", "device", "uninstall", "app", "--device", rec.ID(), bundleID}, nil)
	return err
}

func (d *Driver) Launch(ctx context.Context, rec *device.Record, bundleID string) error {
	res, err := d.runner.Run(ctx, []string{"xcrun", "devicectl", "device", "process", "launch", "--device", rec.ID(), bundleID}, nil)
	if err != nil {
		if strings.Contains(res.Stderr, "no activities found") || strings.Contains(res.Stderr, "app not found") {
			return fmt.Errorf("no activities found for %s: %w", bundleID, err)
		}
		return err
	}
	return nil
}

// GetOrientation/RotateTo: devicectl has no hardware-rotation API, so this
// driver reports the last known orientation and refuses to change it.
func (d *Driver) GetOrientation(ctx context.Context, rec *device.Record) (device.Orientation, error) {
	return rec.Orientation(), nil
}

func (d *Driver) RotateTo(ctx context.Context, rec *device.Record, o device.Orientation) error {
	return fmt.Errorf("rotation is not controllable on physical iOS hardware")
}

func (d *Driver) PerformKeyEvent(ctx context.Context, rec *device.Record, key driver.KeyEvent) error {
	switch key {
	case driver.KeyHome:
		_, err := d.runner.Run(ctx, []string{"xcrun", "devicectl", "device", "button", "--device", rec.ID(), "home"}, nil)
		return err
	default:
		return fmt.Errorf("key event %q not supported on ios-physical", key)
	}
}

func (d *Driver) LockScreen(ctx context.Context, rec *device.Record) error {
	_, err := d.runner.Run(ctx, []string{"xcrun", "devicectl", "device", "button", "--device", rec.ID(), "lock"}, nil)
	return err
}

func (d *Driver) ShakeScreen(ctx context.Context, rec *device.Record) error {
	return fmt.Errorf("shake gesture not supported on physical ios hardware")
}

func (d *Driver) SetHardwareKeyboardConnected(ctx context.Context, rec *device.Record, connected bool) error {
	return fmt.Errorf("hardware keyboard toggle not supported on physical ios hardware")
}

func (d *Driver) StartInstrument(ctx context.Context, rec *device.Record, name string, args []string) (int, error) {
	argv := append([]string{"xcrun", "devicectl", "device", "process", "launch", "--device", rec.ID(), name}, args...)
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
