// Package androidphys implements driver.Driver for physical Android devices
// attached via adb. It is grounded in the teacher's process-shelling idiom
// (simctl_runner.go's RealSimctlRunner) applied to `adb devices -l` and
// `adb -s <serial> shell getprop`, and in the Android discovery parsing
// shape sketched by other_examples/...google-gapid__core-os-android-adb-device.go
// (serial/state pairs, property-based enrichment) — used only for "how", not
// imported.
package androidphys

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/mobiledevicelab/devicectl/internal/device"
	"github.com/mobiledevicelab/devicectl/internal/driver"
	"github.com/mobiledevicelab/devicectl/internal/process"
)

// Driver controls physical Android devices through adb.
type Driver struct {
	runner process.Runner

	mu      sync.Mutex
	records map[string]*device.Record // serial -> record
}

// New constructs a Driver that runs adb through runner.
func New(runner process.Runner) *Driver {
	return &Driver{runner: runner, records: make(map[string]*device.Record)}
}

func (d *Driver) Platform() string { return "android-physical" }

type adbDevice struct {
	serial string
	state  string // "device", "offline", "unauthorized"
	model  string
}

// listDevices parses `adb devices -l` output, whose lines look like:
//
//	064... device usb:1-1 product:walleye model:Pixel_2 device:walleye transport_id:3
func (d *Driver) listDevices(ctx context.Context) ([]adbDevice, error) {
	res, err := d.runner.Run(ctx, []string{"adb", "devices", "-l"}, nil)
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}
	// spec §9 open question: treat non-empty stderr alongside a successful
	// exit as a warning, not a failure — so a non-nil err here (NonZeroExit)
	// is still surfaced, but stderr content alone never short-circuits
	// parsing of a good stdout.
	if s := strings.TrimSpace(res.Stderr); s != "" {
		slog.Warn("adb devices wrote to stderr", "stderr", s)
	}
	var out []adbDevice
	lines := strings.Split(res.Stdout, "\n")
	for _, line := range lines[1:] { // first line is the "List of devices attached" header
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ad := adbDevice{serial: fields[0], state: fields[1]}
		for _, f := range fields[2:] {
			if v, ok := strings.CutPrefix(f, "model:"); ok {
				ad.model = v
			}
		}
		out = append(out, ad)
	}
	return out, nil
}

func (d *Driver) getprop(ctx context.Context, serial, key string) (string, error) {
	res, err := d.runner.Run(ctx, []string{"adb", "-s", serial, "shell", "getprop", key}, nil)
	if err != nil {
		return "", fmt.Errorf("adb getprop %s: %w", key, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (d *Driver) mergeRecord(ad adbDevice) (*device.Record, error) {
	d.mu.Lock()
	rec, ok := d.records[ad.serial]
	d.mu.Unlock()
	if !ok {
		var err error
		rec, err = device.New(ad.serial, device.Android, device.Physical)
		if err != nil {
			return nil, fmt.Errorf("constructing record for %s: %w", ad.serial, err)
		}
		d.mu.Lock()
		d.records[ad.serial] = rec
		d.mu.Unlock()
	}

	state := device.Shutdown
	if ad.state == "device" {
		state = device.Booted // a physical device that adb sees is already "on"
	}
	if err := rec.Apply(device.EventDiscoverRefresh, state); err != nil {
		return rec, fmt.Errorf("applying discovered state for %s: %w", ad.serial, err)
	}
	rec.UpdateMetrics(ad.model, "", ad.model, 0, 0, 0)
	return rec, nil
}

func (d *Driver) discover(ctx context.Context, onlyAvailable bool) ([]*device.Record, error) {
	devices, err := d.listDevices(ctx)
	if err != nil {
		return nil, err
	}
	var out []*device.Record
	for _, ad := range devices {
		if onlyAvailable && ad.state != "device" {
			continue
		}
		rec, err := d.mergeRecord(ad)
		if err != nil {
			return nil, err
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
	return nil, fmt.Errorf("no android device named %q", name)
}

func (d *Driver) FindByID(ctx context.Context, id string) (*device.Record, error) {
	d.mu.Lock()
	rec, ok := d.records[id]
	d.mu.Unlock()
	if ok {
		return rec, nil
	}
	return nil, fmt.Errorf("no android device with serial %q", id)
}

// Boot is a no-op for a physical device: it is either plugged in and
// running, or it is not reachable at all.
func (d *Driver) Boot(ctx context.Context, rec *device.Record) error { return nil }

// Shutdown for a physical device means locking the screen, not powering off
// shared test hardware.
func (d *Driver) Shutdown(ctx context.Context, rec *device.Record) error {
	return d.LockScreen(ctx, rec)
}

func (d *Driver) Restart(ctx context.Context, rec *device.Record) error {
	_, err := d.runner.Run(ctx, []string{"adb", "-s", rec.ID(), "reboot"}, nil)
	return err
}

func (d *Driver) IsBooted(ctx context.Context, rec *device.Record) (bool, error) {
	val, err := d.getprop(ctx, rec.ID(), "sys.boot_completed")
	if err != nil {
		return false, err
	}
	return val == "1", nil
}

func (d *Driver) IsAvailable(ctx context.Context, rec *device.Record) (bool, error) {
	return rec.CurrentSession() == "", nil
}

func (d *Driver) Install(ctx context.Context, rec *device.Record, appPath string) error {
	_, err := d.runner.Run(ctx, []string{"adb", "-s", rec.ID(), "install", "-r", appPath}, nil)
	return err
}

func (d *Driver) Uninstall(ctx context.Context, rec *device.Record, bundleID string) error {
	_, err := d.runner.Run(ctx, []string{"adb", "-s", rec.ID(), "uninstall", bundleID}, nil)
	return err
}

func (d *Driver) Launch(ctx context.Context, rec *device.Record, bundleID string) error {
	res, err := d.runner.Run(ctx, []string{"adb", "-s", rec.ID(), "shell", "monkey", "-p", bundleID, "-c", "android.intent.category.LAUNCHER", "1"}, nil)
	if err != nil {
		if strings.Contains(res.Stdout, "No activities found") {
			return fmt.Errorf("no activities found for %s: %w", bundleID, err)
		}
		return err
	}
	return nil
}

func (d *Driver) GetOrientation(ctx context.Context, rec *device.Record) (device.Orientation, error) {
	val, err := d.getprop(ctx, rec.ID(), "user_rotation")
	if err != nil {
		return rec.Orientation(), err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return rec.Orientation(), nil
	}
	return device.Normalize(device.Orientation(n)), nil
}

func (d *Driver) RotateTo(ctx context.Context, rec *device.Record, o device.Orientation) error {
	_, err := d.runner.Run(ctx, []string{
		"adb", "-s", rec.ID(), "shell", "settings", "put", "system", "user_rotation", strconv.Itoa(int(o)),
	}, nil)
	return err
}

func androidKeycode(key driver.KeyEvent) (string, error) {
	switch key {
	case driver.KeyHome:
		return "KEYCODE_HOME", nil
	case driver.KeyVolUp:
		return "KEYCODE_VOLUME_UP", nil
	case driver.KeyVolDn:
		return "KEYCODE_VOLUME_DOWN", nil
	case driver.KeyPower:
		return "KEYCODE_POWER", nil
	case driver.KeyBack:
		return "KEYCODE_BACK", nil
	default:
		return "", fmt.Errorf("unsupported key event %q", key)
	}
}

func (d *Driver) PerformKeyEvent(ctx context.Context, rec *device.Record, key driver.KeyEvent) error {
	code, err := androidKeycode(key)
	if err != nil {
		return err
	}
	_, err = d.runner.Run(ctx, []string{"adb", "-s", rec.ID(), "shell", "input", "keyevent", code}, nil)
	return err
}

func (d *Driver) LockScreen(ctx context.Context, rec *device.Record) error {
	return d.PerformKeyEvent(ctx, rec, driver.KeyPower)
}

func (d *Driver) ShakeScreen(ctx context.Context, rec *device.Record) error {
	return fmt.Errorf("shake gesture not supported on physical android devices")
}

func (d *Driver) SetHardwareKeyboardConnected(ctx context.Context, rec *device.Record, connected bool) error {
	return fmt.Errorf("hardware keyboard toggle not supported on physical android devices")
}

func (d *Driver) StartInstrument(ctx context.Context, rec *device.Record, name string, args []string) (int, error) {
	argv := append([]string{"adb", "-s", rec.ID(), "shell", name}, args...)
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
