package main

import (
	"fmt"
	"log/slog"

	"github.com/mobiledevicelab/devicectl/internal/config"
	"github.com/mobiledevicelab/devicectl/internal/discovery"
	"github.com/mobiledevicelab/devicectl/internal/driver"
	"github.com/mobiledevicelab/devicectl/internal/drivers/androidemu"
	"github.com/mobiledevicelab/devicectl/internal/drivers/androidphys"
	"github.com/mobiledevicelab/devicectl/internal/drivers/iosphys"
	"github.com/mobiledevicelab/devicectl/internal/drivers/iossim"
	"github.com/mobiledevicelab/devicectl/internal/process"
	"github.com/mobiledevicelab/devicectl/internal/registry"
)

// builtinDrivers names every driver devicectl ships, keyed by the name a
// config.json "drivers" entry names (spec §6).
var builtinDrivers = map[string]func(process.Runner) driver.Driver{
	"ios-simulator":    func(r process.Runner) driver.Driver { return iossim.New(r) },
	"ios-physical":     func(r process.Runner) driver.Driver { return iosphys.New(r) },
	"android-emulator": func(r process.Runner) driver.Driver { return androidemu.New(r) },
	"android-physical": func(r process.Runner) driver.Driver { return androidphys.New(r) },
}

// kindForDriver maps a built-in driver name to the discovery lane its walk
// is cached under (spec §4.E).
var kindForDriver = map[string]discovery.Kind{
	"ios-simulator":    discovery.KindIOSSimulator,
	"ios-physical":     discovery.KindIOSPhysical,
	"android-emulator": discovery.KindAndroidEmu,
	"android-physical": discovery.KindAndroidPhysical,
}

// loadConfig resolves devicectl's configuration from --config, or the
// default ~/.devicectl/config.json.
func loadConfig() (config.Config, error) {
	store, err := storeFor()
	if err != nil {
		return config.Config{}, err
	}
	return store.Load()
}

func storeFor() (*config.Store, error) {
	if configPath != "" {
		return config.NewStoreWithPath(configPath), nil
	}
	return config.NewStore()
}

// buildRegistry constructs a Registry from cfg. When cfg.Drivers is empty
// every built-in driver is registered (spec §6: "empty list behaves as
// 'use every built-in driver'" is the sensible default for a CLI with no
// explicit opt-in list).
func buildRegistry(cfg config.Config) (*registry.Registry, error) {
	names := make([]string, 0, len(cfg.Drivers))
	for _, d := range cfg.Drivers {
		names = append(names, d.Name)
	}
	if len(names) == 0 {
		for name := range builtinDrivers {
			names = append(names, name)
		}
	}

	runner := process.Real{}
	bindings := make([]registry.Binding, 0, len(names))
	for _, name := range names {
		factory, ok := builtinDrivers[name]
		if !ok {
			return nil, fmt.Errorf("unknown driver %q", name)
		}
		bindings = append(bindings, registry.Binding{
			Kind:   kindForDriver[name],
			Driver: factory(runner),
		})
	}

	sessionTTL := config.ResolveSessionTimeout(cfg.DeviceSessionTimeout, config.DefaultSessionTimeout)
	reg, err := registry.New(bindings, sessionTTL)
	if err != nil {
		return nil, err
	}

	for _, b := range bindings {
		if emu, ok := b.Driver.(*androidemu.Driver); ok {
			if _, err := emu.WatchAVDHome(func() { reg.InvalidateDiscovery(discovery.KindAndroidEmu) }); err != nil {
				slog.Warn("could not watch ANDROID_AVD_HOME, falling back to TTL-only invalidation", "err", err)
			}
		}
	}

	return reg, nil
}

// buildDefaultRegistry loads config from disk and wires a Registry from it,
// the path every subcommand takes to reach a usable catalog.
func buildDefaultRegistry() (*registry.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("wiring drivers: %w", err)
	}
	return reg, nil
}
