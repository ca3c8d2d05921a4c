package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	s := NewStoreWithPath(filepath.Join(t.TempDir(), "config.json"))
	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DeviceSessionTimeout != DefaultSessionTimeout {
		t.Fatalf("DeviceSessionTimeout = %v, want default %v", cfg.DeviceSessionTimeout, DefaultSessionTimeout)
	}
	if len(cfg.Drivers) != 0 {
		t.Fatalf("expected no drivers, got %v", cfg.Drivers)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := NewStoreWithPath(filepath.Join(t.TempDir(), "nested", "config.json"))
	want := Config{
		Drivers:              []DriverSpec{{Name: "ios-simulator"}, {Name: "android-emulator"}},
		DeviceSessionTimeout: 45 * time.Second,
	}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DeviceSessionTimeout != want.DeviceSessionTimeout {
		t.Fatalf("DeviceSessionTimeout = %v, want %v", got.DeviceSessionTimeout, want.DeviceSessionTimeout)
	}
	if len(got.Drivers) != len(want.Drivers) {
		t.Fatalf("Drivers = %v, want %v", got.Drivers, want.Drivers)
	}
	for i := range want.Drivers {
		if got.Drivers[i] != want.Drivers[i] {
			t.Fatalf("Drivers[%d] = %v, want %v", i, got.Drivers[i], want.Drivers[i])
		}
	}
}

func TestResolveSessionTimeout_PrefersOverride(t *testing.T) {
	got := ResolveSessionTimeout(30*time.Second, DefaultSessionTimeout)
	if got != 30*time.Second {
		t.Fatalf("got %v, want 30s", got)
	}
}

func TestResolveSessionTimeout_FallsBackToDefault(t *testing.T) {
	orig, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(orig) })
	got := ResolveSessionTimeout(0, DefaultSessionTimeout)
	if got != DefaultSessionTimeout {
		t.Fatalf("got %v, want default %v", got, DefaultSessionTimeout)
	}
}
