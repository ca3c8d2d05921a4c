package registry

import (
	"bytes"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/mobiledevicelab/devicectl/internal/device"
)

func TestPresentListYAML(t *testing.T) {
	snapshots := []device.Snapshot{
		{ID: "UDID-A", OS: device.IOS, Kind: device.Simulator, Name: "iPhone SE", State: device.Booted},
		{ID: "Pixel_6_API_34", OS: device.Android, Kind: device.Simulator, Name: "Pixel_6_API_34", State: device.Shutdown},
	}

	var buf bytes.Buffer
	if err := PresentListYAML(&buf, snapshots); err != nil {
		t.Fatalf("PresentListYAML: %v", err)
	}

	var result []device.Snapshot
	if err := yaml.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("got %d devices, want 2", len(result))
	}
	if result[0].ID != "UDID-A" || result[0].State != device.Booted {
		t.Fatalf("unexpected first device: %+v", result[0])
	}
}

func TestPresentDeviceYAML(t *testing.T) {
	snap := device.Snapshot{ID: "UDID-A", OS: device.IOS, Kind: device.Simulator, Name: "iPhone SE", State: device.Booted}

	var buf bytes.Buffer
	if err := PresentDeviceYAML(&buf, snap); err != nil {
		t.Fatalf("PresentDeviceYAML: %v", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &raw); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}
	if raw["id"] != "UDID-A" {
		t.Fatalf("expected id=UDID-A, got %v", raw["id"])
	}
	if _, ok := raw["currentSession"]; ok {
		t.Error("expected no currentSession key when empty")
	}
}
