package registry

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/mobiledevicelab/devicectl/internal/device"
)

// PresentListYAML writes a list of device snapshots as YAML to w, the same
// shape as the teacher's view.PresentTreeYAML.
func PresentListYAML(w io.Writer, snapshots []device.Snapshot) error {
	data, err := yaml.Marshal(snapshots)
	if err != nil {
		return fmt.Errorf("marshalling device list: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// PresentDeviceYAML writes a single device snapshot as YAML to w, the same
// shape as the teacher's view.PresentDetailYAML.
func PresentDeviceYAML(w io.Writer, snap device.Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshalling device: %w", err)
	}
	_, err = w.Write(data)
	return err
}
