package containerdriver

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DeviceSpec is the set of device nodes and capabilities a container
// launch needs, matching the original's hardcoded
// --device=/dev/kvm --device=/dev/net/tun --cap-add NET_ADMIN triplet.
type DeviceSpec struct {
	Devices []string `yaml:"devices"`
	CapAdd  []string `yaml:"cap_add"`
}

// defaultDeviceSpec reproduces vm_manager.py's hardcoded device list,
// used for any vm_type with no entry in devices.yaml.
var defaultDeviceSpec = DeviceSpec{
	Devices: []string{"/dev/kvm", "/dev/net/tun"},
	CapAdd:  []string{"NET_ADMIN"},
}

// LoadDeviceOverrides parses an optional devices.yaml keyed by vm_type.
// A missing file is not an error: every vm_type falls back to
// defaultDeviceSpec.
func LoadDeviceOverrides(path string) (map[string]DeviceSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("containerdriver: read device overrides %s: %w", path, err)
	}

	var overrides map[string]DeviceSpec
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("containerdriver: parse device overrides %s: %w", path, err)
	}
	return overrides, nil
}

// DevicesFor returns the device/capability spec for vmType, falling
// back to the hardcoded default when no override is configured.
func (d *Driver) DevicesFor(vmType string) DeviceSpec {
	if spec, ok := d.DeviceOverrides[vmType]; ok {
		return spec
	}
	return defaultDeviceSpec
}
