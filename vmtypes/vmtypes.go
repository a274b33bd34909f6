// Package vmtypes holds the shared data model for golden images and VM
// instances. It has no behavior of its own; every other package imports
// it as a common vocabulary instead of redeclaring these shapes.
package vmtypes

import "time"

// GoldenImageStatus is the lifecycle state of a GoldenImage.
type GoldenImageStatus string

const (
	GoldenImageCreating GoldenImageStatus = "creating"
	GoldenImageReady    GoldenImageStatus = "ready"
	GoldenImageFailed   GoldenImageStatus = "failed"
)

// InstanceStatus is the lifecycle state of a VMInstance.
type InstanceStatus string

const (
	InstanceStarting InstanceStatus = "starting"
	InstanceReady    InstanceStatus = "ready"
	InstanceBusy     InstanceStatus = "busy"
	InstanceFailed   InstanceStatus = "failed"
)

// GoldenImage is the post-install template source that instances clone from.
type GoldenImage struct {
	ID        string
	VMType    string
	Status    GoldenImageStatus
	Label     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VMInstance is a single ephemeral Windows VM, hosted in its own container.
type VMInstance struct {
	ID          string
	ContainerID string
	VMType      string
	Status      InstanceStatus
	Port        int
	IsHotSpare  bool
	AssignedTo  *string
	Label       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RDPPort is deterministically the VNC/console port plus 1000.
func (v *VMInstance) RDPPort() int {
	if v.Port == 0 {
		return 0
	}
	return v.Port + 1000
}

// IsHotSpareAvailable reports whether this instance is a claimable hot spare.
func (v *VMInstance) IsHotSpareAvailable() bool {
	return v.IsHotSpare && v.Status == InstanceReady && v.AssignedTo == nil
}

// AssignmentInfo is returned to callers of assignment.Service.Assign.
type AssignmentInfo struct {
	InstanceID  string `json:"instance_id"`
	ContainerID string `json:"container_id"`
	Port        int    `json:"port"`
	ConsoleURL  string `json:"console_url"`
	RDPPort     int    `json:"rdp_port"`
}

// EntityKind identifies which table a resolved MAC address belongs to.
type EntityKind string

const (
	EntityGoldenImage EntityKind = "golden_image"
	EntityVMInstance  EntityKind = "vm_instance"
)
