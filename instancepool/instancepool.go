// Package instancepool creates individual VM instances by cloning the
// current template and launching a container for them, the Go
// counterpart of vm_manager.py's create_vm_instance — minus its
// direct status=ready write, which spec.md's redesign moves onto the
// readiness webhook instead.
package instancepool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goombaio/namegenerator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vapiorc/vapiorc/containerdriver"
	"github.com/vapiorc/vapiorc/containerdriver/options"
	"github.com/vapiorc/vapiorc/db"
	"github.com/vapiorc/vapiorc/macpoll"
	"github.com/vapiorc/vapiorc/portalloc"
	"github.com/vapiorc/vapiorc/vmtypes"
	"github.com/vapiorc/vapiorc/workspace"
)

var tracer = otel.Tracer("github.com/vapiorc/vapiorc/instancepool")

const (
	macPollAttempts = 60
	macPollInterval = 1 * time.Second
	macPollTimeout  = 1 * time.Second

	// rdpPortOffset is the fixed distance between a container's VNC
	// port and its RDP port, matching vm_manager.py's port+1000 scheme.
	rdpPortOffset = 1000
)

// ContainerDriver is the subset of containerdriver.Driver this package
// depends on.
type ContainerDriver interface {
	Run(ctx context.Context, opts *options.RunInstance, image string, args ...string) (string, error)
	Exec(ctx context.Context, opts *options.ExecInstance, containerID string, args ...string) (string, error)
	DevicesFor(vmType string) containerdriver.DeviceSpec
}

// Manager creates VM instances.
type Manager struct {
	Repo    *db.Repository
	Store   *workspace.Store
	Driver  ContainerDriver
	Ports   *portalloc.Allocator
	Image   string
	Network string
	HostIP  string

	names namegenerator.Generator
}

// New constructs a Manager. hostIP is templated into the OEM asset
// mount's "*.tmpl" files, alongside network, so the in-guest reporter
// knows where to POST its readiness webhook.
func New(repo *db.Repository, store *workspace.Store, driver ContainerDriver, ports *portalloc.Allocator, image, network, hostIP string) *Manager {
	return &Manager{
		Repo:    repo,
		Store:   store,
		Driver:  driver,
		Ports:   ports,
		Image:   image,
		Network: network,
		HostIP:  hostIP,
		names:   namegenerator.NewNameGenerator(time.Now().UTC().UnixNano()),
	}
}

// CreateInstance clones vmType's template into a fresh instance
// workspace, launches its container, and records the container id and
// port. Status remains "starting" on success; only the readiness
// webhook (spec.md §4.J) advances it to "ready" once the guest
// reports in. On any failure after the record is inserted, the
// record is marked "failed" and its workspace is removed best-effort
// (spec.md §4.G); a container that was already launched is not
// stopped or removed.
func (m *Manager) CreateInstance(ctx context.Context, vmType string, isHotSpare bool) (string, error) {
	ctx, span := tracer.Start(ctx, "instancepool.CreateInstance",
		attribute.String("vm_type", vmType), attribute.Bool("is_hot_spare", isHotSpare))
	defer span.End()

	vi, err := m.Repo.InsertVMInstance(ctx, vmType, isHotSpare, m.names.Generate())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("instancepool: create instance: %w", err)
	}

	if err := m.launch(ctx, vi); err != nil {
		if setErr := m.Repo.SetVMInstanceStatus(ctx, vi.ID, vmtypes.InstanceFailed); setErr != nil {
			err = fmt.Errorf("%w (also failed to mark failed: %v)", err, setErr)
		}
		m.cleanupBestEffort(ctx, vi.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	return vi.ID, nil
}

func (m *Manager) launch(ctx context.Context, vi *vmtypes.VMInstance) error {
	dir, err := m.Store.CreateInstanceDir(ctx, vi.VMType, vi.ID)
	if err != nil {
		return fmt.Errorf("instancepool: materialize instance workspace: %w", err)
	}

	port, err := m.Ports.Allocate(ctx)
	if err != nil {
		return fmt.Errorf("instancepool: allocate port: %w", err)
	}

	if err := workspace.RenderOEMAssets(m.Store.OEMDir(), m.HostIP, m.Network); err != nil {
		return fmt.Errorf("instancepool: render OEM assets: %w", err)
	}

	devices := m.Driver.DevicesFor(vi.VMType)
	runOpts := &options.RunInstance{
		Detach:  true,
		Name:    "vapiorc_vm_" + vi.ID,
		Network: m.Network,
		Publish: []string{
			fmt.Sprintf("%d:8006", port),
			fmt.Sprintf("%d:3389", port+rdpPortOffset),
		},
		Env: []string{
			"VERSION=" + vi.VMType,
			"DISK_FMT=qcow2",
		},
		Volume: []string{
			dir + ":/storage",
			m.Store.OEMDir() + ":/oem",
		},
		Device: devices.Devices,
		CapAdd: devices.CapAdd,
	}

	containerID, err := m.Driver.Run(ctx, runOpts, m.Image)
	if err != nil {
		return fmt.Errorf("instancepool: launch container: %w", err)
	}

	if err := m.Repo.SetVMInstanceLaunched(ctx, vi.ID, containerID, port); err != nil {
		return fmt.Errorf("instancepool: record launch: %w", err)
	}

	mac, err := macpoll.Probe(ctx, m.execMAC, containerID, macPollAttempts, macPollInterval, macPollTimeout)
	if err != nil {
		// Same "warning, not failure" treatment as the golden image
		// builder: the instance stays in "starting" and simply never
		// becomes reachable by MAC until a sidecar shows up another way.
		slog.WarnContext(ctx, "instancepool: no guest MAC reported, continuing without a sidecar", "instance_id", vi.ID, "container_id", containerID, "error", err)
		return nil
	}
	return workspace.WriteMAC(dir, containerID, mac)
}

func (m *Manager) execMAC(ctx context.Context, containerID string) (string, error) {
	return m.Driver.Exec(ctx, &options.ExecInstance{}, containerID, "cat", "/sys/class/net/eth0/address")
}

func (m *Manager) cleanupBestEffort(ctx context.Context, instanceID string) {
	// Store.Remove logs its own failures; a leftover directory here is an
	// orphan for separate cleanup tooling, not this call's problem to solve.
	_ = m.Store.Remove(ctx, m.Store.InstanceDir(instanceID))
}
