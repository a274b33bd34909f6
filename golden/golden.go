// Package golden builds and finalises golden disk images: the
// once-per-vm_type installer run whose output becomes the template
// every VM instance clones from. The build/finalise split mirrors
// vm_manager.py's create_golden_image/mark_golden_image_ready pair,
// reshaped onto this repo's containerdriver/workspace/db collaborators.
package golden

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

var tracer = otel.Tracer("github.com/vapiorc/vapiorc/golden")

// macPollAttempts/macPollInterval/macPollTimeout bound how long
// Create waits for the installer container to report its guest MAC
// before giving up and proceeding without a sidecar (spec.md §9: a
// missing MAC is a warning, not a creation failure).
const (
	macPollAttempts = 60
	macPollInterval = 1 * time.Second
	macPollTimeout  = 1 * time.Second
)

// ContainerDriver is the subset of containerdriver.Driver this package
// depends on, narrowed to an interface so tests can substitute a fake
// engine instead of shelling out to a real one.
type ContainerDriver interface {
	Run(ctx context.Context, opts *options.RunInstance, image string, args ...string) (string, error)
	Stop(ctx context.Context, opts *options.StopInstance, containerID string) error
	Remove(ctx context.Context, opts *options.RemoveInstance, containerID string) error
	Exec(ctx context.Context, opts *options.ExecInstance, containerID string, args ...string) (string, error)
	DevicesFor(vmType string) containerdriver.DeviceSpec
}

// Builder drives golden image creation and finalisation.
type Builder struct {
	Repo      *db.Repository
	Store     *workspace.Store
	Driver    ContainerDriver
	Ports     *portalloc.Allocator
	Image     string
	Network   string
	HostIP    string
	StopTimeo int

	names namegenerator.Generator
}

// New constructs a Builder. image is the container image run for both
// installer and instance containers (spec.md's GUEST_IMAGE); network
// is attached via --network unless empty. hostIP is templated into the
// OEM asset mount's "*.tmpl" files, alongside network, so the in-guest
// reporter knows where to POST its readiness webhook.
func New(repo *db.Repository, store *workspace.Store, driver ContainerDriver, ports *portalloc.Allocator, image, network, hostIP string) *Builder {
	return &Builder{
		Repo:      repo,
		Store:     store,
		Driver:    driver,
		Ports:     ports,
		Image:     image,
		Network:   network,
		HostIP:    hostIP,
		StopTimeo: 120,
		names:     namegenerator.NewNameGenerator(time.Now().UTC().UnixNano()),
	}
}

// Create builds a new golden image for vmType: insert a "creating"
// record, materialize its workspace, launch the installer container,
// and poll for its guest MAC (spec.md §4.F create, steps 1-6).
//
// On any failure after the record is inserted, the record is marked
// "failed" and the error is returned; the caller is not expected to
// retry automatically.
func (b *Builder) Create(ctx context.Context, vmType string) (string, error) {
	ctx, span := tracer.Start(ctx, "golden.Create", attribute.String("vm_type", vmType))
	defer span.End()

	gi, err := b.Repo.InsertGoldenImage(ctx, vmType, b.names.Generate())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("golden: create: %w", err)
	}

	if err := b.build(ctx, gi); err != nil {
		if setErr := b.Repo.SetGoldenImageStatus(ctx, gi.ID, vmtypes.GoldenImageFailed); setErr != nil {
			err = fmt.Errorf("%w (also failed to mark failed: %v)", err, setErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	return gi.ID, nil
}

func (b *Builder) build(ctx context.Context, gi *vmtypes.GoldenImage) error {
	dir, err := b.Store.CreateGoldenDir(gi.ID)
	if err != nil {
		return fmt.Errorf("golden: create workspace: %w", err)
	}

	port, err := b.Ports.Allocate(ctx)
	if err != nil {
		return fmt.Errorf("golden: allocate port: %w", err)
	}

	if err := workspace.RenderOEMAssets(b.Store.OEMDir(), b.HostIP, b.Network); err != nil {
		return fmt.Errorf("golden: render OEM assets: %w", err)
	}

	devices := b.Driver.DevicesFor(gi.VMType)
	runOpts := &options.RunInstance{
		Detach:  true,
		Name:    "vapiorc_golden_" + gi.ID,
		Network: b.Network,
		Publish: []string{fmt.Sprintf("%d:8006", port)},
		Env: []string{
			"VERSION=" + gi.VMType,
			"DISK_FMT=qcow2",
		},
		Volume: []string{
			dir + ":/storage",
			b.Store.OEMDir() + ":/oem",
		},
		Device: devices.Devices,
		CapAdd: devices.CapAdd,
	}

	containerID, err := b.Driver.Run(ctx, runOpts, b.Image)
	if err != nil {
		return fmt.Errorf("golden: launch installer container: %w", err)
	}

	mac, err := macpoll.Probe(ctx, b.execMAC, containerID, macPollAttempts, macPollInterval, macPollTimeout)
	if err != nil {
		// A missing MAC leaves the installer workspace without a sidecar;
		// the readiness webhook simply won't find this entity until one
		// appears. The installer run itself is not considered failed.
		slog.WarnContext(ctx, "golden: no guest MAC reported, continuing without a sidecar", "golden_id", gi.ID, "container_id", containerID, "error", err)
		return nil
	}
	return workspace.WriteMAC(dir, containerID, mac)
}

func (b *Builder) execMAC(ctx context.Context, containerID string) (string, error) {
	return b.Driver.Exec(ctx, &options.ExecInstance{}, containerID, "cat", "/sys/class/net/eth0/address")
}

// Finalise promotes a completed golden image to the vm_type's
// template: replace the existing template directory, strip any MAC
// sidecar from the new template, stop and remove the installer
// container, remove the golden image's own workspace, and mark the
// record ready (spec.md §4.F finalise, steps 1-6).
//
// Per spec.md §4.F, a failure in the installer-container cleanup or
// workspace removal (steps 4-5) does not prevent the record from
// being marked ready: the template is already in place by that point,
// and the leftover installer container/workspace is an orphan to be
// cleaned up separately, not a reason to block instance creation.
func (b *Builder) Finalise(ctx context.Context, goldenID string) error {
	ctx, span := tracer.Start(ctx, "golden.Finalise", attribute.String("golden_id", goldenID))
	defer span.End()

	gi, err := b.Repo.GetGoldenImage(ctx, goldenID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("golden: finalise: %w", err)
	}

	goldenDir := b.Store.GoldenDir(goldenID)
	templateDir, err := b.Store.ReplaceTemplate(ctx, gi.VMType, goldenID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("golden: finalise: %w", err)
	}

	if err := workspace.StripMACs(templateDir); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("golden: finalise: %w", err)
	}

	installerID := installerContainerName(goldenID)
	_ = b.Driver.Stop(ctx, &options.StopInstance{Time: b.StopTimeo}, installerID)
	_ = b.Driver.Remove(ctx, &options.RemoveInstance{Force: true}, installerID)
	_ = b.Store.Remove(ctx, goldenDir)

	if err := b.Repo.SetGoldenImageStatus(ctx, goldenID, vmtypes.GoldenImageReady); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("golden: finalise: mark ready: %w", err)
	}
	return nil
}

func installerContainerName(goldenID string) string {
	return "vapiorc_golden_" + goldenID
}
