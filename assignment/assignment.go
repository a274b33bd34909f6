// Package assignment hands a VM instance to a caller, claiming an
// existing hot spare when one is ready or creating one on demand, the
// Go counterpart of vm_manager.py's assign_vm/release_vm/destroy_vm.
//
// Per spec.md §9, release and destroy are the same action: there is
// no "return to the pool" path. A released instance is torn down and
// a fresh hot spare is grown in its place by the replenisher.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vapiorc/vapiorc/containerdriver"
	"github.com/vapiorc/vapiorc/containerdriver/options"
	"github.com/vapiorc/vapiorc/db"
	"github.com/vapiorc/vapiorc/vmtypes"
	"github.com/vapiorc/vapiorc/workspace"
)

var tracer = otel.Tracer("github.com/vapiorc/vapiorc/assignment")

// ContainerDriver is the subset of containerdriver.Driver this package depends on.
type ContainerDriver interface {
	Stop(ctx context.Context, opts *options.StopInstance, containerID string) error
	Remove(ctx context.Context, opts *options.RemoveInstance, containerID string) error
	Inspect(ctx context.Context, containerID string) (*containerdriver.InspectResult, error)
}

// InstanceCreator is the subset of instancepool.Manager this package depends on.
type InstanceCreator interface {
	CreateInstance(ctx context.Context, vmType string, isHotSpare bool) (string, error)
}

// Replenisher is the subset of replenisher.Replenisher this package depends on.
type Replenisher interface {
	Ensure(ctx context.Context, vmType string) error
}

// Service assigns and releases VM instances.
type Service struct {
	Repo        *db.Repository
	Store       *workspace.Store
	Driver      ContainerDriver
	Instances   InstanceCreator
	Replenisher Replenisher
	ConsoleBase string
	// VMType is the guest OS tag used when no ready hot spare exists and
	// a fresh instance must be created, matching spec.md §6's
	// VM_TYPE-configured default (the assign endpoint takes no vm_type
	// of its own).
	VMType string
}

// New constructs a Service. consoleBase, if non-empty, is prefixed to
// "<instance.Port>" to build AssignmentInfo.ConsoleURL.
func New(repo *db.Repository, store *workspace.Store, driver ContainerDriver, instances InstanceCreator, replenisher Replenisher, consoleBase, vmType string) *Service {
	return &Service{Repo: repo, Store: store, Driver: driver, Instances: instances, Replenisher: replenisher, ConsoleBase: consoleBase, VMType: vmType}
}

// Assign claims a ready, unassigned hot spare of the configured
// vm_type if one exists, or creates a fresh instance otherwise,
// records caller as its owner, and triggers replenishment
// asynchronously so the caller isn't blocked waiting for a spare to
// be backfilled (spec.md §4.I).
func (s *Service) Assign(ctx context.Context, caller string) (*vmtypes.AssignmentInfo, error) {
	ctx, span := tracer.Start(ctx, "assignment.Assign", attribute.String("vm_type", s.VMType), attribute.String("caller", caller))
	defer span.End()

	vi, err := s.Repo.ClaimReadyHotSpare(ctx, s.VMType, caller)
	switch {
	case err == nil:
		// claimed
	case errors.Is(err, db.ErrNotFound):
		vi, err = s.assignFresh(ctx, s.VMType, caller)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("assignment: claim hot spare: %w", err)
	}

	s.triggerReplenish(s.VMType)

	return &vmtypes.AssignmentInfo{
		InstanceID:  vi.ID,
		ContainerID: vi.ContainerID,
		Port:        vi.Port,
		ConsoleURL:  s.consoleURL(vi.Port),
		RDPPort:     vi.RDPPort(),
	}, nil
}

func (s *Service) assignFresh(ctx context.Context, vmType, caller string) (*vmtypes.VMInstance, error) {
	instanceID, err := s.Instances.CreateInstance(ctx, vmType, false)
	if err != nil {
		return nil, fmt.Errorf("assignment: create instance: %w", err)
	}
	if err := s.Repo.AssignDirect(ctx, instanceID, caller); err != nil {
		return nil, fmt.Errorf("assignment: assign direct: %w", err)
	}
	return s.Repo.GetVMInstance(ctx, instanceID)
}

func (s *Service) consoleURL(port int) string {
	if s.ConsoleBase == "" || port == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", s.ConsoleBase, port)
}

func (s *Service) triggerReplenish(vmType string) {
	go func() {
		if err := s.Replenisher.Ensure(context.Background(), vmType); err != nil {
			slog.Error("assignment: background replenish failed", "vm_type", vmType, "error", err)
		}
	}()
}

// Release tears down an instance: best-effort stop and remove its
// container, delete its workspace, and delete its database record,
// then triggers replenishment asynchronously. Every step is
// idempotent; an absent container, directory, or row is not an error
// (spec.md §4.I).
func (s *Service) Release(ctx context.Context, instanceID string) error {
	ctx, span := tracer.Start(ctx, "assignment.Release", attribute.String("instance_id", instanceID))
	defer span.End()

	vi, err := s.Repo.GetVMInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("assignment: release: %w", err)
	}

	if vi.ContainerID != "" {
		info, err := s.Driver.Inspect(ctx, vi.ContainerID)
		switch {
		case err != nil:
			slog.DebugContext(ctx, "assignment.Release: inspect failed, container likely already gone", "instance_id", instanceID, "error", err)
		case info.State.Running:
			if err := s.Driver.Stop(ctx, &options.StopInstance{Time: 10}, vi.ContainerID); err != nil {
				slog.WarnContext(ctx, "assignment.Release: stop failed, continuing", "instance_id", instanceID, "error", err)
			}
		default:
			slog.DebugContext(ctx, "assignment.Release: container already stopped", "instance_id", instanceID, "status", info.State.Status)
		}
		if err := s.Driver.Remove(ctx, &options.RemoveInstance{Force: true}, vi.ContainerID); err != nil {
			slog.WarnContext(ctx, "assignment.Release: remove failed, continuing", "instance_id", instanceID, "error", err)
		}
	}

	if err := s.Store.Remove(ctx, s.Store.InstanceDir(instanceID)); err != nil {
		slog.WarnContext(ctx, "assignment.Release: workspace cleanup failed, continuing", "instance_id", instanceID, "error", err)
	}

	if err := s.Repo.DeleteVMInstance(ctx, instanceID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("assignment: delete record: %w", err)
	}

	s.triggerReplenish(vi.VMType)
	return nil
}

var _ ContainerDriver = (*containerdriver.Driver)(nil)
