// Package replenisher keeps each vm_type's hot-spare pool topped up,
// the Go counterpart of vm_manager.py's ensure_hot_spares — generalized
// to first build a golden image (and finalise one that's ready but not
// yet promoted to a template) before it ever tries to spin up spares.
package replenisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vapiorc/vapiorc/db"
	"github.com/vapiorc/vapiorc/vmtypes"
	"github.com/vapiorc/vapiorc/workspace"
)

// pauseBetweenSpares is a small cooperative yield between hot-spare
// creations, the Go equivalent of vm_manager.py's blocking sleep
// between spares, so a long replenish run doesn't monopolize the
// launch path end to end.
const pauseBetweenSpares = 2 * time.Second

// GoldenBuilder is the subset of golden.Builder the replenisher drives.
type GoldenBuilder interface {
	Create(ctx context.Context, vmType string) (string, error)
	Finalise(ctx context.Context, goldenID string) error
}

// InstanceCreator is the subset of instancepool.Manager the replenisher drives.
type InstanceCreator interface {
	CreateInstance(ctx context.Context, vmType string, isHotSpare bool) (string, error)
}

// Replenisher ensures each vm_type has HotSpareCount ready, unassigned
// hot spares, building and finalising a golden image first if no
// template yet exists.
//
// Per spec.md §5, a single process-wide singleflight group, keyed by
// vm_type, serializes Ensure calls for the same vm_type: a caller
// arriving while that vm_type is already being ensured gets the
// in-flight call's result and never starts a second concurrent run.
// Calls for different vm_types are not serialized against each other.
type Replenisher struct {
	Repo      *db.Repository
	Store     *workspace.Store
	Golden    GoldenBuilder
	Instances InstanceCreator
	Target    int

	group singleflight.Group
}

// New constructs a Replenisher targeting target ready hot spares per
// vm_type. target == 0 disables replenishment entirely.
func New(repo *db.Repository, store *workspace.Store, golden GoldenBuilder, instances InstanceCreator, target int) *Replenisher {
	return &Replenisher{Repo: repo, Store: store, Golden: golden, Instances: instances, Target: target}
}

// Ensure brings vmType's hot-spare pool up to Target, building or
// finalising a golden image first if the template isn't ready yet
// (spec.md §4.H).
func (r *Replenisher) Ensure(ctx context.Context, vmType string) error {
	if r.Target <= 0 {
		return nil
	}

	_, err, _ := r.group.Do(vmType, func() (any, error) {
		return nil, r.ensure(ctx, vmType)
	})
	return err
}

func (r *Replenisher) ensure(ctx context.Context, vmType string) error {
	if !r.Store.TemplateExists(vmType) {
		return r.ensureTemplate(ctx, vmType)
	}

	count, err := r.Repo.CountReadyUnassignedHotSpares(ctx, vmType)
	if err != nil {
		return fmt.Errorf("replenisher: count hot spares: %w", err)
	}

	needed := r.Target - count
	for i := 0; i < needed; i++ {
		if _, err := r.Instances.CreateInstance(ctx, vmType, true); err != nil {
			slog.ErrorContext(ctx, "replenisher: create hot spare failed, stopping this run", "vm_type", vmType, "error", err)
			return nil
		}
		if i < needed-1 {
			select {
			case <-time.After(pauseBetweenSpares):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// ensureTemplate handles the no-template branch of spec.md §4.H: if a
// golden image is already ready, finalise it into a template; if one
// is mid-build, do nothing this tick; otherwise kick off a new build.
// No hot spares are created in the same call that builds a template.
func (r *Replenisher) ensureTemplate(ctx context.Context, vmType string) error {
	if ready, err := r.Repo.FindGoldenImage(ctx, vmType, vmtypes.GoldenImageReady); err == nil {
		if err := r.Golden.Finalise(ctx, ready.ID); err != nil {
			return fmt.Errorf("replenisher: finalise ready golden image %s: %w", ready.ID, err)
		}
		if !r.Store.TemplateExists(vmType) {
			slog.ErrorContext(ctx, "replenisher: template still missing after finalise", "vm_type", vmType, "golden_id", ready.ID)
		}
		return nil
	} else if err != db.ErrNotFound {
		return fmt.Errorf("replenisher: find ready golden image: %w", err)
	}

	if _, err := r.Repo.FindGoldenImage(ctx, vmType, vmtypes.GoldenImageCreating); err == nil {
		slog.DebugContext(ctx, "replenisher: golden image build already in progress", "vm_type", vmType)
		return nil
	} else if err != db.ErrNotFound {
		return fmt.Errorf("replenisher: find in-progress golden image: %w", err)
	}

	if _, err := r.Golden.Create(ctx, vmType); err != nil {
		return fmt.Errorf("replenisher: start golden image build: %w", err)
	}
	return nil
}
