// Package webhook handles the in-guest readiness callback: the point
// where a booted container tells vapiorcd its MAC address, letting the
// daemon resolve which golden image or instance just came up and
// advance its lifecycle — the Go counterpart of webhook.py's
// container_ready_webhook/container_status_check pair.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vapiorc/vapiorc/db"
	"github.com/vapiorc/vapiorc/macregistry"
	"github.com/vapiorc/vapiorc/vmtypes"
)

// ErrNoMACAddress is returned when the caller supplied no MAC address
// to resolve (spec.md §4.J, §7's BadRequest).
var ErrNoMACAddress = errors.New("webhook: no MAC address supplied")

// ErrUnregistered is returned when the MAC address matches no known
// golden image or instance workspace (spec.md §7's EntityNotFound).
var ErrUnregistered = errors.New("webhook: MAC address not registered to any workspace")

// GoldenFinalizer is the subset of golden.Builder this package depends on.
type GoldenFinalizer interface {
	Finalise(ctx context.Context, goldenID string) error
}

// Replenisher is the subset of replenisher.Replenisher this package depends on.
type Replenisher interface {
	Ensure(ctx context.Context, vmType string) error
}

// Result describes the outcome of a Ready or Status call.
type Result struct {
	Kind   vmtypes.EntityKind `json:"kind"`
	ID     string             `json:"id"`
	Action string             `json:"action"`
}

// Handler dispatches readiness webhooks.
type Handler struct {
	Registry    *macregistry.Registry
	Repo        *db.Repository
	Golden      GoldenFinalizer
	Replenisher Replenisher
}

// New constructs a Handler.
func New(registry *macregistry.Registry, repo *db.Repository, golden GoldenFinalizer, replenisher Replenisher) *Handler {
	return &Handler{Registry: registry, Repo: repo, Golden: golden, Replenisher: replenisher}
}

// Ready resolves mac to its owning entity and advances its lifecycle:
// a golden image is finalised into a template (triggering
// replenishment asynchronously on success); a vm_instance is
// transitioned from "starting" to "ready" only if it is still
// "starting", so a replayed webhook is a harmless no-op (spec.md §4.J,
// §8 P6). vmType comes from the webhook's path segment and is only
// logged; resolution itself is keyed entirely on mac, and vmType is
// not checked against the resolved entity.
func (h *Handler) Ready(ctx context.Context, vmType, mac string) (*Result, error) {
	if mac == "" {
		return nil, ErrNoMACAddress
	}

	kind, id, found := h.Registry.Resolve(ctx, mac)
	if !found {
		return nil, ErrUnregistered
	}
	slog.DebugContext(ctx, "webhook.Ready", "vm_type", vmType, "kind", kind, "id", id)

	switch kind {
	case vmtypes.EntityGoldenImage:
		if err := h.Golden.Finalise(ctx, id); err != nil {
			return nil, fmt.Errorf("webhook: finalise golden image %s: %w", id, err)
		}
		gi, err := h.Repo.GetGoldenImage(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("webhook: reload golden image %s: %w", id, err)
		}
		go func() {
			if err := h.Replenisher.Ensure(context.Background(), gi.VMType); err != nil {
				slog.Error("webhook: background replenish failed", "vm_type", gi.VMType, "error", err)
			}
		}()
		return &Result{Kind: kind, ID: id, Action: "finalised"}, nil

	case vmtypes.EntityVMInstance:
		changed, err := h.Repo.TransitionVMInstanceStatus(ctx, id, vmtypes.InstanceStarting, vmtypes.InstanceReady)
		if err != nil {
			return nil, fmt.Errorf("webhook: transition instance %s: %w", id, err)
		}
		if !changed {
			return &Result{Kind: kind, ID: id, Action: "ignored"}, nil
		}
		return &Result{Kind: kind, ID: id, Action: "ready"}, nil

	default:
		return nil, fmt.Errorf("webhook: unknown entity kind %q for %s", kind, id)
	}
}

// Status resolves mac without mutating anything, for polling clients
// (spec.md §4.J's GET variant). found is false when mac matches no
// workspace; that is not itself an error.
func (h *Handler) Status(ctx context.Context, vmType, mac string) (*Result, bool, error) {
	if mac == "" {
		return nil, false, ErrNoMACAddress
	}
	kind, id, found := h.Registry.Resolve(ctx, mac)
	if !found {
		return nil, false, nil
	}
	return &Result{Kind: kind, ID: id}, true, nil
}
