package webhook

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vapiorc/vapiorc/db"
	"github.com/vapiorc/vapiorc/macregistry"
	"github.com/vapiorc/vapiorc/vmtypes"
	"github.com/vapiorc/vapiorc/workspace"
)

type fakeGolden struct {
	finalised []string
	err       error
}

func (f *fakeGolden) Finalise(ctx context.Context, goldenID string) error {
	f.finalised = append(f.finalised, goldenID)
	return f.err
}

type fakeReplenisher struct {
	mu    sync.Mutex
	calls []string
	done  chan struct{}
}

func newFakeReplenisher() *fakeReplenisher {
	return &fakeReplenisher{done: make(chan struct{}, 8)}
}

func (f *fakeReplenisher) Ensure(ctx context.Context, vmType string) error {
	f.mu.Lock()
	f.calls = append(f.calls, vmType)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeReplenisher) waitForCall(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("replenisher.Ensure was never called")
	}
}

func newTestHandler(t *testing.T, golden GoldenFinalizer, replenisher Replenisher) (*Handler, *db.Repository, *workspace.Store) {
	t.Helper()
	repo, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	store := workspace.New(t.TempDir())
	registry := macregistry.New(store.GoldenImagesDir(), store.InstancesDir())
	return New(registry, repo, golden, replenisher), repo, store
}

func TestReadyFinalisesGoldenImage(t *testing.T) {
	golden := &fakeGolden{}
	replenisher := newFakeReplenisher()
	h, repo, store := newTestHandler(t, golden, replenisher)
	ctx := context.Background()

	gi, err := repo.InsertGoldenImage(ctx, "11", "label")
	if err != nil {
		t.Fatalf("InsertGoldenImage: %v", err)
	}
	goldenDir := store.GoldenDir(gi.ID)
	if err := os.MkdirAll(goldenDir, 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := workspace.WriteMAC(goldenDir, "container-1", "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("WriteMAC: %v", err)
	}

	result, err := h.Ready(ctx, "11", "aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if result.Kind != vmtypes.EntityGoldenImage || result.ID != gi.ID || result.Action != "finalised" {
		t.Fatalf("result = %+v", result)
	}
	if len(golden.finalised) != 1 || golden.finalised[0] != gi.ID {
		t.Fatalf("finalised = %v, want [%s]", golden.finalised, gi.ID)
	}

	replenisher.waitForCall(t)
}

func TestReadyTransitionsInstanceOnce(t *testing.T) {
	golden := &fakeGolden{}
	replenisher := newFakeReplenisher()
	h, repo, store := newTestHandler(t, golden, replenisher)
	ctx := context.Background()

	vi, err := repo.InsertVMInstance(ctx, "11", false, "label")
	if err != nil {
		t.Fatalf("InsertVMInstance: %v", err)
	}
	instanceDir := store.InstanceDir(vi.ID)
	if err := os.MkdirAll(instanceDir, 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := workspace.WriteMAC(instanceDir, "container-2", "11:22:33:44:55:66"); err != nil {
		t.Fatalf("WriteMAC: %v", err)
	}

	result, err := h.Ready(ctx, "11", "11:22:33:44:55:66")
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if result.Action != "ready" {
		t.Fatalf("Action = %q, want ready", result.Action)
	}

	got, err := repo.GetVMInstance(ctx, vi.ID)
	if err != nil {
		t.Fatalf("GetVMInstance: %v", err)
	}
	if got.Status != vmtypes.InstanceReady {
		t.Fatalf("status = %v, want ready", got.Status)
	}

	// A replayed webhook for the same MAC is a no-op, not an error.
	result2, err := h.Ready(ctx, "11", "11:22:33:44:55:66")
	if err != nil {
		t.Fatalf("Ready (replay): %v", err)
	}
	if result2.Action != "ignored" {
		t.Fatalf("Action (replay) = %q, want ignored", result2.Action)
	}
}

func TestReadyUnregisteredMAC(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeGolden{}, newFakeReplenisher())
	_, err := h.Ready(context.Background(), "11", "de:ad:be:ef:00:00")
	if !errors.Is(err, ErrUnregistered) {
		t.Fatalf("err = %v, want ErrUnregistered", err)
	}
}

func TestReadyNoMACAddress(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeGolden{}, newFakeReplenisher())
	_, err := h.Ready(context.Background(), "11", "")
	if !errors.Is(err, ErrNoMACAddress) {
		t.Fatalf("err = %v, want ErrNoMACAddress", err)
	}
}

func TestStatusDoesNotMutate(t *testing.T) {
	h, repo, store := newTestHandler(t, &fakeGolden{}, newFakeReplenisher())
	ctx := context.Background()

	vi, err := repo.InsertVMInstance(ctx, "11", false, "label")
	if err != nil {
		t.Fatalf("InsertVMInstance: %v", err)
	}
	instanceDir := store.InstanceDir(vi.ID)
	if err := os.MkdirAll(instanceDir, 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := workspace.WriteMAC(instanceDir, "container-3", "aa:aa:aa:aa:aa:aa"); err != nil {
		t.Fatalf("WriteMAC: %v", err)
	}

	result, found, err := h.Status(ctx, "11", "aa:aa:aa:aa:aa:aa")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !found {
		t.Fatalf("found = false, want true")
	}
	if result.Kind != vmtypes.EntityVMInstance || result.ID != vi.ID {
		t.Fatalf("result = %+v", result)
	}

	got, err := repo.GetVMInstance(ctx, vi.ID)
	if err != nil {
		t.Fatalf("GetVMInstance: %v", err)
	}
	if got.Status != vmtypes.InstanceStarting {
		t.Fatalf("status = %v, want unchanged starting", got.Status)
	}
}

func TestStatusUnregisteredIsNotAnError(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeGolden{}, newFakeReplenisher())
	result, found, err := h.Status(context.Background(), "11", "de:ad:be:ef:00:00")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if found || result != nil {
		t.Fatalf("found = %v, result = %v, want false/nil", found, result)
	}
}
