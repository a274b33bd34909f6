package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/vapiorc/vapiorc/assignment"
	"github.com/vapiorc/vapiorc/containerdriver"
	"github.com/vapiorc/vapiorc/containerdriver/options"
	"github.com/vapiorc/vapiorc/db"
	"github.com/vapiorc/vapiorc/golden"
	"github.com/vapiorc/vapiorc/instancepool"
	"github.com/vapiorc/vapiorc/macregistry"
	"github.com/vapiorc/vapiorc/portalloc"
	"github.com/vapiorc/vapiorc/replenisher"
	"github.com/vapiorc/vapiorc/vmtypes"
	"github.com/vapiorc/vapiorc/webhook"
	"github.com/vapiorc/vapiorc/workspace"
)

type fakeDriver struct {
	mac string
}

func (f *fakeDriver) Run(ctx context.Context, opts *options.RunInstance, image string, args ...string) (string, error) {
	return "container-" + opts.Name, nil
}

func (f *fakeDriver) Stop(ctx context.Context, opts *options.StopInstance, containerID string) error {
	return nil
}

func (f *fakeDriver) Remove(ctx context.Context, opts *options.RemoveInstance, containerID string) error {
	return nil
}

func (f *fakeDriver) Exec(ctx context.Context, opts *options.ExecInstance, containerID string, args ...string) (string, error) {
	if f.mac == "" {
		return "", nil
	}
	return f.mac, nil
}

func (f *fakeDriver) DevicesFor(vmType string) containerdriver.DeviceSpec {
	return containerdriver.DeviceSpec{}
}

func (f *fakeDriver) Inspect(ctx context.Context, containerID string) (*containerdriver.InspectResult, error) {
	info := &containerdriver.InspectResult{ID: containerID}
	info.State.Running = true
	return info, nil
}

func newTestServer(t *testing.T) (*Server, *db.Repository, *workspace.Store) {
	t.Helper()
	repo, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	store := workspace.New(t.TempDir())
	ports := portalloc.New(9000, 9100)
	driver := &fakeDriver{}

	g := golden.New(repo, store, driver, ports, "guest:latest", "", "")
	instances := instancepool.New(repo, store, driver, ports, "guest:latest", "", "")
	registry := macregistry.New(store.GoldenImagesDir(), store.InstancesDir())
	repl := replenisher.New(repo, store, g, instances, 0)
	as := assignment.New(repo, store, driver, instances, repl, "http://console", "11")
	wh := webhook.New(registry, repo, g, repl)

	return New(repo, g, instances, repl, as, wh, "11"), repo, store
}

func TestHandleCreateInstanceAndList(t *testing.T) {
	s, _, store := newTestServer(t)
	// CreateInstance clones the vm_type's template, so one must exist.
	if err := os.MkdirAll(store.TemplateDir("11"), 0o750); err != nil {
		t.Fatalf("MkdirAll template: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.TemplateDir("11"), "windows.qcow2"), []byte("disk"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s.Instances.Driver = &fakeDriver{mac: "aa:bb:cc:dd:ee:ff"}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/vms/instances?vm_type=11", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var created map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created["instance_id"] == "" {
		t.Fatalf("missing instance_id in %v", created)
	}

	listResp, err := http.Get(ts.URL + "/api/vms/instances")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer listResp.Body.Close()
	var instances []*vmtypes.VMInstance
	if err := json.NewDecoder(listResp.Body).Decode(&instances); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(instances) != 1 || instances[0].ID != created["instance_id"] {
		t.Fatalf("instances = %+v", instances)
	}
}

func TestHandleGetInstanceNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/vms/instances/does-not-exist")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleAssignMissingCaller(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/vms/assign", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleReleaseOnAbsentInstanceIsOK(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/vms/instances/ghost", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHandleWebhookReadyNoMACHeader(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/webhook/ready/11", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleWebhookStatusUnregisteredIs404(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/webhook/status/11", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set(macHeader, "de:ad:be:ef:00:00")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
