package golden

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vapiorc/vapiorc/containerdriver"
	"github.com/vapiorc/vapiorc/containerdriver/options"
	"github.com/vapiorc/vapiorc/db"
	"github.com/vapiorc/vapiorc/portalloc"
	"github.com/vapiorc/vapiorc/vmtypes"
	"github.com/vapiorc/vapiorc/workspace"
)

type fakeDriver struct {
	mac        string
	runErr     error
	launchedID string
	lastRun    *options.RunInstance
	stopped    []string
	removed    []string
}

func (f *fakeDriver) Run(ctx context.Context, opts *options.RunInstance, image string, args ...string) (string, error) {
	f.lastRun = opts
	if f.runErr != nil {
		return "", f.runErr
	}
	f.launchedID = "fake-container-id"
	return f.launchedID, nil
}

func (f *fakeDriver) Stop(ctx context.Context, opts *options.StopInstance, containerID string) error {
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeDriver) Remove(ctx context.Context, opts *options.RemoveInstance, containerID string) error {
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeDriver) Exec(ctx context.Context, opts *options.ExecInstance, containerID string, args ...string) (string, error) {
	if f.mac == "" {
		return "", os.ErrDeadlineExceeded
	}
	return f.mac, nil
}

func (f *fakeDriver) DevicesFor(vmType string) containerdriver.DeviceSpec {
	return containerdriver.DeviceSpec{Devices: []string{"/dev/kvm"}, CapAdd: []string{"NET_ADMIN"}}
}

func newTestBuilder(t *testing.T, driver ContainerDriver) (*Builder, *db.Repository, *workspace.Store) {
	t.Helper()
	repo, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	store := workspace.New(t.TempDir())
	ports := portalloc.New(20000, 20100)

	b := New(repo, store, driver, ports, "dockurr/windows", "", "")
	return b, repo, store
}

func TestCreateWritesMACSidecar(t *testing.T) {
	driver := &fakeDriver{mac: "aa:bb:cc:dd:ee:ff"}
	b, repo, store := newTestBuilder(t, driver)

	goldenID, err := b.Create(context.Background(), "11")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	gi, err := repo.GetGoldenImage(context.Background(), goldenID)
	if err != nil {
		t.Fatalf("GetGoldenImage: %v", err)
	}
	if gi.Status != vmtypes.GoldenImageCreating {
		t.Fatalf("status = %v, want creating (Create does not itself mark ready)", gi.Status)
	}

	macs := workspace.ReadMACs(store.GoldenDir(goldenID))
	if len(macs) != 1 || macs[0] != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("ReadMACs = %v, want one normalized entry", macs)
	}
}

func TestCreateWithoutMACStillSucceeds(t *testing.T) {
	driver := &fakeDriver{}
	b, repo, store := newTestBuilder(t, driver)

	goldenID, err := b.Create(context.Background(), "11")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	gi, err := repo.GetGoldenImage(context.Background(), goldenID)
	if err != nil {
		t.Fatalf("GetGoldenImage: %v", err)
	}
	if gi.Status != vmtypes.GoldenImageCreating {
		t.Fatalf("status = %v, want creating", gi.Status)
	}
	if macs := workspace.ReadMACs(store.GoldenDir(goldenID)); len(macs) != 0 {
		t.Fatalf("ReadMACs = %v, want none", macs)
	}
}

func TestCreateMountsAndRendersOEMAssets(t *testing.T) {
	driver := &fakeDriver{mac: "aa:bb:cc:dd:ee:ff"}
	b, _, store := newTestBuilder(t, driver)
	b.HostIP = "10.0.0.9"

	if err := os.MkdirAll(store.OEMDir(), 0o750); err != nil {
		t.Fatalf("MkdirAll OEM dir: %v", err)
	}
	tmpl := filepath.Join(store.OEMDir(), "install.bat.tmpl")
	if err := os.WriteFile(tmpl, []byte("set HOST={{VAPIORC_HOST_IP}}"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := b.Create(context.Background(), "11"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	wantMount := store.OEMDir() + ":/oem"
	found := false
	for _, v := range driver.lastRun.Volume {
		if v == wantMount {
			found = true
		}
	}
	if !found {
		t.Fatalf("Volume = %v, want entry %q", driver.lastRun.Volume, wantMount)
	}

	rendered, err := os.ReadFile(filepath.Join(store.OEMDir(), "install.bat"))
	if err != nil {
		t.Fatalf("rendered OEM asset missing: %v", err)
	}
	if string(rendered) != "set HOST=10.0.0.9" {
		t.Fatalf("rendered = %q", rendered)
	}
}

func TestCreateMarksFailedOnLaunchError(t *testing.T) {
	driver := &fakeDriver{runErr: context.DeadlineExceeded}
	b, repo, _ := newTestBuilder(t, driver)

	_, err := b.Create(context.Background(), "11")
	if err == nil {
		t.Fatalf("Create: want error, got nil")
	}

	gis, err := findAnyGoldenImage(context.Background(), repo, "11")
	if err != nil {
		t.Fatalf("findAnyGoldenImage: %v", err)
	}
	if gis.Status != vmtypes.GoldenImageFailed {
		t.Fatalf("status = %v, want failed", gis.Status)
	}
}

func findAnyGoldenImage(ctx context.Context, repo *db.Repository, vmType string) (*vmtypes.GoldenImage, error) {
	return repo.FindGoldenImage(ctx, vmType, vmtypes.GoldenImageFailed)
}

func TestFinaliseReplacesTemplateAndCleansUp(t *testing.T) {
	driver := &fakeDriver{mac: "aa:bb:cc:dd:ee:ff"}
	b, repo, store := newTestBuilder(t, driver)
	ctx := context.Background()

	goldenID, err := b.Create(ctx, "11")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	goldenDir := store.GoldenDir(goldenID)
	if err := os.WriteFile(filepath.Join(goldenDir, "windows.qcow2"), []byte("disk-bytes"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := b.Finalise(ctx, goldenID); err != nil {
		t.Fatalf("Finalise: %v", err)
	}

	templateDir := store.TemplateDir("11")
	if _, err := os.Stat(filepath.Join(templateDir, "windows.qcow2")); err != nil {
		t.Fatalf("template missing disk: %v", err)
	}
	if macs := workspace.ReadMACs(templateDir); len(macs) != 0 {
		t.Fatalf("template carries mac sidecars: %v", macs)
	}
	if _, err := os.Stat(goldenDir); !os.IsNotExist(err) {
		t.Fatalf("golden image workspace survived Finalise")
	}

	gi, err := repo.GetGoldenImage(ctx, goldenID)
	if err != nil {
		t.Fatalf("GetGoldenImage: %v", err)
	}
	if gi.Status != vmtypes.GoldenImageReady {
		t.Fatalf("status = %v, want ready", gi.Status)
	}

	wantName := "vapiorc_golden_" + goldenID
	if len(driver.stopped) != 1 || driver.stopped[0] != wantName {
		t.Fatalf("stopped = %v, want [%s]", driver.stopped, wantName)
	}
	if len(driver.removed) != 1 || driver.removed[0] != wantName {
		t.Fatalf("removed = %v, want [%s]", driver.removed, wantName)
	}
}

func TestCreateLaunchesInstallerWithExpectedFlags(t *testing.T) {
	captured := &capturingDriver{fakeDriver: fakeDriver{mac: "aa:bb:cc:dd:ee:ff"}}
	b, _, _ := newTestBuilder(t, captured)
	b.Network = "vapiorc-net"

	if _, err := b.Create(context.Background(), "11"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if captured.lastOpts == nil {
		t.Fatalf("Run was never called")
	}
	if captured.lastOpts.Network != "vapiorc-net" {
		t.Fatalf("Network = %q, want vapiorc-net", captured.lastOpts.Network)
	}
	if !strings.HasPrefix(captured.lastOpts.Name, "vapiorc_golden_") {
		t.Fatalf("Name = %q, want vapiorc_golden_ prefix", captured.lastOpts.Name)
	}
	wantEnv := map[string]bool{"VERSION=11": false, "DISK_FMT=qcow2": false}
	for _, e := range captured.lastOpts.Env {
		if _, ok := wantEnv[e]; ok {
			wantEnv[e] = true
		}
	}
	for env, seen := range wantEnv {
		if !seen {
			t.Fatalf("Env missing %q: got %v", env, captured.lastOpts.Env)
		}
	}
}

type capturingDriver struct {
	fakeDriver
	lastOpts *options.RunInstance
}

func (c *capturingDriver) Run(ctx context.Context, opts *options.RunInstance, image string, args ...string) (string, error) {
	c.lastOpts = opts
	return c.fakeDriver.Run(ctx, opts, image, args...)
}
