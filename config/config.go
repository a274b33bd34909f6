// Package config defines the daemon's configuration surface: every field
// is a kong CLI flag with an environment-variable fallback, following
// cmd/sand/main.go's CLI struct style (default/placeholder/help tags).
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Settings is the full configuration surface for vapiorcd, per spec.md §6.
type Settings struct {
	DatabaseURL     string `name:"database-url" env:"DATABASE_URL" default:"vapiorc.db" help:"sqlite database path or DSN for the repository"`
	StoragePath     string `name:"storage-path" env:"STORAGE_PATH" default:"/var/lib/vapiorc" help:"root of the workspace layout (golden_images/, instances/)"`
	PortRangeStart  int    `name:"port-range-start" env:"PORT_RANGE_START" default:"8001" help:"first port (inclusive) the port allocator may hand out"`
	PortRangeEnd    int    `name:"port-range-end" env:"PORT_RANGE_END" default:"8100" help:"last port (exclusive) the port allocator may hand out"`
	HotSpareCount   int    `name:"hot-spare-count" env:"HOT_SPARE_COUNT" default:"1" help:"target number of ready, unassigned hot spares; 0 disables the replenisher"`
	VMType          string `name:"vm-type" env:"VM_TYPE" default:"11" help:"default guest OS variant tag"`
	HostIP          string `name:"host-ip" env:"HOST_IP" default:"" help:"host IP the in-guest reporter should call back to"`
	DockerNetwork   string `name:"docker-network" env:"DOCKER_NETWORK" default:"" help:"container network to attach VM containers to; empty uses the engine default bridge"`
	ContainerEngine string `name:"container-engine" env:"CONTAINER_ENGINE" default:"docker" help:"container engine CLI binary name"`
	GuestImage      string `name:"guest-image" env:"GUEST_IMAGE" default:"dockurr/windows" help:"container image used for both installer and instance containers"`
	ListenAddr      string `name:"listen-addr" env:"LISTEN_ADDR" default:":8080" help:"HTTP control-plane listen address"`
	LogFile         string `name:"log-file" env:"LOG_FILE" default:"" placeholder:"<log-file-path>" help:"location of the rotating log file (stderr if unset)"`
	LogLevel        string `name:"log-level" env:"LOG_LEVEL" default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level"`
	OTLPEndpoint    string `name:"otlp-endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"" help:"OTLP/gRPC collector endpoint; tracing is a no-op when unset"`
}

// GoldenImagesDir returns the root directory holding golden image workspaces.
func (s *Settings) GoldenImagesDir() string {
	return filepath.Join(s.StoragePath, "golden_images")
}

// InstancesDir returns the root directory holding instance workspaces.
func (s *Settings) InstancesDir() string {
	return filepath.Join(s.StoragePath, "instances")
}

// TemplateDir returns the canonical template directory for a vm_type.
func (s *Settings) TemplateDir(vmType string) string {
	return filepath.Join(s.GoldenImagesDir(), fmt.Sprintf("%s_template", vmType))
}

// OEMDir returns the directory of in-guest install/reporter assets
// mounted into every installer and instance container.
func (s *Settings) OEMDir() string {
	return filepath.Join(s.StoragePath, "oem")
}

// EnsureDirectories creates the storage root and its subtrees if absent.
func (s *Settings) EnsureDirectories() error {
	for _, dir := range []string{s.GoldenImagesDir(), s.InstancesDir(), s.OEMDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
