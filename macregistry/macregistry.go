// Package macregistry resolves a guest-reported MAC address back to
// the golden image or VM instance workspace it belongs to, by scanning
// the ".mac" sidecar files workspace.WriteMAC produces — the same
// directory-scan find_container_by_mac used, translated from Python's
// glob walk into os.ReadDir plus a per-workspace filepath.Glob.
package macregistry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/vapiorc/vapiorc/vmtypes"
)

// Registry scans golden-image and instance workspace trees for MAC sidecars.
type Registry struct {
	GoldenImagesDir string
	InstancesDir    string
}

// New constructs a Registry over the two workspace roots.
func New(goldenImagesDir, instancesDir string) *Registry {
	return &Registry{GoldenImagesDir: goldenImagesDir, InstancesDir: instancesDir}
}

// Canonicalize normalizes a MAC address to uppercase, colon-separated
// form, matching both hyphenated (install.bat) and colon-separated
// (libvirt) notations.
func Canonicalize(mac string) string {
	mac = strings.ToUpper(strings.TrimSpace(mac))
	return strings.ReplaceAll(mac, "-", ":")
}

// Resolve searches golden image workspaces first, then instance
// workspaces, for a ".mac" sidecar matching mac, returning the owning
// entity's kind and ID. found is false if no workspace matches.
func (r *Registry) Resolve(ctx context.Context, mac string) (kind vmtypes.EntityKind, id string, found bool) {
	target := Canonicalize(mac)

	if id, found := scanDir(ctx, r.GoldenImagesDir, target, skipTemplateDirs); found {
		return vmtypes.EntityGoldenImage, id, true
	}
	if id, found := scanDir(ctx, r.InstancesDir, target, nil); found {
		return vmtypes.EntityVMInstance, id, true
	}

	slog.InfoContext(ctx, "macregistry.Resolve: no workspace found", "mac", target)
	return "", "", false
}

func skipTemplateDirs(name string) bool {
	return strings.HasSuffix(name, "_template")
}

func scanDir(ctx context.Context, root, target string, skip func(name string) bool) (string, bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		slog.WarnContext(ctx, "macregistry.scanDir: cannot read directory", "root", root, "error", err)
		return "", false
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if skip != nil && skip(entry.Name()) {
			continue
		}

		workspaceDir := filepath.Join(root, entry.Name())
		macFiles, err := filepath.Glob(filepath.Join(workspaceDir, "*.mac"))
		if err != nil {
			slog.WarnContext(ctx, "macregistry.scanDir: bad glob pattern", "dir", workspaceDir, "error", err)
			continue
		}

		for _, macFile := range macFiles {
			data, err := os.ReadFile(macFile)
			if err != nil {
				slog.WarnContext(ctx, "macregistry.scanDir: cannot read mac sidecar", "path", macFile, "error", err)
				continue
			}
			if Canonicalize(string(data)) == target {
				return entry.Name(), true
			}
		}
	}
	return "", false
}
