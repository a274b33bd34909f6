// Package workspace manages the on-disk template/golden/instance layout
// under STORAGE_PATH, the way workspace.go clones a sandbox's host
// working directory — but with a portable WalkDir-based copy in place
// of the teacher's "cp -Rc" shell-out, since a KVM host has no macOS
// copy-on-write clonefs to exploit.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrTemplateMissing is returned when an instance clone is requested
// but the vm_type's template directory does not exist (spec.md §4.G
// step 3, §7's TemplateMissing).
var ErrTemplateMissing = errors.New("workspace: template missing")

// Store roots every golden-image/instance directory under a single
// storage path, mirroring config.Settings' directory layout.
type Store struct {
	Root string
}

// New constructs a Store rooted at root.
func New(root string) *Store {
	return &Store{Root: root}
}

func (s *Store) GoldenImagesDir() string { return filepath.Join(s.Root, "golden_images") }
func (s *Store) InstancesDir() string    { return filepath.Join(s.Root, "instances") }

// OEMDir is the single shared directory of in-guest install/reporter
// assets mounted into every installer and instance container, mirroring
// the original's HOST_ASSETS_PATH. Its "*.tmpl" files are rendered in
// place by RenderOEMAssets before each launch.
func (s *Store) OEMDir() string { return filepath.Join(s.Root, "oem") }

// TemplateDir is the canonical "<vm_type>_template" directory that
// every new VM instance of that vm_type is cloned from.
func (s *Store) TemplateDir(vmType string) string {
	return filepath.Join(s.GoldenImagesDir(), vmType+"_template")
}

// GoldenDir is the workspace for a specific golden image.
func (s *Store) GoldenDir(goldenID string) string {
	return filepath.Join(s.GoldenImagesDir(), goldenID)
}

// InstanceDir is the workspace for a specific VM instance.
func (s *Store) InstanceDir(instanceID string) string {
	return filepath.Join(s.InstancesDir(), instanceID)
}

// CreateGoldenDir creates an empty workspace for a new golden image
// installer to write into (spec.md §4.F step 2). Golden images are
// built from a fresh installer run, not cloned.
func (s *Store) CreateGoldenDir(goldenID string) (string, error) {
	dir := s.GoldenDir(goldenID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("workspace: create golden dir %s: %w", dir, err)
	}
	return dir, nil
}

// CreateInstanceDir creates an empty instance workspace, then deep-copies
// the vm_type's template into it (spec.md §4.G steps 2-4). Returns
// ErrTemplateMissing if no template exists for vmType.
func (s *Store) CreateInstanceDir(ctx context.Context, vmType, instanceID string) (string, error) {
	dst := s.InstanceDir(instanceID)
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return "", fmt.Errorf("workspace: create instance dir %s: %w", dst, err)
	}

	if !s.TemplateExists(vmType) {
		return "", fmt.Errorf("%w: vm_type %s", ErrTemplateMissing, vmType)
	}

	src := s.TemplateDir(vmType)
	slog.InfoContext(ctx, "workspace.CreateInstanceDir", "src", src, "dst", dst)
	if err := CopyTree(src, dst); err != nil {
		return "", fmt.Errorf("workspace: clone template into instance %s: %w", instanceID, err)
	}
	return dst, nil
}

// TemplateExists reports whether vmType has a non-empty template directory.
func (s *Store) TemplateExists(vmType string) bool {
	entries, err := os.ReadDir(s.TemplateDir(vmType))
	if err != nil {
		return false
	}
	return len(entries) > 0
}

// ReplaceTemplate materialises golden_images/<vm_type>_template/ from a
// completed golden image workspace: remove the existing template (if
// any), then deep-copy from the golden image directory. A copy is used
// rather than a rename so the source installer workspace stays
// valid if this step fails partway (spec.md §4.C, §9).
func (s *Store) ReplaceTemplate(ctx context.Context, vmType, goldenID string) (string, error) {
	templateDir := s.TemplateDir(vmType)
	goldenDir := s.GoldenDir(goldenID)

	if err := os.RemoveAll(templateDir); err != nil {
		return "", fmt.Errorf("workspace: remove stale template %s: %w", templateDir, err)
	}
	slog.InfoContext(ctx, "workspace.ReplaceTemplate", "src", goldenDir, "dst", templateDir)
	if err := CopyTree(goldenDir, templateDir); err != nil {
		return "", fmt.Errorf("workspace: replace template %s from %s: %w", templateDir, goldenDir, err)
	}
	return templateDir, nil
}

// Remove deletes a workspace directory entirely.
func (s *Store) Remove(ctx context.Context, dir string) error {
	slog.InfoContext(ctx, "workspace.Remove", "dir", dir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("workspace: remove %s: %w", dir, err)
	}
	return nil
}

// WriteMAC records the MAC address observed for containerID's guest, in
// a "<container_id>.mac" sidecar file — the authoritative MAC→entity
// binding macregistry scans for.
func WriteMAC(dir, containerID, mac string) error {
	path := filepath.Join(dir, containerID+".mac")
	if err := os.WriteFile(path, []byte(strings.ToUpper(mac)+"\n"), 0o640); err != nil {
		return fmt.Errorf("workspace: write mac sidecar %s: %w", path, err)
	}
	return nil
}

// ReadMACs reads every "*.mac" sidecar in dir, returning their
// (already-trimmed) contents.
func ReadMACs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var macs []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".mac") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		macs = append(macs, strings.TrimSpace(string(data)))
	}
	return macs
}

// StripMACs removes every "*.mac" sidecar from dir so a template never
// carries a sidecar over to its clones (spec.md §3's template-purity
// invariant, P3).
func StripMACs(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("workspace: strip macs in %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".mac") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("workspace: strip mac sidecar %s: %w", e.Name(), err)
		}
	}
	return nil
}

// RenderOEMAssets renders every "*.tmpl" file directly under dir (the
// OEM mount carrying the in-guest install/reporter scripts) by
// substituting "{{VAPIORC_HOST_IP}}" and "{{VAPIORC_DOCKER_NETWORK}}"
// placeholders, writing the result alongside the template with the
// ".tmpl" suffix dropped (e.g. "install.bat.tmpl" -> "install.bat").
// A vm_type with no templated assets is not an error.
func RenderOEMAssets(dir, hostIP, dockerNetwork string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("workspace: read OEM asset dir %s: %w", dir, err)
	}

	replacer := strings.NewReplacer(
		"{{VAPIORC_HOST_IP}}", hostIP,
		"{{VAPIORC_DOCKER_NETWORK}}", dockerNetwork,
	)

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmpl") {
			continue
		}
		src := filepath.Join(dir, e.Name())
		content, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("workspace: read OEM template %s: %w", src, err)
		}

		dst := filepath.Join(dir, strings.TrimSuffix(e.Name(), ".tmpl"))
		if err := os.WriteFile(dst, []byte(replacer.Replace(string(content))), 0o640); err != nil {
			return fmt.Errorf("workspace: write rendered OEM asset %s: %w", dst, err)
		}
	}
	return nil
}

// CopyTree recursively copies src into dst, preserving file mode and
// modification time. It is the pure-Go stand-in for the teacher's
// "cp -Rc" shell-out: no OS-specific clonefs, just a WalkDir plus
// io.Copy per regular file, which is all a Linux KVM host needs.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}

		if d.Type()&os.ModeSymlink != 0 {
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		}

		return copyFile(path, target, info)
	})
}

func copyFile(src, dst string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
