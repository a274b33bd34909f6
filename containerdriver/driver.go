// Package containerdriver wraps a configured container engine CLI
// (docker, podman, ...) the way applecontainer/containers.go wraps the
// "container" binary: each operation shells out via
// exec.CommandContext, decodes JSON where the engine emits it, and
// runs under Setpgid so a canceled context takes the whole process
// group with it.
package containerdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"

	"github.com/google/go-containerregistry/pkg/crane"

	"github.com/vapiorc/vapiorc/containerdriver/options"
)

// ErrLaunch is returned when the engine's run invocation exits non-zero.
var ErrLaunch = errors.New("containerdriver: launch failed")

// Driver shells out to a single container engine binary.
type Driver struct {
	Engine string
	// DeviceOverrides maps vm_type to a non-default device/capability
	// spec, loaded from devices.yaml. Nil means every vm_type uses
	// defaultDeviceSpec.
	DeviceOverrides map[string]DeviceSpec
}

// New constructs a Driver for the named engine binary (e.g. "docker").
func New(engine string) *Driver {
	return &Driver{Engine: engine}
}

// ResolveDigest resolves image to its registry digest, so the exact
// image a container was launched from can be recorded in the logs.
func (d *Driver) ResolveDigest(image string) (string, error) {
	digest, err := crane.Digest(image)
	if err != nil {
		return "", fmt.Errorf("containerdriver: resolve digest for %s: %w", image, err)
	}
	return digest, nil
}

// Run launches a new container from image, returning its container ID.
// Before launch, it resolves image to its registry digest and logs it
// alongside the container name; a registry that can't be reached (an
// air-gapped host, a local-only tag) only downgrades this to a logged
// warning; it never blocks the launch. The container is started from
// image as given, not from the resolved digest.
func (d *Driver) Run(ctx context.Context, opts *options.RunInstance, image string, args ...string) (string, error) {
	if digest, err := d.ResolveDigest(image); err != nil {
		slog.WarnContext(ctx, "containerdriver.Run: digest resolution failed", "name", opts.Name, "image", image, "error", err)
	} else {
		slog.InfoContext(ctx, "containerdriver.Run: resolved digest", "name", opts.Name, "image", image, "digest", digest)
	}

	cmdArgs := append([]string{"run"}, options.ToArgs(opts)...)
	cmdArgs = append(cmdArgs, image)
	cmdArgs = append(cmdArgs, args...)

	cmd := exec.CommandContext(ctx, d.Engine, cmdArgs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	slog.InfoContext(ctx, "containerdriver.Run", "cmd", strings.Join(cmd.Args, " "))

	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v: %s", ErrLaunch, image, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Stop stops a running container by ID.
func (d *Driver) Stop(ctx context.Context, opts *options.StopInstance, containerID string) error {
	cmdArgs := append([]string{"stop"}, options.ToArgs(opts)...)
	cmdArgs = append(cmdArgs, containerID)

	cmd := exec.CommandContext(ctx, d.Engine, cmdArgs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	slog.InfoContext(ctx, "containerdriver.Stop", "cmd", strings.Join(cmd.Args, " "))

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("containerdriver: stop %s: %w: %s", containerID, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Remove deletes a stopped container by ID.
func (d *Driver) Remove(ctx context.Context, opts *options.RemoveInstance, containerID string) error {
	cmdArgs := append([]string{"rm"}, options.ToArgs(opts)...)
	cmdArgs = append(cmdArgs, containerID)

	cmd := exec.CommandContext(ctx, d.Engine, cmdArgs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	slog.InfoContext(ctx, "containerdriver.Remove", "cmd", strings.Join(cmd.Args, " "))

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("containerdriver: remove %s: %w: %s", containerID, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Exec runs a command inside a running container and returns its combined output.
func (d *Driver) Exec(ctx context.Context, opts *options.ExecInstance, containerID string, args ...string) (string, error) {
	cmdArgs := append([]string{"exec"}, options.ToArgs(opts)...)
	cmdArgs = append(cmdArgs, containerID)
	cmdArgs = append(cmdArgs, args...)

	cmd := exec.CommandContext(ctx, d.Engine, cmdArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("containerdriver: exec in %s: %w", containerID, err)
	}
	return string(out), nil
}

// InspectResult is the subset of `<engine> inspect` JSON output this
// driver depends on.
type InspectResult struct {
	ID    string `json:"Id"`
	State struct {
		Running bool   `json:"Running"`
		Status  string `json:"Status"`
	} `json:"State"`
}

// Inspect returns inspect details for a container by ID.
func (d *Driver) Inspect(ctx context.Context, containerID string) (*InspectResult, error) {
	cmd := exec.CommandContext(ctx, d.Engine, "inspect", containerID)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("containerdriver: inspect %s: %w", containerID, err)
	}

	var results []InspectResult
	if err := json.Unmarshal(out, &results); err != nil {
		return nil, fmt.Errorf("containerdriver: parse inspect JSON for %s: %w", containerID, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("containerdriver: no inspect entries for %s", containerID)
	}
	return &results[0], nil
}
