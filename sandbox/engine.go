package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrEngineUnavailable is returned when the container engine cannot be
// reached. No submitted code is inspected or run in that case; there is
// deliberately no path that degrades to unsandboxed execution.
var ErrEngineUnavailable = errors.New("container engine unavailable")

// Engine wraps the container engine CLI (docker or podman, same flag
// surface). All engine interaction goes through a CommandRunner so tests
// can observe and fake every invocation.
type Engine struct {
	binary    string
	logger    *zap.Logger
	cmdRunner CommandRunner
}

// EngineOption defines a functional option for Engine
type EngineOption func(*Engine)

// WithEngineCommandRunner sets the CommandRunner for Engine
func WithEngineCommandRunner(cmdRunner CommandRunner) EngineOption {
	return func(e *Engine) {
		e.cmdRunner = cmdRunner
	}
}

// NewEngine creates an Engine for the given CLI binary
func NewEngine(logger *zap.Logger, binary string, opts ...EngineOption) *Engine {
	engine := &Engine{
		binary:    binary,
		logger:    logger,
		cmdRunner: &RealCommandRunner{},
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// Ping probes engine reachability with a side-effect-free query. It is
// the availability gate: callers must not launch anything when it fails.
func (e *Engine) Ping(ctx context.Context) error {
	_, stderr, exitCode, err := e.cmdRunner.RunCommand(ctx, []string{e.binary, "info", "--format", "{{.ServerVersion}}"})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: %s", ErrEngineUnavailable, strings.TrimSpace(stderr))
	}
	return nil
}

// ImageExists reports whether the image is present locally
func (e *Engine) ImageExists(ctx context.Context, image string) (bool, error) {
	_, _, exitCode, err := e.cmdRunner.RunCommand(ctx, []string{e.binary, "image", "inspect", image, "--format", "{{.Id}}"})
	if err != nil {
		return false, fmt.Errorf("failed to inspect image %s: %w", image, err)
	}
	return exitCode == 0, nil
}

// BuildImage builds the image from the given build context directory
func (e *Engine) BuildImage(ctx context.Context, image, contextDir string) error {
	_, stderr, exitCode, err := e.cmdRunner.RunCommand(ctx, []string{e.binary, "build", "-t", image, contextDir})
	if err != nil {
		return fmt.Errorf("failed to build image %s: %w", image, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("image build for %s exited with %d: %s", image, exitCode, strings.TrimSpace(stderr))
	}
	e.logger.Info("sandbox image built", zap.String("image", image))
	return nil
}

// ContainerSpec describes one hardened container launch.
type ContainerSpec struct {
	Name          string
	Image         string
	MemoryBytes   int64
	CPUs          float64
	PidsLimit     int
	OpenFiles     int
	ScratchSizeMB int
	Env           map[string]string
}

// RunContainer launches a single-use container and blocks until it
// exits or ctx is done. The container gets no network, a read-only root
// filesystem with size-capped non-executable scratch mounts, no
// capabilities, a hard memory ceiling with swap disabled, a fractional
// CPU ceiling, and caps on process count and open files. The request
// payload travels in environment variables, never in a writable file.
func (e *Engine) RunContainer(ctx context.Context, spec ContainerSpec) (stdout, stderr string, exitCode int, err error) {
	args := []string{
		e.binary, "run",
		"--name", spec.Name,
		"--network", "none",
		"--read-only",
		"--tmpfs", fmt.Sprintf("/tmp:rw,noexec,nosuid,size=%dm", spec.ScratchSizeMB),
		"--tmpfs", fmt.Sprintf("/run:rw,noexec,nosuid,size=%dm", spec.ScratchSizeMB),
		"--memory", fmt.Sprintf("%d", spec.MemoryBytes),
		"--memory-swap", fmt.Sprintf("%d", spec.MemoryBytes),
		"--cpus", fmt.Sprintf("%.2f", spec.CPUs),
		"--pids-limit", fmt.Sprintf("%d", spec.PidsLimit),
		"--ulimit", fmt.Sprintf("nofile=%d:%d", spec.OpenFiles, spec.OpenFiles),
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--user", "runner",
	}

	for key, value := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, value))
	}

	args = append(args, spec.Image)

	return e.cmdRunner.RunCommand(ctx, args)
}

// RemoveContainer force-removes the named container. Removing a
// container that is already gone is not an error.
func (e *Engine) RemoveContainer(ctx context.Context, name string) error {
	_, stderr, exitCode, err := e.cmdRunner.RunCommand(ctx, []string{e.binary, "rm", "-f", name})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	if exitCode != 0 && !strings.Contains(stderr, "No such container") {
		return fmt.Errorf("container removal for %s exited with %d: %s", name, exitCode, strings.TrimSpace(stderr))
	}
	return nil
}

// ContainerInfo describes one container from an engine listing.
type ContainerInfo struct {
	Name      string
	CreatedAt time.Time
}

// createdAtLayout matches the engine's {{.CreatedAt}} format,
// e.g. "2026-08-31 10:15:04 +0000 UTC".
const createdAtLayout = "2006-01-02 15:04:05 -0700 MST"

// ListContainers returns all containers, running or exited, whose name
// starts with prefix.
func (e *Engine) ListContainers(ctx context.Context, prefix string) ([]ContainerInfo, error) {
	stdout, stderr, exitCode, err := e.cmdRunner.RunCommand(ctx, []string{
		e.binary, "ps", "-a",
		"--filter", "name=" + prefix,
		"--format", "{{.Names}}\t{{.CreatedAt}}",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("container listing exited with %d: %s", exitCode, strings.TrimSpace(stderr))
	}

	var containers []ContainerInfo
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			continue
		}
		// The name filter is a substring match on the engine side;
		// re-check the prefix so we never touch foreign containers.
		if !strings.HasPrefix(fields[0], prefix) {
			continue
		}
		createdAt, parseErr := time.Parse(createdAtLayout, strings.TrimSpace(fields[1]))
		if parseErr != nil {
			e.logger.Warn("unparseable container timestamp",
				zap.String("container", fields[0]),
				zap.String("created_at", fields[1]))
			continue
		}
		containers = append(containers, ContainerInfo{Name: fields[0], CreatedAt: createdAt})
	}

	return containers, nil
}
