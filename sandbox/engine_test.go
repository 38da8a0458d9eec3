package sandbox

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeRunner implements CommandRunner for testing. It records every
// invocation and answers through a per-verb handler.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	handler func(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

func (f *fakeRunner) RunCommand(ctx context.Context, args []string) (string, string, int, error) {
	f.mu.Lock()
	recorded := make([]string, len(args))
	copy(recorded, args)
	f.calls = append(f.calls, recorded)
	f.mu.Unlock()

	if f.handler != nil {
		return f.handler(ctx, args)
	}
	return "", "", 0, nil
}

// callsWithVerb returns recorded invocations whose second argv element
// matches verb (e.g. "run", "rm", "info").
func (f *fakeRunner) callsWithVerb(verb string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched [][]string
	for _, call := range f.calls {
		if len(call) > 1 && call[1] == verb {
			matched = append(matched, call)
		}
	}
	return matched
}

func argsContain(args []string, want ...string) bool {
	joined := " " + strings.Join(args, " ") + " "
	for _, fragment := range want {
		if !strings.Contains(joined, " "+fragment+" ") {
			return false
		}
	}
	return true
}

func TestEnginePing(t *testing.T) {
	t.Run("Reachable", func(t *testing.T) {
		runner := &fakeRunner{handler: func(_ context.Context, _ []string) (string, string, int, error) {
			return "27.0.1\n", "", 0, nil
		}}
		engine := NewEngine(zaptest.NewLogger(t), "docker", WithEngineCommandRunner(runner))

		require.NoError(t, engine.Ping(context.Background()))
		require.Len(t, runner.callsWithVerb("info"), 1)
		assert.True(t, argsContain(runner.calls[0], "--format"))
	})

	t.Run("UnreachableExitCode", func(t *testing.T) {
		runner := &fakeRunner{handler: func(_ context.Context, _ []string) (string, string, int, error) {
			return "", "Cannot connect to the Docker daemon", 1, nil
		}}
		engine := NewEngine(zaptest.NewLogger(t), "docker", WithEngineCommandRunner(runner))

		err := engine.Ping(context.Background())
		require.ErrorIs(t, err, ErrEngineUnavailable)
	})

	t.Run("UnreachableExecError", func(t *testing.T) {
		runner := &fakeRunner{handler: func(_ context.Context, _ []string) (string, string, int, error) {
			return "", "", 0, context.DeadlineExceeded
		}}
		engine := NewEngine(zaptest.NewLogger(t), "docker", WithEngineCommandRunner(runner))

		err := engine.Ping(context.Background())
		require.ErrorIs(t, err, ErrEngineUnavailable)
	})
}

func TestEngineImageExists(t *testing.T) {
	t.Run("Present", func(t *testing.T) {
		runner := &fakeRunner{handler: func(_ context.Context, _ []string) (string, string, int, error) {
			return "sha256:abc\n", "", 0, nil
		}}
		engine := NewEngine(zaptest.NewLogger(t), "docker", WithEngineCommandRunner(runner))

		exists, err := engine.ImageExists(context.Background(), "runbox-python:latest")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("Absent", func(t *testing.T) {
		runner := &fakeRunner{handler: func(_ context.Context, _ []string) (string, string, int, error) {
			return "", "No such image", 1, nil
		}}
		engine := NewEngine(zaptest.NewLogger(t), "docker", WithEngineCommandRunner(runner))

		exists, err := engine.ImageExists(context.Background(), "runbox-python:latest")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestEngineRunContainerHardening(t *testing.T) {
	runner := &fakeRunner{}
	engine := NewEngine(zaptest.NewLogger(t), "docker", WithEngineCommandRunner(runner))

	_, _, _, err := engine.RunContainer(context.Background(), ContainerSpec{
		Name:          "runbox-test",
		Image:         "runbox-python:latest",
		MemoryBytes:   128 * 1024 * 1024,
		CPUs:          0.5,
		PidsLimit:     64,
		OpenFiles:     64,
		ScratchSizeMB: 16,
		Env:           map[string]string{"RUNBOX_PAYLOAD": "e30="},
	})
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)

	args := runner.calls[0]
	assert.True(t, argsContain(args, "--network", "none"), "networking must be disabled")
	assert.True(t, argsContain(args, "--read-only"), "root filesystem must be read-only")
	assert.True(t, argsContain(args, "--cap-drop", "ALL"), "all capabilities must be dropped")
	assert.True(t, argsContain(args, "--security-opt", "no-new-privileges"))
	assert.True(t, argsContain(args, "--user", "runner"), "must run as non-root")
	assert.True(t, argsContain(args, "--memory", "134217728"))
	assert.True(t, argsContain(args, "--memory-swap", "134217728"), "swap must not extend the ceiling")
	assert.True(t, argsContain(args, "--cpus", "0.50"))
	assert.True(t, argsContain(args, "--pids-limit", "64"))
	assert.True(t, argsContain(args, "--ulimit", "nofile=64:64"))
	assert.True(t, argsContain(args, "--tmpfs", "/tmp:rw,noexec,nosuid,size=16m"), "scratch must be size-capped and non-executable")
	assert.True(t, argsContain(args, "-e", "RUNBOX_PAYLOAD=e30="), "payload travels in the environment")
	assert.True(t, argsContain(args, "--name", "runbox-test"))
}

func TestEngineRemoveContainer(t *testing.T) {
	t.Run("Removed", func(t *testing.T) {
		runner := &fakeRunner{}
		engine := NewEngine(zaptest.NewLogger(t), "docker", WithEngineCommandRunner(runner))
		require.NoError(t, engine.RemoveContainer(context.Background(), "runbox-test"))
		require.Len(t, runner.callsWithVerb("rm"), 1)
		assert.True(t, argsContain(runner.calls[0], "-f", "runbox-test"))
	})

	t.Run("AlreadyGoneIsNotAnError", func(t *testing.T) {
		runner := &fakeRunner{handler: func(_ context.Context, _ []string) (string, string, int, error) {
			return "", "Error: No such container: runbox-test", 1, nil
		}}
		engine := NewEngine(zaptest.NewLogger(t), "docker", WithEngineCommandRunner(runner))
		require.NoError(t, engine.RemoveContainer(context.Background(), "runbox-test"))
	})
}

func TestEngineListContainers(t *testing.T) {
	listing := "runbox-aaa\t2026-08-31 10:00:00 +0000 UTC\n" +
		"other-zzz\t2026-08-31 10:05:00 +0000 UTC\n" +
		"runbox-bbb\t2026-08-31 10:10:00 +0000 UTC\n" +
		"runbox-ccc\tnot-a-timestamp\n"
	runner := &fakeRunner{handler: func(_ context.Context, _ []string) (string, string, int, error) {
		return listing, "", 0, nil
	}}
	engine := NewEngine(zaptest.NewLogger(t), "docker", WithEngineCommandRunner(runner))

	containers, err := engine.ListContainers(context.Background(), "runbox-")
	require.NoError(t, err)
	require.Len(t, containers, 2, "foreign and unparseable rows are skipped")
	assert.Equal(t, "runbox-aaa", containers[0].Name)
	assert.Equal(t, "runbox-bbb", containers[1].Name)
	assert.True(t, containers[0].CreatedAt.Equal(time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)))
}
