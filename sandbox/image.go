package sandbox

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// payloadEnvVar carries the base64-encoded execution payload into the
// container. Environment injection keeps the request out of any file
// the running program could rewrite.
const payloadEnvVar = "RUNBOX_PAYLOAD"

// dockerfile is the build recipe for the execution image. The worker
// script is baked in at build time and owned by root while the
// container runs as an unprivileged user, so submitted code cannot
// replace it.
const dockerfile = `FROM python:3.12-slim
RUN useradd --create-home --shell /usr/sbin/nologin runner
COPY worker.py /opt/runbox/worker.py
USER runner
ENTRYPOINT ["python3", "-I", "/opt/runbox/worker.py"]
`

// workerScript runs inside the container. It reads the payload from the
// environment, executes the submission and its test cases, and emits
// exactly one JSON document on real stdout at exit. Everything the
// submission prints is captured and carried inside that document.
const workerScript = `import base64
import io
import json
import os
import signal
import sys
import time
from contextlib import redirect_stdout, redirect_stderr


class TestTimeout(Exception):
    pass


def _alarm(signum, frame):
    raise TestTimeout()


def run_fragment(source, timeout_ms):
    out, err = io.StringIO(), io.StringIO()
    scope = {"__name__": "__main__"}
    error = ""
    start = time.monotonic()
    if timeout_ms > 0:
        signal.signal(signal.SIGALRM, _alarm)
        signal.setitimer(signal.ITIMER_REAL, timeout_ms / 1000.0)
    try:
        with redirect_stdout(out), redirect_stderr(err):
            exec(compile(source, "<submission>", "exec"), scope)
    except TestTimeout:
        error = "test timed out"
    except SystemExit:
        pass
    except MemoryError:
        raise
    except BaseException as exc:
        error = "%s: %s" % (type(exc).__name__, exc)
    finally:
        signal.setitimer(signal.ITIMER_REAL, 0)
    elapsed = time.monotonic() - start
    return out.getvalue(), err.getvalue(), error, elapsed


def main():
    payload = json.loads(base64.b64decode(os.environ["RUNBOX_PAYLOAD"]))
    code = payload["code"]
    tests = payload.get("test_cases") or []

    result = {
        "success": False,
        "stdout": "",
        "stderr": "",
        "execution_time": 0.0,
        "error_type": "none",
        "test_results": [],
    }

    started = time.monotonic()
    try:
        stdout, stderr, error, _ = run_fragment(code, 0)
        result["stdout"] = stdout
        result["stderr"] = stderr
        if error:
            result["error_type"] = "execution"
            result["stderr"] = (stderr + "\n" + error).strip()
        else:
            result["success"] = True

        for case in tests:
            source = code + "\n" + case.get("fragment", "")
            t_out, t_err, t_error, t_elapsed = run_fragment(
                source, case.get("timeout_ms", 0))
            actual = t_out.strip()
            expected = case.get("expected", "").strip()
            passed = t_error == "" and actual == expected
            result["test_results"].append({
                "name": case.get("name", ""),
                "passed": passed,
                "expected": expected,
                "actual": actual,
                "time": t_elapsed,
                "error": t_error or t_err.strip(),
            })
            if not passed:
                result["success"] = False
    except MemoryError:
        result["success"] = False
        result["error_type"] = "memory"

    result["execution_time"] = time.monotonic() - started
    json.dump(result, sys.stdout)
    sys.stdout.write("\n")


if __name__ == "__main__":
    main()
`

// Provisioner builds the execution image if it is absent. Ensure is
// idempotent and safe under concurrent first callers: a singleflight
// group guarantees exactly one build proceeds while the others await
// its result.
type Provisioner struct {
	logger *zap.Logger
	engine *Engine
	fs     FileSystem
	group  singleflight.Group
}

// ProvisionerOption defines a functional option for Provisioner
type ProvisionerOption func(*Provisioner)

// WithProvisionerFileSystem sets the FileSystem for Provisioner
func WithProvisionerFileSystem(fs FileSystem) ProvisionerOption {
	return func(p *Provisioner) {
		p.fs = fs
	}
}

// NewProvisioner creates a Provisioner backed by the given engine
func NewProvisioner(logger *zap.Logger, engine *Engine, opts ...ProvisionerOption) *Provisioner {
	provisioner := &Provisioner{
		logger: logger,
		engine: engine,
		fs:     &RealFileSystem{},
	}

	for _, opt := range opts {
		opt(provisioner)
	}

	return provisioner
}

// Ensure makes sure the image exists, building it when absent.
func (p *Provisioner) Ensure(ctx context.Context, image string) error {
	_, err, _ := p.group.Do(image, func() (interface{}, error) {
		exists, existsErr := p.engine.ImageExists(ctx, image)
		if existsErr != nil {
			return nil, existsErr
		}
		if exists {
			return nil, nil
		}
		return nil, p.build(ctx, image)
	})
	return err
}

// build assembles a throwaway build context and runs the engine build.
func (p *Provisioner) build(ctx context.Context, image string) error {
	contextDir, err := p.fs.MkdirTemp("", "runbox-build-*")
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}
	defer func() {
		if rmErr := p.fs.RemoveAll(contextDir); rmErr != nil {
			p.logger.Error("failed to remove build context", zap.String("path", contextDir), zap.Error(rmErr))
		}
	}()

	if err := p.fs.WriteFile(filepath.Join(contextDir, "Dockerfile"), []byte(dockerfile), FilePermission); err != nil {
		return fmt.Errorf("failed to write Dockerfile: %w", err)
	}
	if err := p.fs.WriteFile(filepath.Join(contextDir, "worker.py"), []byte(workerScript), FilePermission); err != nil {
		return fmt.Errorf("failed to write worker script: %w", err)
	}

	p.logger.Info("building sandbox image", zap.String("image", image))
	return p.engine.BuildImage(ctx, image, contextDir)
}
