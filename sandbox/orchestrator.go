package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courselab/runbox/config"
)

// oomExitCode is what the engine reports when the kernel kills the
// container process for exceeding its memory ceiling.
const oomExitCode = 137

// removalTimeout bounds the forced container removal on exit paths
// whose request context is already dead.
const removalTimeout = 30 * time.Second

// Orchestrator runs one code submission per call inside an ephemeral,
// resource-capped container. Instances are explicitly constructed and
// passed to callers; there is no package-level singleton. Concurrent
// calls are independent: each owns its own uniquely-named container and
// shares nothing mutable beyond the image and the cache.
type Orchestrator struct {
	logger      *zap.Logger
	cfg         *config.Config
	engine      *Engine
	provisioner *Provisioner
	cache       ResultCache
}

// OrchestratorOption defines a functional option for Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithCache sets the result cache; nil disables caching entirely
func WithCache(cache ResultCache) OrchestratorOption {
	return func(o *Orchestrator) {
		o.cache = cache
	}
}

// NewOrchestrator creates an Orchestrator
func NewOrchestrator(logger *zap.Logger, cfg *config.Config, engine *Engine, provisioner *Provisioner, opts ...OrchestratorOption) *Orchestrator {
	orchestrator := &Orchestrator{
		logger:      logger,
		cfg:         cfg,
		engine:      engine,
		provisioner: provisioner,
	}

	for _, opt := range opts {
		opt(orchestrator)
	}

	return orchestrator
}

// Healthy probes the container engine. It is callable on its own for
// operator diagnostics and returns ErrEngineUnavailable when the engine
// cannot be reached.
func (o *Orchestrator) Healthy(ctx context.Context) error {
	return o.engine.Ping(ctx)
}

// Execute runs one submission to completion or to its resource ceiling
// and returns a structured result. The call fails closed: when the
// engine is unreachable it returns ErrEngineUnavailable before any part
// of the request is inspected, and no alternate path runs the code
// outside the sandbox. On every other exit the container created for
// this call has been force-removed before Execute returns.
func (o *Orchestrator) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if err := o.engine.Ping(ctx); err != nil {
		return nil, err
	}

	req = o.clamp(req)

	cacheable := o.cache != nil && req.UseCache && !req.Graded
	key := ""
	if cacheable {
		key = CacheKey(req.Code, req.TestCases)
		if cached, err := o.cache.Get(ctx, key); err == nil {
			cached.FromCache = true
			o.logger.Debug("execution served from cache", zap.String("key", key))
			return cached, nil
		} else if !errors.Is(err, ErrCacheMiss) {
			o.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	if report := CheckSafety(req.Language, req.Code); !report.Safe {
		return &ExecutionResult{
			Success:   false,
			Stderr:    "code rejected: " + strings.Join(report.Issues, "; "),
			ErrorType: ErrorSecurity,
		}, nil
	}

	if err := o.provisioner.Ensure(ctx, o.cfg.Engine.Image); err != nil {
		o.logger.Error("image provisioning failed", zap.Error(err))
		return systemResult(fmt.Sprintf("image provisioning failed: %v", err)), nil
	}

	result := o.runSession(ctx, req)

	if cacheable && result.Success {
		if err := o.cache.Set(ctx, key, result); err != nil {
			o.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		}
	}

	return result, nil
}

// runSession launches the container for one request, waits for it
// bounded by the clamped time limit plus the grace period, and removes
// it on every exit path.
func (o *Orchestrator) runSession(ctx context.Context, req ExecutionRequest) *ExecutionResult {
	sess := session{
		ID:          uuid.NewString(),
		StartedAt:   time.Now(),
		TimeLimit:   req.TimeLimit,
		MemoryBytes: req.MemoryBytes,
	}
	sess.Name = o.cfg.Engine.NamePrefix + sess.ID

	payload, err := encodePayload(req)
	if err != nil {
		return systemResult(fmt.Sprintf("payload encoding failed: %v", err))
	}

	// Removal must survive request-context cancellation, so it runs on
	// its own deadline.
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), removalTimeout)
		defer cancel()
		if rmErr := o.engine.RemoveContainer(removeCtx, sess.Name); rmErr != nil {
			o.logger.Error("container removal failed",
				zap.String("container", sess.Name), zap.Error(rmErr))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, req.TimeLimit+o.cfg.Grace())
	defer cancel()

	stdout, stderr, exitCode, runErr := o.engine.RunContainer(runCtx, ContainerSpec{
		Name:          sess.Name,
		Image:         o.cfg.Engine.Image,
		MemoryBytes:   req.MemoryBytes,
		CPUs:          o.cfg.Limits.CPUs,
		PidsLimit:     o.cfg.Limits.PidsLimit,
		OpenFiles:     o.cfg.Limits.OpenFiles,
		ScratchSizeMB: o.cfg.Limits.ScratchSizeMB,
		Env:           map[string]string{payloadEnvVar: payload},
	})

	elapsed := time.Since(sess.StartedAt)

	if runCtx.Err() == context.DeadlineExceeded {
		o.logger.Info("execution timed out",
			zap.String("container", sess.Name),
			zap.Duration("limit", req.TimeLimit))
		return &ExecutionResult{
			Success:       false,
			Stderr:        "execution timed out",
			ExecutionTime: elapsed,
			ErrorType:     ErrorTimeout,
		}
	}

	if runErr != nil {
		o.logger.Error("container launch failed", zap.String("container", sess.Name), zap.Error(runErr))
		return systemResult(fmt.Sprintf("container launch failed: %v", runErr))
	}

	if exitCode == oomExitCode {
		return &ExecutionResult{
			Success:       false,
			Stderr:        "memory limit exceeded",
			ExecutionTime: elapsed,
			MemoryUsed:    req.MemoryBytes,
			ErrorType:     ErrorMemory,
		}
	}

	doc, decodeErr := decodeWireResult(stdout)
	if decodeErr != nil {
		o.logger.Error("undecodable sandbox output",
			zap.String("container", sess.Name),
			zap.Int("exit_code", exitCode),
			zap.String("stderr", truncate(stderr, o.cfg.Limits.MaxOutputBytes)),
			zap.Error(decodeErr))
		return systemResult(fmt.Sprintf("undecodable sandbox output: %v", decodeErr))
	}

	return o.assemble(doc, elapsed)
}

// assemble maps the decoded wire document onto the caller-facing result
// and folds in the aggregate score.
func (o *Orchestrator) assemble(doc *wireResult, elapsed time.Duration) *ExecutionResult {
	result := &ExecutionResult{
		Success:       doc.Success,
		Stdout:        truncate(doc.Stdout, o.cfg.Limits.MaxOutputBytes),
		Stderr:        truncate(doc.Stderr, o.cfg.Limits.MaxOutputBytes),
		ExecutionTime: elapsed,
		ErrorType:     ErrorType(doc.ErrorType),
		TestResults:   doc.TestResults,
	}
	if doc.ExecutionTime > 0 {
		result.ExecutionTime = time.Duration(doc.ExecutionTime * float64(time.Second))
	}

	cleanExit := doc.ErrorType == string(ErrorNone)
	result.PassedTests, result.TotalTests, result.Score = scoreTests(doc.TestResults, cleanExit)
	result.Success = doc.Success && cleanExit

	return result
}

// clamp applies defaults and hard ceilings to caller-supplied limits.
// Clamping is total: no caller input can exceed the configured maxima.
func (o *Orchestrator) clamp(req ExecutionRequest) ExecutionRequest {
	if req.Language == "" {
		req.Language = LanguagePython
	}

	defaultTime := time.Duration(o.cfg.Limits.DefaultTimeSec) * time.Second
	if req.Graded {
		defaultTime = time.Duration(o.cfg.Limits.GradedTimeSec) * time.Second
	}
	if req.TimeLimit <= 0 {
		req.TimeLimit = defaultTime
	}
	if req.TimeLimit > o.cfg.MaxTime() {
		req.TimeLimit = o.cfg.MaxTime()
	}

	maxMemory := int64(o.cfg.Limits.MaxMemoryMB) * 1024 * 1024
	if req.MemoryBytes <= 0 {
		req.MemoryBytes = int64(o.cfg.Limits.DefaultMemoryMB) * 1024 * 1024
	}
	if req.MemoryBytes > maxMemory {
		req.MemoryBytes = maxMemory
	}

	// Default per-test timeouts on a copy; the caller's specs are
	// read-only here.
	if len(req.TestCases) > 0 {
		tests := make([]TestCaseSpec, len(req.TestCases))
		copy(tests, req.TestCases)
		for i := range tests {
			if tests[i].TimeoutMS <= 0 {
				tests[i].TimeoutMS = o.cfg.Limits.PerTestTimeoutMS
			}
		}
		req.TestCases = tests
	}

	return req
}

// encodePayload packs the request into the environment payload the
// worker reads. Per-test timeouts default from config at the caller
// level; zero means the container-level bound alone applies.
func encodePayload(req ExecutionRequest) (string, error) {
	payload := struct {
		Code      string         `json:"code"`
		TestCases []TestCaseSpec `json:"test_cases,omitempty"`
	}{
		Code:      req.Code,
		TestCases: req.TestCases,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func systemResult(message string) *ExecutionResult {
	return &ExecutionResult{
		Success:   false,
		Stderr:    message,
		ErrorType: ErrorSystem,
	}
}

func truncate(s string, limit int) string {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
