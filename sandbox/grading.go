package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courselab/runbox/config"
)

// AttemptStatus is the state of one graded submission attempt.
type AttemptStatus string

const (
	StatusPending        AttemptStatus = "pending"
	StatusRunning        AttemptStatus = "running"
	StatusPassed         AttemptStatus = "passed"
	StatusFailed         AttemptStatus = "failed"
	StatusError          AttemptStatus = "error"
	StatusTimeout        AttemptStatus = "timeout"
	StatusMemoryExceeded AttemptStatus = "memory_exceeded"
)

// Terminal reports whether the status is final. Terminal states never
// re-transition for a given attempt.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusError, StatusTimeout, StatusMemoryExceeded:
		return true
	}
	return false
}

// Attempt is one graded evaluation of a submission. Persistence of the
// attempt into a submission record is the caller's concern.
type Attempt struct {
	ID string

	mu     sync.Mutex
	status AttemptStatus
	result *ExecutionResult
}

// Status returns the current state of the attempt.
func (a *Attempt) Status() AttemptStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Result returns the execution result once the attempt is terminal,
// nil before that.
func (a *Attempt) Result() *ExecutionResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

// transition moves the attempt to the given state, rejecting any
// transition out of a terminal state.
func (a *Attempt) transition(to AttemptStatus, result *ExecutionResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status.Terminal() {
		return fmt.Errorf("attempt %s is already %s", a.ID, a.status)
	}
	a.status = to
	if result != nil {
		a.result = result
	}
	return nil
}

// Grader evaluates scored submissions. Graded runs always bypass the
// execution cache so each attempt is evaluated independently, and they
// carry the graded time limit default.
type Grader struct {
	logger       *zap.Logger
	cfg          *config.Config
	orchestrator *Orchestrator
}

// NewGrader creates a Grader on top of the orchestrator
func NewGrader(logger *zap.Logger, cfg *config.Config, orchestrator *Orchestrator) *Grader {
	return &Grader{
		logger:       logger,
		cfg:          cfg,
		orchestrator: orchestrator,
	}
}

// Grade runs one scored attempt to a terminal state. When the engine is
// unavailable the attempt is returned non-terminal alongside
// ErrEngineUnavailable: an unavailable sandbox must never be recorded
// as a wrong answer, so the caller can offer a retry instead.
func (g *Grader) Grade(ctx context.Context, code string, tests []TestCaseSpec) (*Attempt, error) {
	attempt := &Attempt{
		ID:     uuid.NewString(),
		status: StatusPending,
	}

	if err := attempt.transition(StatusRunning, nil); err != nil {
		return attempt, err
	}

	result, err := g.orchestrator.Execute(ctx, ExecutionRequest{
		Code:      code,
		Language:  LanguagePython,
		TestCases: tests,
		UseCache:  false,
		Graded:    true,
	})
	if err != nil {
		// Not scored: roll back to pending so the caller can retry.
		attempt.mu.Lock()
		attempt.status = StatusPending
		attempt.mu.Unlock()
		g.logger.Warn("graded attempt not evaluated", zap.String("attempt", attempt.ID), zap.Error(err))
		return attempt, err
	}

	terminal := terminalStatus(result)
	if err := attempt.transition(terminal, result); err != nil {
		return attempt, err
	}

	g.logger.Info("graded attempt finished",
		zap.String("attempt", attempt.ID),
		zap.String("status", string(terminal)),
		zap.Int("score", result.Score))
	return attempt, nil
}

// terminalStatus maps an execution result onto the attempt state
// machine. The error taxonomy is matched exhaustively.
func terminalStatus(result *ExecutionResult) AttemptStatus {
	switch result.ErrorType {
	case ErrorTimeout:
		return StatusTimeout
	case ErrorMemory:
		return StatusMemoryExceeded
	case ErrorSystem:
		return StatusError
	case ErrorSecurity, ErrorExecution:
		return StatusFailed
	case ErrorNone:
		if result.Success && result.PassedTests == result.TotalTests {
			return StatusPassed
		}
		return StatusFailed
	default:
		return StatusError
	}
}
