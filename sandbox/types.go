package sandbox

import (
	"time"
)

// LanguagePython is the only runtime currently provisioned. The request
// carries the language explicitly so additional runtimes can be added
// without changing the call contract.
const LanguagePython = "python"

// ErrorType classifies how an execution ended.
type ErrorType string

const (
	// ErrorNone means the run completed normally.
	ErrorNone ErrorType = "none"
	// ErrorTimeout means the run exceeded its wall-clock limit and was killed.
	ErrorTimeout ErrorType = "timeout"
	// ErrorMemory means the run was killed for exceeding its memory ceiling.
	ErrorMemory ErrorType = "memory"
	// ErrorSecurity means the submission was rejected by the safety pre-check.
	ErrorSecurity ErrorType = "security"
	// ErrorSystem means the subsystem itself faulted (build, launch or decode).
	ErrorSystem ErrorType = "system"
	// ErrorExecution means the submitted code faulted; not a subsystem fault.
	ErrorExecution ErrorType = "execution"
)

// Valid reports whether e is a known classification.
func (e ErrorType) Valid() bool {
	switch e {
	case ErrorNone, ErrorTimeout, ErrorMemory, ErrorSecurity, ErrorSystem, ErrorExecution:
		return true
	}
	return false
}

// TestCaseSpec describes a single test case supplied by the caller.
// The fragment is appended to the submission and its printed output is
// compared against Expected. Read-only within this subsystem.
type TestCaseSpec struct {
	Name      string `json:"name"`
	Fragment  string `json:"fragment"`
	Expected  string `json:"expected"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// ExecutionRequest carries one code submission through the pipeline.
// Constructed once per call and never mutated; limits are clamped to the
// configured hard ceilings before use regardless of what the caller set.
type ExecutionRequest struct {
	Code        string
	Language    string
	TestCases   []TestCaseSpec
	TimeLimit   time.Duration
	MemoryBytes int64
	UseCache    bool

	// Graded marks a scored attempt. Graded runs bypass the cache on
	// both read and write so every attempt is independently evaluated.
	Graded bool
}

// TestResult is the outcome of a single test case.
type TestResult struct {
	Name     string  `json:"name"`
	Passed   bool    `json:"passed"`
	Expected string  `json:"expected"`
	Actual   string  `json:"actual"`
	TimeSec  float64 `json:"time"`
	Error    string  `json:"error,omitempty"`
}

// ExecutionResult is the immutable outcome of one execution.
type ExecutionResult struct {
	Success       bool          `json:"success"`
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	ExecutionTime time.Duration `json:"execution_time"`
	MemoryUsed    int64         `json:"memory_used"`
	ErrorType     ErrorType     `json:"error_type"`
	TestResults   []TestResult  `json:"test_results,omitempty"`
	PassedTests   int           `json:"passed_tests"`
	TotalTests    int           `json:"total_tests"`
	Score         int           `json:"score"`
	FromCache     bool          `json:"from_cache"`
}

// session tracks one ephemeral container. It is created at launch and
// force-destroyed before Execute returns; it never outlives one call.
type session struct {
	ID          string
	Name        string
	StartedAt   time.Time
	TimeLimit   time.Duration
	MemoryBytes int64
}
