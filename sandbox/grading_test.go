package sandbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestGrader(t *testing.T, runner *fakeRunner) *Grader {
	t.Helper()
	orchestrator := newTestOrchestrator(t, runner, WithCache(NewMemoryCache(testConfig().CacheTTL())))
	return NewGrader(zaptest.NewLogger(t), orchestrator.cfg, orchestrator)
}

func gradedDoc(t *testing.T, tests []TestResult, success bool) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"success": success, "stdout": "", "stderr": "",
		"execution_time": 0.2, "error_type": "none", "test_results": tests,
	})
	require.NoError(t, err)
	return string(raw)
}

func TestGrade(t *testing.T) {
	t.Run("AllTestsPassing", func(t *testing.T) {
		doc := gradedDoc(t, []TestResult{
			{Name: "t1", Passed: true}, {Name: "t2", Passed: true},
		}, true)
		runner := scriptedRunner(func(_ context.Context, _ []string) (string, string, int, error) {
			return doc, "", 0, nil
		})
		grader := newTestGrader(t, runner)

		attempt, err := grader.Grade(context.Background(), "def f(x): return x", []TestCaseSpec{{Name: "t1"}, {Name: "t2"}})
		require.NoError(t, err)
		assert.Equal(t, StatusPassed, attempt.Status())
		require.NotNil(t, attempt.Result())
		assert.Equal(t, 100, attempt.Result().Score)
	})

	t.Run("FailingTestIsFailed", func(t *testing.T) {
		doc := gradedDoc(t, []TestResult{
			{Name: "t1", Passed: true}, {Name: "t2", Passed: false},
		}, false)
		runner := scriptedRunner(func(_ context.Context, _ []string) (string, string, int, error) {
			return doc, "", 0, nil
		})
		grader := newTestGrader(t, runner)

		attempt, err := grader.Grade(context.Background(), "def f(x): return 0", []TestCaseSpec{{Name: "t1"}, {Name: "t2"}})
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, attempt.Status())
		assert.Equal(t, 50, attempt.Result().Score)
	})

	t.Run("TimeoutIsTerminalTimeout", func(t *testing.T) {
		runner := scriptedRunner(func(ctx context.Context, _ []string) (string, string, int, error) {
			<-ctx.Done()
			return "", "", -1, ctx.Err()
		})
		grader := newTestGrader(t, runner)
		grader.orchestrator.cfg.Limits.GradedTimeSec = 1
		grader.orchestrator.cfg.Limits.GraceSec = 1

		attempt, err := grader.Grade(context.Background(), "while True: pass", nil)
		require.NoError(t, err)
		assert.Equal(t, StatusTimeout, attempt.Status())
	})

	t.Run("UnavailableIsNeverScored", func(t *testing.T) {
		runner := &fakeRunner{handler: func(_ context.Context, args []string) (string, string, int, error) {
			if args[1] == "info" {
				return "", "Cannot connect to the Docker daemon", 1, nil
			}
			return "", "", 0, nil
		}}
		grader := newTestGrader(t, runner)

		attempt, err := grader.Grade(context.Background(), "print(1)", nil)
		require.ErrorIs(t, err, ErrEngineUnavailable)
		assert.Equal(t, StatusPending, attempt.Status(), "must surface distinctly, not as a failed attempt")
		assert.False(t, attempt.Status().Terminal())
		assert.Nil(t, attempt.Result())
	})

	t.Run("GradedRunsBypassCache", func(t *testing.T) {
		doc := gradedDoc(t, nil, true)
		runner := scriptedRunner(func(_ context.Context, _ []string) (string, string, int, error) {
			return doc, "", 0, nil
		})
		grader := newTestGrader(t, runner)

		for i := 0; i < 2; i++ {
			attempt, err := grader.Grade(context.Background(), "print(1)", nil)
			require.NoError(t, err)
			assert.Equal(t, StatusPassed, attempt.Status())
			assert.False(t, attempt.Result().FromCache)
		}
		assert.Len(t, runner.callsWithVerb("run"), 2, "each scored attempt is evaluated independently")
	})
}

func TestAttemptStateMachine(t *testing.T) {
	t.Run("TerminalStatesFreeze", func(t *testing.T) {
		attempt := &Attempt{ID: "a1", status: StatusPending}
		require.NoError(t, attempt.transition(StatusRunning, nil))
		require.NoError(t, attempt.transition(StatusPassed, &ExecutionResult{Success: true}))

		err := attempt.transition(StatusFailed, nil)
		require.Error(t, err)
		assert.Equal(t, StatusPassed, attempt.Status())
	})

	t.Run("TerminalClassification", func(t *testing.T) {
		assert.False(t, StatusPending.Terminal())
		assert.False(t, StatusRunning.Terminal())
		for _, status := range []AttemptStatus{StatusPassed, StatusFailed, StatusError, StatusTimeout, StatusMemoryExceeded} {
			assert.True(t, status.Terminal(), string(status))
		}
	})
}

func TestTerminalStatus(t *testing.T) {
	cases := map[string]struct {
		result ExecutionResult
		want   AttemptStatus
	}{
		"Timeout":        {ExecutionResult{ErrorType: ErrorTimeout}, StatusTimeout},
		"Memory":         {ExecutionResult{ErrorType: ErrorMemory}, StatusMemoryExceeded},
		"System":         {ExecutionResult{ErrorType: ErrorSystem}, StatusError},
		"Security":       {ExecutionResult{ErrorType: ErrorSecurity}, StatusFailed},
		"Execution":      {ExecutionResult{ErrorType: ErrorExecution}, StatusFailed},
		"CleanAllPassed": {ExecutionResult{ErrorType: ErrorNone, Success: true, PassedTests: 3, TotalTests: 3}, StatusPassed},
		"CleanSomeFailed": {
			ExecutionResult{ErrorType: ErrorNone, Success: false, PassedTests: 2, TotalTests: 3},
			StatusFailed,
		},
		"UnknownTag": {ExecutionResult{ErrorType: "???"}, StatusError},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, terminalStatus(&tc.result))
		})
	}
}
