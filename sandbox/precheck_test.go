package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckSafety(t *testing.T) {
	t.Run("CleanCodePasses", func(t *testing.T) {
		report := CheckSafety(LanguagePython, "def add(a, b):\n    return a + b\n\nprint(add(1, 2))")
		assert.True(t, report.Safe)
		assert.Empty(t, report.Issues)
	})

	t.Run("ProcessPrimitivesRejected", func(t *testing.T) {
		report := CheckSafety(LanguagePython, "import subprocess\nsubprocess.run(['ls'])")
		assert.False(t, report.Safe)
		require.NotEmpty(t, report.Issues)
		assert.Contains(t, report.Issues[0], "disallowed construct")
	})

	t.Run("OSAccessRejected", func(t *testing.T) {
		report := CheckSafety(LanguagePython, "import os\nprint(os.listdir('/'))")
		assert.False(t, report.Safe)
	})

	t.Run("NetworkRejected", func(t *testing.T) {
		report := CheckSafety(LanguagePython, "import socket\ns = socket.socket()")
		assert.False(t, report.Safe)
	})

	t.Run("DynamicEvalRejected", func(t *testing.T) {
		for _, code := range []string{
			"eval('1+1')",
			"exec('x = 1')",
			"__import__('os')",
		} {
			report := CheckSafety(LanguagePython, code)
			assert.False(t, report.Safe, "expected rejection: %s", code)
		}
	})

	t.Run("MultipleIssuesAllReported", func(t *testing.T) {
		report := CheckSafety(LanguagePython, "import os\nimport socket\neval('1')")
		assert.False(t, report.Safe)
		assert.GreaterOrEqual(t, len(report.Issues), 3)
	})

	t.Run("UnsupportedLanguageRejected", func(t *testing.T) {
		report := CheckSafety("brainfuck", "+++")
		assert.False(t, report.Safe)
		require.Len(t, report.Issues, 1)
		assert.Contains(t, report.Issues[0], "unsupported language")
	})
}
