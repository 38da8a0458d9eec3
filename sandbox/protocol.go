package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
)

// wireResult is the single structured document the sandboxed worker
// emits on stdout at exit. It is the trust boundary between the
// isolated process and the controller: nothing in it is interpreted
// beyond structural parsing.
type wireResult struct {
	Success       bool         `json:"success"`
	Stdout        string       `json:"stdout"`
	Stderr        string       `json:"stderr"`
	ExecutionTime float64      `json:"execution_time"`
	ErrorType     string       `json:"error_type"`
	TestResults   []TestResult `json:"test_results"`
}

// decodeWireResult parses the worker's stdout into a wireResult. The
// document is the last non-empty line; anything malformed, absent or
// carrying an unknown error_type is an error, which callers classify as
// a system fault. No partial parse ever escapes.
func decodeWireResult(raw string) (*wireResult, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("empty sandbox output")
	}

	lines := strings.Split(trimmed, "\n")
	doc := strings.TrimSpace(lines[len(lines)-1])

	var result wireResult
	decoder := json.NewDecoder(strings.NewReader(doc))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&result); err != nil {
		return nil, fmt.Errorf("malformed sandbox output: %w", err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("trailing data after sandbox result document")
	}

	if result.ErrorType == "" {
		result.ErrorType = string(ErrorNone)
	}
	if !ErrorType(result.ErrorType).Valid() {
		return nil, fmt.Errorf("unknown error_type in sandbox output: %q", result.ErrorType)
	}
	if result.ExecutionTime < 0 {
		return nil, fmt.Errorf("negative execution_time in sandbox output")
	}

	return &result, nil
}
