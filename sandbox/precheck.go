package sandbox

import (
	"fmt"
	"strings"
)

// Report is the outcome of the safety pre-check.
type Report struct {
	Safe   bool
	Issues []string
}

// denylist holds per-language source patterns that are rejected before
// any container is started. This is defense in depth, not the security
// boundary: the boundary is the sandbox itself. The scan exists to
// cheaply turn away obviously hostile payloads before paying for a
// container launch.
var denylist = map[string][]string{
	LanguagePython: {
		"import os",
		"from os ",
		"import subprocess",
		"from subprocess ",
		"import socket",
		"from socket ",
		"import ctypes",
		"import shutil",
		"import pty",
		"import importlib",
		"__import__",
		"eval(",
		"exec(",
		"os.system",
		"open('/etc",
		"open(\"/etc",
	},
}

// CheckSafety scans the submission against the per-language denylist.
// It runs unconditionally on every execution; no caller flag can skip it.
func CheckSafety(language, code string) Report {
	patterns, ok := denylist[language]
	if !ok {
		return Report{Safe: false, Issues: []string{fmt.Sprintf("unsupported language: %s", language)}}
	}

	report := Report{Safe: true}
	for _, pattern := range patterns {
		if strings.Contains(code, pattern) {
			report.Safe = false
			report.Issues = append(report.Issues, fmt.Sprintf("disallowed construct: %s", strings.TrimSpace(pattern)))
		}
	}
	return report
}
