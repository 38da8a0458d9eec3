// Package sandbox provides secure execution of untrusted code.
//
// The sandbox package runs user-submitted source code inside isolated,
// resource-bounded, single-use containers, scores it against test cases
// and returns a structured result. It delegates isolation to an external
// container engine and implements the policy around it: resource
// ceilings, session lifecycle, the worker result protocol,
// content-addressed result caching and fail-closed availability.
//
// The Orchestrator is the entry point. When the container engine is
// unreachable, Execute returns ErrEngineUnavailable without touching
// the request; there is no fallback that runs code outside the sandbox.
//
// Usage:
//
//	engine := sandbox.NewEngine(log, cfg.Engine.Binary)
//	orch := sandbox.NewOrchestrator(log, cfg, engine,
//	    sandbox.NewProvisioner(log, engine),
//	    sandbox.WithCache(cache))
//	result, err := orch.Execute(ctx, sandbox.ExecutionRequest{
//	    Code:     "print('Hello, World!')",
//	    Language: sandbox.LanguagePython,
//	    UseCache: true,
//	})
package sandbox
