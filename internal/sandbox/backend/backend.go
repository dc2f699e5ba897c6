// Package backend defines how a submission's artifact is built and run.
package backend

import (
	"context"
	"errors"

	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/security"
	"codesandbox/internal/sandbox/workspace"
)

// Backend compiles and runs the code held by a workspace.
type Backend interface {
	// Name identifies the backend in logs and configuration.
	Name() string
	// Compile builds the artifact once per workspace.
	Compile(ctx context.Context, ws *workspace.Workspace) (result.CompileResult, error)
	// Run executes the artifact against one input inside guard's scope. Program
	// outcomes go in the record; the error is for sandbox faults.
	Run(ctx context.Context, ws *workspace.Workspace, guard *security.Guard, index int, input string) (result.ExecutionRecord, error)
	// ArtifactPath is where the compiled artifact lives, as seen by the program.
	ArtifactPath(ws *workspace.Workspace) string
}

// DeniedRecord turns a policy violation into the record of case index.
// It reports false for any other error.
func DeniedRecord(index int, err error) (result.ExecutionRecord, bool) {
	var v *security.Violation
	if !errors.As(err, &v) {
		return result.ExecutionRecord{}, false
	}
	return result.ExecutionRecord{
		Index:     index,
		ExitCode:  -1,
		Status:    result.StatusSecurityViolation,
		Violation: true,
		Error:     v.Error(),
	}, true
}
