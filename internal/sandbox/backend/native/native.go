// Package native runs submissions directly on the host through the process runner.
package native

import (
	"context"
	"fmt"

	"codesandbox/internal/sandbox/backend"
	"codesandbox/internal/sandbox/compiler"
	"codesandbox/internal/sandbox/observer"
	"codesandbox/internal/sandbox/profile"
	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/security"
	"codesandbox/internal/sandbox/spec"
	"codesandbox/internal/sandbox/workspace"
)

// Name is the configuration name of this backend.
const Name = "native"

// ProcessRunner is the part of process.Runner the backend needs.
type ProcessRunner interface {
	compiler.Toolchain
	RunOne(ctx context.Context, rs spec.RunSpec, input string) (result.ExecutionRecord, error)
}

// Backend compiles with the host toolchain and runs the artifact as a host process.
type Backend struct {
	runner   ProcessRunner
	compiler *compiler.Compiler
	mounts   []spec.MountSpec
	network  bool
}

// Option customises a Backend.
type Option func(*Backend)

// WithBindMounts exposes extra host paths to every run.
func WithBindMounts(mounts ...spec.MountSpec) Option {
	return func(b *Backend) { b.mounts = append(b.mounts, mounts...) }
}

// WithNetwork requests network access for runs. The policy still decides.
func WithNetwork(enabled bool) Option {
	return func(b *Backend) { b.network = enabled }
}

// New creates a native backend. metrics may be nil.
func New(runner ProcessRunner, metrics observer.MetricsRecorder, opts ...Option) *Backend {
	b := &Backend{
		runner:   runner,
		compiler: compiler.New(runner, compiler.WithMetrics(metrics)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Compile(ctx context.Context, ws *workspace.Workspace) (result.CompileResult, error) {
	return b.compiler.Compile(ctx, ws)
}

func (b *Backend) ArtifactPath(ws *workspace.Workspace) string {
	return ws.ArtifactPath
}

// Run authorizes the run against guard before anything is spawned. A denied
// capability yields a violation record without starting the program.
func (b *Backend) Run(ctx context.Context, ws *workspace.Workspace, guard *security.Guard, index int, input string) (result.ExecutionRecord, error) {
	rs, err := b.runSpec(ws, index)
	if err != nil {
		return result.ExecutionRecord{Index: index}, err
	}
	if err := guard.Authorize(ctx, security.CapabilitiesFor(rs)); err != nil {
		if rec, ok := backend.DeniedRecord(index, err); ok {
			return rec, nil
		}
		return result.ExecutionRecord{Index: index}, err
	}
	rec, err := b.runner.RunOne(ctx, rs, input)
	rec.Index = index
	return rec, err
}

func (b *Backend) runSpec(ws *workspace.Workspace, index int) (spec.RunSpec, error) {
	cmd, err := compiler.BuildCommand(ws.Language.RunCmdTpl, compiler.HostPaths(ws))
	if err != nil {
		return spec.RunSpec{}, err
	}
	return spec.RunSpec{
		ExecutionID:   fmt.Sprintf("%s-%d", ws.ID, index),
		WorkDir:       ws.Dir,
		Cmd:           cmd,
		Env:           ws.Language.Env,
		BindMounts:    b.mounts,
		Limits:        ws.Language.RunLimits.Merge(profile.DefaultRunLimits),
		EnableNetwork: b.network,
	}, nil
}
