// Package compiler turns a workspace's source into its run artifact.
package compiler

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"codesandbox/internal/sandbox/observer"
	"codesandbox/internal/sandbox/profile"
	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/spec"
	"codesandbox/internal/sandbox/workspace"
	appErr "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

// Toolchain runs trusted toolchain commands. Spawn failures are returned as
// errors; non-zero exits are reported in the record.
type Toolchain interface {
	RunTrusted(ctx context.Context, rs spec.RunSpec) (result.ExecutionRecord, error)
}

// Paths are the locations substituted into command templates.
type Paths struct {
	Src string
	Bin string
	Dir string
}

// HostPaths maps a workspace to its paths on the host filesystem.
func HostPaths(ws *workspace.Workspace) Paths {
	return Paths{Src: ws.SourcePath, Bin: ws.ArtifactPath, Dir: ws.Dir}
}

// Compiler runs a language's compile template once per workspace.
type Compiler struct {
	toolchain Toolchain
	paths     func(*workspace.Workspace) Paths
	metrics   observer.MetricsRecorder
}

// Option customises a Compiler.
type Option func(*Compiler)

// WithPaths overrides how template paths are derived, e.g. for container mounts.
func WithPaths(fn func(*workspace.Workspace) Paths) Option {
	return func(c *Compiler) { c.paths = fn }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observer.MetricsRecorder) Option {
	return func(c *Compiler) {
		if m != nil {
			c.metrics = m
		}
	}
}

// New creates a compiler on top of toolchain.
func New(toolchain Toolchain, opts ...Option) *Compiler {
	c := &Compiler{
		toolchain: toolchain,
		paths:     HostPaths,
		metrics:   observer.NoopMetricsRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile builds the artifact of ws. A language without a compile step yields
// a skipped, successful result. A failing compiler yields OK=false with its
// stderr verbatim; only a toolchain that cannot be started is an error.
func (c *Compiler) Compile(ctx context.Context, ws *workspace.Workspace) (result.CompileResult, error) {
	if ws == nil {
		return result.CompileResult{}, appErr.ValidationError("workspace", "required")
	}
	if err := ws.MarkCompiled(); err != nil {
		return result.CompileResult{}, err
	}
	lang := ws.Language
	if !lang.CompileEnabled {
		return result.CompileResult{OK: true, Skipped: true}, nil
	}

	paths := c.paths(ws)
	cmd, err := BuildCommand(lang.CompileCmdTpl, paths)
	if err != nil {
		return result.CompileResult{}, err
	}
	rs := spec.RunSpec{
		ExecutionID: ws.ID + "-compile",
		WorkDir:     paths.Dir,
		Cmd:         cmd,
		Env:         lang.Env,
		Limits:      lang.CompileLimits.Merge(profile.DefaultCompileLimits),
	}

	start := time.Now()
	rec, err := c.toolchain.RunTrusted(ctx, rs)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		c.metrics.ObserveCompile(ctx, lang.ID, false, durationMs)
		if appErr.Is(err, appErr.ProcessSpawnFailed) {
			return result.CompileResult{}, appErr.Wrapf(err, appErr.ToolchainSpawnFailed, "start compiler %s", cmd[0])
		}
		return result.CompileResult{}, err
	}

	res := result.CompileResult{
		OK:         rec.ExitCode == 0 && !rec.TimedOut && rec.Error == "",
		ExitCode:   rec.ExitCode,
		Stdout:     rec.Stdout,
		Stderr:     rec.Stderr,
		DurationMs: durationMs,
	}
	switch {
	case res.Stderr != "":
	case rec.TimedOut:
		res.Stderr = "compilation timed out"
	case !res.OK && rec.Error != "":
		res.Stderr = rec.Error
	}
	c.metrics.ObserveCompile(ctx, lang.ID, res.OK, durationMs)
	if !res.OK {
		logger.Info(ctx, "compilation failed",
			zap.String("workspace_id", ws.ID),
			zap.String("language", lang.ID),
			zap.Int("exit_code", rec.ExitCode),
		)
	}
	return res, nil
}

// BuildCommand splits tpl shell-style and expands {src}, {bin}, {dir} and
// {srcName} inside each field, so paths with spaces stay one argument.
func BuildCommand(tpl string, paths Paths) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	fields, err := shlex.Split(tpl)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	r := strings.NewReplacer(
		"{src}", paths.Src,
		"{bin}", paths.Bin,
		"{dir}", paths.Dir,
		"{srcName}", filepath.Base(paths.Src),
	)
	for i, f := range fields {
		fields[i] = r.Replace(f)
	}
	return fields, nil
}
