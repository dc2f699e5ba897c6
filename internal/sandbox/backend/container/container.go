// Package container runs submissions in throwaway Docker containers: one for
// the compile step and one per input. The workspace is bind-mounted at
// MountPoint, read-write while compiling and read-only while running.
package container

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"codesandbox/internal/sandbox/backend"
	"codesandbox/internal/sandbox/compiler"
	"codesandbox/internal/sandbox/observer"
	"codesandbox/internal/sandbox/profile"
	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/security"
	"codesandbox/internal/sandbox/spec"
	"codesandbox/internal/sandbox/workspace"
	appErr "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/logger"

	"github.com/docker/docker/api/types/image"
	"go.uber.org/zap"
)

const (
	// Name is the configuration name of this backend.
	Name = "docker"
	// MountPoint is where the workspace appears inside the container.
	MountPoint = "/sandbox"

	defaultToolchainDir = "/usr/local/bin"
	defaultNanoCPUs     = 1_000_000_000
	defaultTmpfs        = "rw,noexec,nosuid,size=64m"
)

// Options configures the container backend.
type Options struct {
	// DefaultImage is used by languages that do not name an image.
	DefaultImage string
	// PullImages pulls each image once before its first use.
	PullImages bool
	NanoCPUs   int64
	// User runs the program as this uid[:gid] inside the container.
	User string
	// ToolchainDir is where bare command names are assumed to live when the
	// policy checks them; the image supplies the actual binary.
	ToolchainDir     string
	OutputLimitBytes int64
	EnableNetwork    bool
	// Isolation, when its seccomp profile is set, replaces the daemon's default
	// seccomp profile for run containers.
	Isolation *security.IsolationProfile
}

// Backend compiles and runs inside Docker containers.
type Backend struct {
	cli     DockerClient
	opts    Options
	metrics observer.MetricsRecorder
	seccomp string

	pullMu sync.Mutex
	pulled map[string]bool
}

// New creates a container backend on top of cli.
func New(cli DockerClient, opts Options, metrics observer.MetricsRecorder) (*Backend, error) {
	if cli == nil {
		return nil, appErr.ValidationError("container.client", "required")
	}
	if opts.NanoCPUs <= 0 {
		opts.NanoCPUs = defaultNanoCPUs
	}
	if opts.ToolchainDir == "" {
		opts.ToolchainDir = defaultToolchainDir
	}
	if opts.OutputLimitBytes <= 0 {
		opts.OutputLimitBytes = profile.DefaultRunLimits.OutputBytes
	}
	if metrics == nil {
		metrics = observer.NoopMetricsRecorder{}
	}
	b := &Backend{cli: cli, opts: opts, metrics: metrics, pulled: make(map[string]bool)}
	if opts.Isolation != nil && len(opts.Isolation.Seccomp.Syscalls) > 0 {
		profileJSON, err := dockerSeccomp(opts.Isolation.Seccomp)
		if err != nil {
			return nil, err
		}
		b.seccomp = profileJSON
	}
	return b, nil
}

func (b *Backend) Name() string { return Name }

// ArtifactPath is the artifact as seen from inside the container.
func (b *Backend) ArtifactPath(ws *workspace.Workspace) string {
	return containerPaths(ws).Bin
}

// Compile runs the compile template in a container with the workspace writable.
func (b *Backend) Compile(ctx context.Context, ws *workspace.Workspace) (result.CompileResult, error) {
	tc := &toolchain{backend: b, ws: ws}
	return compiler.New(tc, compiler.WithPaths(containerPaths), compiler.WithMetrics(b.metrics)).Compile(ctx, ws)
}

// Run checks the run's capabilities against guard, then runs the artifact in a
// fresh container fed with input.
func (b *Backend) Run(ctx context.Context, ws *workspace.Workspace, guard *security.Guard, index int, input string) (result.ExecutionRecord, error) {
	cmd, err := compiler.BuildCommand(ws.Language.RunCmdTpl, containerPaths(ws))
	if err != nil {
		return result.ExecutionRecord{Index: index}, err
	}
	rs := spec.RunSpec{
		ExecutionID:   fmt.Sprintf("%s-%d", ws.ID, index),
		WorkDir:       MountPoint,
		Cmd:           cmd,
		Env:           ws.Language.Env,
		Limits:        ws.Language.RunLimits.Merge(profile.DefaultRunLimits),
		EnableNetwork: b.opts.EnableNetwork,
	}
	if err := guard.Authorize(ctx, b.capabilities(ws, rs)); err != nil {
		if rec, ok := backend.DeniedRecord(index, err); ok {
			return rec, nil
		}
		return result.ExecutionRecord{Index: index}, err
	}
	rec, err := b.runContainer(ctx, ws, rs, runOptions{readOnly: true, stdin: &input, seccomp: b.seccomp})
	rec.Index = index
	return rec, err
}

// capabilities expresses a container run in host terms so the same policy
// governs both backends.
func (b *Backend) capabilities(ws *workspace.Workspace, rs spec.RunSpec) security.Capabilities {
	caps := security.Capabilities{Read: []string{ws.Dir}}
	if len(rs.Cmd) > 0 {
		caps.Executable = b.hostPath(ws, rs.Cmd[0])
	}
	if rs.EnableNetwork {
		caps.Connect = []string{"*"}
	}
	return caps
}

func (b *Backend) hostPath(ws *workspace.Workspace, name string) string {
	switch {
	case name == MountPoint || strings.HasPrefix(name, MountPoint+"/"):
		return filepath.Join(ws.Dir, strings.TrimPrefix(name, MountPoint))
	case path.IsAbs(name):
		return path.Clean(name)
	case strings.Contains(name, "/"):
		return filepath.Join(ws.Dir, name)
	default:
		return path.Join(b.opts.ToolchainDir, name)
	}
}

func (b *Backend) imageFor(ws *workspace.Workspace) (string, error) {
	if ws.Language.Image != "" {
		return ws.Language.Image, nil
	}
	if b.opts.DefaultImage != "" {
		return b.opts.DefaultImage, nil
	}
	return "", appErr.ValidationError("language.image", "required by the docker backend")
}

func (b *Backend) ensureImage(ctx context.Context, ref string) error {
	if !b.opts.PullImages {
		return nil
	}
	b.pullMu.Lock()
	defer b.pullMu.Unlock()
	if b.pulled[ref] {
		return nil
	}
	reader, err := b.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return appErr.Wrapf(err, appErr.SandboxFailure, "pull image %s", ref)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return appErr.Wrapf(err, appErr.SandboxFailure, "consume pull output for %s", ref)
	}
	b.pulled[ref] = true
	logger.Info(ctx, "image pulled", zap.String("image", ref))
	return nil
}

func containerPaths(ws *workspace.Workspace) compiler.Paths {
	bin, err := filepath.Rel(ws.Dir, ws.ArtifactPath)
	if err != nil {
		bin = filepath.Base(ws.ArtifactPath)
	}
	return compiler.Paths{
		Src: path.Join(MountPoint, filepath.ToSlash(ws.Language.SourceFile)),
		Bin: path.Join(MountPoint, filepath.ToSlash(bin)),
		Dir: MountPoint,
	}
}

type toolchain struct {
	backend *Backend
	ws      *workspace.Workspace
}

func (t *toolchain) RunTrusted(ctx context.Context, rs spec.RunSpec) (result.ExecutionRecord, error) {
	return t.backend.runContainer(ctx, t.ws, rs, runOptions{})
}
