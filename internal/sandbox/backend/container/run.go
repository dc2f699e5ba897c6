package container

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"codesandbox/internal/sandbox/process"
	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/spec"
	"codesandbox/internal/sandbox/watchdog"
	"codesandbox/internal/sandbox/workspace"
	appErr "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/logger"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

const (
	// waitSlack bounds how long the daemon may take to report an exit after
	// the wall clock limit (and the kill that follows it).
	waitSlack = 10 * time.Second

	exitSigkill = 128 + 9
	exitSigsys  = 128 + 31
)

type runOptions struct {
	readOnly bool
	stdin    *string
	seccomp  string
}

func (b *Backend) runContainer(ctx context.Context, ws *workspace.Workspace, rs spec.RunSpec, opts runOptions) (result.ExecutionRecord, error) {
	if len(rs.Cmd) == 0 {
		return result.ExecutionRecord{}, appErr.ValidationError("cmd", "required")
	}
	ref, err := b.imageFor(ws)
	if err != nil {
		return result.ExecutionRecord{}, err
	}
	if err := b.ensureImage(ctx, ref); err != nil {
		return result.ExecutionRecord{}, err
	}

	id, err := b.create(ctx, ref, ws.Dir, rs, opts)
	if err != nil {
		return result.ExecutionRecord{}, err
	}
	defer b.remove(ctx, id)

	var attach types.HijackedResponse
	if opts.stdin != nil {
		attach, err = b.cli.ContainerAttach(ctx, id, container.AttachOptions{Stream: true, Stdin: true})
		if err != nil {
			return result.ExecutionRecord{}, appErr.Wrapf(err, appErr.SandboxFailure, "attach container")
		}
		defer attach.Close()
	}

	start := time.Now()
	if err := b.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return result.ExecutionRecord{}, appErr.Wrapf(err, appErr.ProcessSpawnFailed, "start container for %s", rs.Cmd[0])
	}

	tok := watchdog.Watch(ctx, rs.Limits.WallTimeout(), func(reason watchdog.Reason) {
		if err := b.cli.ContainerKill(context.Background(), id, "KILL"); err != nil {
			logger.Warn(ctx, "kill container failed", zap.String("container_id", id), zap.Error(err))
		}
		logger.Info(ctx, "watchdog killed container",
			zap.String("execution_id", rs.ExecutionID),
			zap.String("container_id", id),
			zap.String("reason", reason.String()),
		)
	})

	if opts.stdin != nil {
		input := *opts.stdin
		go func() {
			// The program may exit without reading; write errors are expected then.
			_, _ = io.Copy(attach.Conn, strings.NewReader(input))
			_ = attach.CloseWrite()
		}()
	}

	bg := context.WithoutCancel(ctx)
	exitCode, waitErr := b.wait(bg, id, rs.Limits.WallTimeout())
	elapsed := time.Since(start)
	fired := tok.Release()
	if waitErr != nil {
		return result.ExecutionRecord{}, appErr.Wrapf(waitErr, appErr.SandboxFailure, "wait for container")
	}

	outLimit := rs.Limits.OutputBytes
	if outLimit <= 0 {
		outLimit = b.opts.OutputLimitBytes
	}
	stdout := process.NewCappedBuffer(outLimit)
	stderr := process.NewCappedBuffer(outLimit)
	if err := b.logs(bg, id, stdout, stderr); err != nil {
		return result.ExecutionRecord{}, err
	}

	rec := result.ExecutionRecord{
		ExitCode:   exitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		TimeMs:     elapsed.Milliseconds(),
		Status:     result.StatusAccepted,
		Incomplete: stdout.Truncated() || stderr.Truncated(),
	}

	if fired && tok.Reason() == watchdog.ReasonCancelled {
		return rec, appErr.Wrapf(ctx.Err(), appErr.SandboxFailure, "execution cancelled")
	}
	if fired {
		rec.Status = result.StatusTimeout
		rec.TimedOut = true
		rec.Incomplete = true
		rec.Error = fmt.Sprintf("time limit exceeded (%d ms)", rs.Limits.WallTimeMs)
		return rec, nil
	}
	if b.oomKilled(bg, id) {
		rec.Status = result.StatusRuntimeError
		rec.Error = "memory limit exceeded"
		return rec, nil
	}
	switch {
	case exitCode == exitSigsys:
		rec.Status = result.StatusSecurityViolation
		rec.Violation = true
		rec.Error = "operation not permitted: system call"
	case stdout.Truncated():
		rec.MarkOutputLimit()
	case exitCode == exitSigkill:
		rec.Status = result.StatusRuntimeError
		rec.Error = "killed by signal: SIGKILL"
	case exitCode != 0:
		rec.Status = result.StatusRuntimeError
		rec.Error = fmt.Sprintf("exit status %d", exitCode)
	}
	return rec, nil
}

func (b *Backend) create(ctx context.Context, ref, hostDir string, rs spec.RunSpec, opts runOptions) (string, error) {
	attachStdin := opts.stdin != nil
	cfg := &container.Config{
		Image:           ref,
		Cmd:             rs.Cmd,
		Env:             rs.Env,
		WorkingDir:      rs.WorkDir,
		User:            b.opts.User,
		AttachStdin:     attachStdin,
		OpenStdin:       attachStdin,
		StdinOnce:       attachStdin,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: !rs.EnableNetwork,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   hostDir,
			Target:   MountPoint,
			ReadOnly: opts.readOnly,
		}},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": defaultTmpfs},
		Resources: container.Resources{
			NanoCPUs: b.opts.NanoCPUs,
		},
	}
	if !rs.EnableNetwork {
		hostCfg.NetworkMode = "none"
	}
	if opts.seccomp != "" {
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "seccomp="+opts.seccomp)
	}
	if rs.Limits.MemoryMB > 0 {
		hostCfg.Resources.Memory = rs.Limits.MemoryMB << 20
		hostCfg.Resources.MemorySwap = rs.Limits.MemoryMB << 20
	}
	if rs.Limits.PIDs > 0 {
		pids := rs.Limits.PIDs
		hostCfg.Resources.PidsLimit = &pids
	}

	resp, err := b.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ProcessSpawnFailed, "create container from %s", ref)
	}
	return resp.ID, nil
}

func (b *Backend) wait(ctx context.Context, id string, limit time.Duration) (int, error) {
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit+waitSlack)
		defer cancel()
	}
	statusCh, errCh := b.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return 0, appErr.Newf(appErr.SandboxFailure, "container wait: %s", st.Error.Message)
		}
		return int(st.StatusCode), nil
	case err := <-errCh:
		return 0, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (b *Backend) logs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	rc, err := b.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return appErr.Wrapf(err, appErr.SandboxFailure, "fetch container logs")
	}
	defer rc.Close()
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		return appErr.Wrapf(err, appErr.SandboxFailure, "demultiplex container logs")
	}
	return nil
}

func (b *Backend) oomKilled(ctx context.Context, id string) bool {
	info, err := b.cli.ContainerInspect(ctx, id)
	if err != nil {
		logger.Warn(ctx, "inspect container failed", zap.String("container_id", id), zap.Error(err))
		return false
	}
	return info.ContainerJSONBase != nil && info.State != nil && info.State.OOMKilled
}

func (b *Backend) remove(ctx context.Context, id string) {
	err := b.cli.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true})
	if err != nil {
		logger.Warn(ctx, "remove container failed", zap.String("container_id", id), zap.Error(err))
	}
}
