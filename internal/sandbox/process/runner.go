// Package process spawns untrusted programs, feeds their input, collects their
// output and enforces the wall clock limit through the watchdog.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/security"
	"codesandbox/internal/sandbox/spec"
	"codesandbox/internal/sandbox/watchdog"
	appErr "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultOutputLimitBytes int64 = 1 << 20
	defaultDrainGrace             = 200 * time.Millisecond
)

// Config controls how processes are launched.
type Config struct {
	// HelperPath points at sandbox-init. Empty runs targets directly.
	HelperPath       string
	EnableSeccomp    bool
	EnableNamespaces bool
	EnableCgroup     bool
	CgroupRoot       string
	// OutputLimitBytes caps each of stdout and stderr when the run limits do not.
	OutputLimitBytes int64
	// DrainGrace bounds how long output pipes are drained after the process exits.
	DrainGrace time.Duration
	Isolation  security.IsolationProfile
}

// Runner executes one process at a time per call; it is safe for concurrent use.
type Runner struct {
	cfg Config
}

// NewRunner creates a runner with defaults filled in.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.OutputLimitBytes <= 0 {
		cfg.OutputLimitBytes = defaultOutputLimitBytes
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = defaultDrainGrace
	}
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, appErr.ValidationError("process.cgroupRoot", "required when cgroups are enabled")
	}
	if cfg.HelperPath == "" && (cfg.EnableSeccomp || cfg.EnableNamespaces) {
		return nil, appErr.ValidationError("process.helperPath", "required for seccomp or namespaces")
	}
	if err := checkPlatform(cfg); err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg}, nil
}

// RunOne runs untrusted code against one input. Outcomes caused by the program
// are reported in the record; the error is reserved for sandbox faults and for
// cancellation of ctx.
func (r *Runner) RunOne(ctx context.Context, rs spec.RunSpec, input string) (result.ExecutionRecord, error) {
	return r.run(ctx, rs, input, r.cfg.HelperPath != "")
}

// RunTrusted runs a toolchain command without the isolation helper. Limits,
// process-group kill and output capping still apply.
func (r *Runner) RunTrusted(ctx context.Context, rs spec.RunSpec) (result.ExecutionRecord, error) {
	return r.run(ctx, rs, "", false)
}

type pipes struct {
	stdinR, stdinW   *os.File
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File
}

func openPipes() (*pipes, error) {
	p := &pipes{}
	var err error
	if p.stdinR, p.stdinW, err = os.Pipe(); err != nil {
		return nil, err
	}
	if p.stdoutR, p.stdoutW, err = os.Pipe(); err != nil {
		p.closeAll()
		return nil, err
	}
	if p.stderrR, p.stderrW, err = os.Pipe(); err != nil {
		p.closeAll()
		return nil, err
	}
	return p, nil
}

func (p *pipes) closeChildEnds() {
	for _, f := range []*os.File{p.stdinR, p.stdoutW, p.stderrW} {
		if f != nil {
			_ = f.Close()
		}
	}
}

func (p *pipes) closeAll() {
	p.closeChildEnds()
	for _, f := range []*os.File{p.stdinW, p.stdoutR, p.stderrR} {
		if f != nil {
			_ = f.Close()
		}
	}
}

func (r *Runner) run(ctx context.Context, rs spec.RunSpec, input string, isolated bool) (result.ExecutionRecord, error) {
	if err := validateRunSpec(rs); err != nil {
		return result.ExecutionRecord{}, err
	}
	outLimit := rs.Limits.OutputBytes
	if outLimit <= 0 {
		outLimit = r.cfg.OutputLimitBytes
	}

	var cg *runCgroup
	if r.cfg.EnableCgroup {
		g, err := newRunCgroup(r.cfg.CgroupRoot, rs.ExecutionID)
		if err != nil {
			return result.ExecutionRecord{}, appErr.Wrapf(err, appErr.SandboxFailure, "create cgroup")
		}
		defer g.remove()
		if err := g.limit(rs.Limits); err != nil {
			return result.ExecutionRecord{}, appErr.Wrapf(err, appErr.SandboxFailure, "apply cgroup limits")
		}
		cg = g
	}

	p, err := openPipes()
	if err != nil {
		return result.ExecutionRecord{}, appErr.Wrapf(err, appErr.SandboxFailure, "open pipes")
	}

	cmd, err := r.buildCmd(rs, isolated)
	if err != nil {
		p.closeAll()
		return result.ExecutionRecord{}, err
	}
	cmd.Stdin = p.stdinR
	cmd.Stdout = p.stdoutW
	cmd.Stderr = p.stderrW

	start := time.Now()
	if err := cmd.Start(); err != nil {
		p.closeAll()
		closeExtraFiles(cmd)
		return result.ExecutionRecord{}, appErr.Wrapf(err, appErr.ProcessSpawnFailed, "start %s", rs.Cmd[0])
	}
	p.closeChildEnds()
	closeExtraFiles(cmd)
	pid := cmd.Process.Pid

	if err := cg.add(pid); err != nil {
		logger.Warn(ctx, "add process to cgroup failed", zap.Stringer("cgroup", cg), zap.Error(err))
	}

	var killedAfter atomic.Int64
	tok := watchdog.Watch(ctx, rs.Limits.WallTimeout(), func(reason watchdog.Reason) {
		killedAfter.Store(int64(time.Since(start)))
		killTree(cmd.Process, cg)
		logger.Info(ctx, "watchdog killed process",
			zap.String("execution_id", rs.ExecutionID),
			zap.Int("pid", pid),
			zap.String("reason", reason.String()),
		)
	})

	stdinErr := make(chan error, 1)
	go func() {
		_, werr := io.WriteString(p.stdinW, input)
		if cerr := p.stdinW.Close(); werr == nil && !errors.Is(cerr, os.ErrClosed) {
			werr = cerr
		}
		stdinErr <- werr
	}()

	stdout := NewCappedBuffer(outLimit)
	stderr := NewCappedBuffer(outLimit)
	var readers sync.WaitGroup
	readers.Add(2)
	go drain(&readers, p.stdoutR, stdout)
	go drain(&readers, p.stderrR, stderr)

	waitErr := cmd.Wait()
	elapsed := time.Since(start)
	fired := tok.Release()

	cut := false
	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(r.cfg.DrainGrace):
		// A descendant still holds the write ends.
		killTree(cmd.Process, cg)
		_ = p.stdoutR.Close()
		_ = p.stderrR.Close()
		<-drained
		cut = true
	}
	var writeErr error
	select {
	case writeErr = <-stdinErr:
	case <-time.After(r.cfg.DrainGrace):
		_ = p.stdinW.Close()
		writeErr = <-stdinErr
	}
	_ = p.stdoutR.Close()
	_ = p.stderrR.Close()

	if fired {
		// The deadline can land between Wait returning and Release; such a run finished in time.
		if k := time.Duration(killedAfter.Load()); k >= elapsed && tok.Reason() == watchdog.ReasonExpired {
			fired = false
		} else if k > 0 {
			elapsed = k
		}
	}

	rec := result.ExecutionRecord{
		ExitCode:   exitCodeFromErr(waitErr, cmd.ProcessState),
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		TimeMs:     elapsed.Milliseconds(),
		MemoryKB:   cg.peakKB(cmd.ProcessState),
		Status:     result.StatusAccepted,
		Incomplete: cut || stdout.Truncated() || stderr.Truncated(),
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
	if isolated && isHelperFailure(rec.ExitCode, rec.Stderr) {
		logger.Error(ctx, "sandbox helper failed", zap.String("stderr", rec.Stderr))
		return rec, appErr.Newf(appErr.SandboxFailure, "sandbox helper failed")
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return rec, appErr.Wrapf(waitErr, appErr.SandboxFailure, "wait for process")
		}
	}
	if sig, ok := terminationSignal(cmd.ProcessState); ok {
		switch {
		case sig.seccomp:
			rec.Status = result.StatusSecurityViolation
			rec.Violation = true
			rec.Error = "operation not permitted: system call"
		case cg.oomKilled():
			rec.Status = result.StatusRuntimeError
			rec.Error = "memory limit exceeded"
		default:
			rec.Status = result.StatusRuntimeError
			rec.Error = "killed by signal: " + sig.name
		}
		return rec, nil
	}
	if stdout.Truncated() {
		rec.MarkOutputLimit()
		return rec, nil
	}
	if rec.ExitCode != 0 {
		rec.Status = result.StatusRuntimeError
		rec.Error = fmt.Sprintf("exit status %d", rec.ExitCode)
		return rec, nil
	}
	if writeErr != nil && errors.Is(writeErr, syscall.EPIPE) {
		rec.Status = result.StatusRuntimeError
		rec.Error = "broken pipe: program exited before reading its input"
		return rec, nil
	}
	return rec, nil
}

func (r *Runner) buildCmd(rs spec.RunSpec, isolated bool) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	if isolated {
		reqFile, err := writeInitRequest(InitRequest{
			RunSpec:       rs,
			Isolation:     r.cfg.Isolation,
			EnableSeccomp: r.cfg.EnableSeccomp,
			EnableNs:      r.cfg.EnableNamespaces,
		})
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.SandboxFailure, "encode init request")
		}
		cmd = exec.Command(r.cfg.HelperPath)
		cmd.ExtraFiles = []*os.File{reqFile}
		cmd.SysProcAttr = buildSysProcAttr(r.cfg.Isolation, r.cfg.EnableNamespaces)
	} else {
		// Same lookup the guard authorized, not the host PATH.
		cmd = exec.Command(security.ResolveExecutable(rs.Cmd[0], rs.WorkDir, security.EnvPath(rs.Env)))
		cmd.Args = append([]string(nil), rs.Cmd...)
		cmd.SysProcAttr = buildSysProcAttr(security.IsolationProfile{}, false)
	}
	cmd.Dir = rs.WorkDir
	cmd.Env = security.WithPath(rs.Env)
	return cmd, nil
}

func closeExtraFiles(cmd *exec.Cmd) {
	for _, f := range cmd.ExtraFiles {
		_ = f.Close()
	}
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func validateRunSpec(rs spec.RunSpec) error {
	if rs.WorkDir == "" {
		return appErr.ValidationError("workDir", "required")
	}
	if len(rs.Cmd) == 0 || rs.Cmd[0] == "" {
		return appErr.ValidationError("cmd", "required")
	}
	return nil
}
