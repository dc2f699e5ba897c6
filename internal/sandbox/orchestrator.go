package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"codesandbox/internal/sandbox/backend"
	"codesandbox/internal/sandbox/observer"
	"codesandbox/internal/sandbox/process"
	"codesandbox/internal/sandbox/profile"
	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/security"
	"codesandbox/internal/sandbox/workspace"
	appErr "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/contextkey"
	"codesandbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Limiter bounds how many submissions execute at once.
type Limiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// Deps are the collaborators of an Orchestrator. Metrics and Limiter are optional.
type Deps struct {
	Backend    backend.Backend
	Workspaces *workspace.Manager
	Languages  profile.Repository
	Policy     *security.Policy
	Metrics    observer.MetricsRecorder
	Limiter    Limiter
}

// Orchestrator sequences one submission through workspace, compile, run,
// aggregate and cleanup. It is safe for concurrent use.
type Orchestrator struct {
	deps Deps
	cfg  Config

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewOrchestrator validates deps and fills config defaults.
func NewOrchestrator(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Backend == nil:
		return nil, appErr.ValidationError("backend", "required")
	case deps.Workspaces == nil:
		return nil, appErr.ValidationError("workspaces", "required")
	case deps.Languages == nil:
		return nil, appErr.ValidationError("languages", "required")
	case deps.Policy == nil:
		return nil, appErr.ValidationError("policy", "required")
	}
	if deps.Metrics == nil {
		deps.Metrics = observer.NoopMetricsRecorder{}
	}
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg.withDefaults(),
		running: make(map[string]context.CancelFunc),
	}, nil
}

// Backend returns the name of the backend submissions run on.
func (o *Orchestrator) Backend() string {
	return o.deps.Backend.Name()
}

// ExecuteSubmission runs req to a terminal verdict. It never returns an error
// and never panics: every fault becomes a SandboxError verdict. The workspace
// is removed before it returns, on every path.
func (o *Orchestrator) ExecuteSubmission(ctx context.Context, req SubmissionRequest) (v result.Verdict) {
	start := time.Now()
	if req.SubmissionID == "" {
		req.SubmissionID = uuid.NewString()
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, req.SubmissionID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "sandbox pipeline panicked", zap.Any("panic", r), zap.Stack("stack"))
			v = result.SandboxFailure(appErr.SandboxFailure.Message())
		}
		v.SubmissionID = req.SubmissionID
		durationMs := time.Since(start).Milliseconds()
		o.deps.Metrics.ObserveVerdict(ctx, o.languageLabel(ctx, req.Language), string(v.Status), durationMs)
		logger.Info(ctx, "submission finished",
			zap.String("language", req.Language),
			zap.String("status", string(v.Status)),
			zap.Int("cases", len(v.Records)),
			zap.Int64("time_ms", v.TimeMs),
			zap.Int64("duration_ms", durationMs),
		)
	}()

	if !o.track(req.SubmissionID, cancel) {
		return o.reject(ctx, appErr.Newf(appErr.SubmissionRunning, "submission %s is already running", req.SubmissionID))
	}
	defer o.untrack(req.SubmissionID)

	if o.deps.Limiter != nil {
		if err := o.deps.Limiter.Acquire(ctx); err != nil {
			return o.reject(ctx, appErr.Wrapf(err, appErr.SandboxBusy, "sandbox is busy"))
		}
		defer o.deps.Limiter.Release()
	}
	return o.execute(ctx, req)
}

func (o *Orchestrator) execute(ctx context.Context, req SubmissionRequest) result.Verdict {
	lang, err := o.prepare(ctx, req)
	if err != nil {
		return o.reject(ctx, err)
	}

	ws, err := o.deps.Workspaces.Create(ctx, lang, req.SourceCode)
	if err != nil {
		return o.fail(ctx, err)
	}
	o.deps.Metrics.WorkspaceOpened()
	defer func() {
		o.deps.Workspaces.Destroy(ctx, ws)
		o.deps.Metrics.WorkspaceClosed()
	}()

	compiled, err := o.deps.Backend.Compile(ctx, ws)
	if err != nil {
		return o.fail(ctx, err)
	}
	if !compiled.OK {
		return result.Aggregate(compiled, nil)
	}

	inputs := req.Inputs
	if lang.SplitWhitespaceInput {
		inputs = splitWhitespace(inputs)
	}
	opts := process.BatchOptions{Parallelism: o.cfg.Parallelism, ShortCircuit: *o.cfg.ShortCircuit}
	records, err := process.RunBatch(ctx, inputs, opts, func(ctx context.Context, index int, input string) (rec result.ExecutionRecord, err error) {
		guard := o.deps.Policy.Open(fmt.Sprintf("%s-%d", ws.ID, index))
		defer guard.Close()
		ctx = context.WithValue(ctx, contextkey.ExecutionID, guard.ExecutionID())
		// Cases may run on errgroup goroutines, out of reach of the outer recover.
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "test case panicked", zap.Any("panic", r), zap.Stack("stack"))
				err = appErr.Newf(appErr.SandboxFailure, "case %d panicked", index)
			}
		}()
		rec, err = o.deps.Backend.Run(ctx, ws, guard, index, input)
		if err == nil {
			o.deps.Metrics.ObserveRun(ctx, lang.ID, string(rec.Status), rec.TimeMs, rec.MemoryKB)
		}
		return rec, err
	})
	if err != nil {
		return o.fail(ctx, err)
	}
	return result.Aggregate(compiled, records)
}

// prepare validates req and resolves the language with any per-request limits.
func (o *Orchestrator) prepare(ctx context.Context, req SubmissionRequest) (profile.LanguageSpec, error) {
	switch {
	case strings.TrimSpace(req.SourceCode) == "":
		return profile.LanguageSpec{}, appErr.ValidationError("code", "required")
	case len(req.SourceCode) > o.cfg.MaxCodeBytes:
		return profile.LanguageSpec{}, appErr.Newf(appErr.CodeTooLarge, "source code exceeds %d bytes", o.cfg.MaxCodeBytes)
	case len(req.Inputs) > o.cfg.MaxInputs:
		return profile.LanguageSpec{}, appErr.Newf(appErr.TooManyInputs, "at most %d inputs are allowed", o.cfg.MaxInputs)
	case req.TimeLimitMs < 0 || req.TimeLimitMs > o.cfg.MaxTimeLimitMs:
		return profile.LanguageSpec{}, appErr.ValidationError("timeLimitMs", fmt.Sprintf("must be between 0 and %d", o.cfg.MaxTimeLimitMs))
	case req.MemoryLimitMB < 0 || req.MemoryLimitMB > o.cfg.MaxMemoryLimitMB:
		return profile.LanguageSpec{}, appErr.ValidationError("memoryLimitMb", fmt.Sprintf("must be between 0 and %d", o.cfg.MaxMemoryLimitMB))
	}
	for i, in := range req.Inputs {
		if len(in) > o.cfg.MaxInputBytes {
			return profile.LanguageSpec{}, appErr.Newf(appErr.InputTooLarge, "input %d exceeds %d bytes", i, o.cfg.MaxInputBytes)
		}
	}

	lang, err := o.deps.Languages.GetLanguageSpec(ctx, req.Language)
	if err != nil {
		return profile.LanguageSpec{}, err
	}
	if req.TimeLimitMs > 0 {
		lang.RunLimits.WallTimeMs = req.TimeLimitMs
	}
	if req.MemoryLimitMB > 0 {
		lang.RunLimits.MemoryMB = req.MemoryLimitMB
	}
	return lang, nil
}

// languageLabel keeps metric labels bounded to configured languages.
func (o *Orchestrator) languageLabel(ctx context.Context, id string) string {
	lang, err := o.deps.Languages.GetLanguageSpec(ctx, id)
	if err != nil {
		return "unknown"
	}
	return lang.ID
}

// Cancel aborts a running submission. It reports whether one was found.
func (o *Orchestrator) Cancel(submissionID string) bool {
	o.mu.Lock()
	cancel, ok := o.running[submissionID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running returns the number of submissions in flight.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

func (o *Orchestrator) track(id string, cancel context.CancelFunc) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.running[id]; exists {
		return false
	}
	o.running[id] = cancel
	return true
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

// reject turns a request the sandbox refused to run into a verdict.
func (o *Orchestrator) reject(ctx context.Context, err error) result.Verdict {
	code := appErr.GetCode(err)
	o.deps.Metrics.ObserveRejected(ctx, strconv.Itoa(int(code)))
	logger.Warn(ctx, "submission rejected", zap.Int("code", int(code)), zap.Error(err))
	v := result.SandboxFailure(err.Error())
	v.Rejected = code
	return v
}

// fail turns an infrastructure fault into a verdict. Only the generic message of
// the error code is exposed; host details stay in the log.
func (o *Orchestrator) fail(ctx context.Context, err error) result.Verdict {
	if ctx.Err() != nil {
		logger.Warn(ctx, "submission cancelled", zap.Error(err))
		return result.SandboxFailure("execution cancelled")
	}
	code := appErr.GetCode(err)
	logger.Error(ctx, "sandbox fault", zap.Int("code", int(code)), zap.Error(err))
	return result.SandboxFailure(code.Message())
}

// splitWhitespace feeds whitespace-separated tokens one per line, newline terminated.
func splitWhitespace(inputs []string) []string {
	out := make([]string, len(inputs))
	for i, in := range inputs {
		fields := strings.Fields(in)
		if len(fields) == 0 {
			continue
		}
		out[i] = strings.Join(fields, "\n") + "\n"
	}
	return out
}
