package sandbox

import (
	"context"
	"errors"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"codesandbox/internal/sandbox/backend"
	"codesandbox/internal/sandbox/profile"
	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/security"
	"codesandbox/internal/sandbox/workspace"
	appErr "codesandbox/pkg/errors"
)

type runFunc func(ctx context.Context, ws *workspace.Workspace, guard *security.Guard, index int, input string) (result.ExecutionRecord, error)

type fakeBackend struct {
	mu         sync.Mutex
	compile    result.CompileResult
	compileErr error
	run        runFunc
	compiled   []*workspace.Workspace
	guards     []*security.Guard
	inputs     []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		compile: result.CompileResult{OK: true},
		run: func(ctx context.Context, ws *workspace.Workspace, guard *security.Guard, index int, input string) (result.ExecutionRecord, error) {
			return result.ExecutionRecord{Index: index, Stdout: input, Status: result.StatusAccepted, TimeMs: int64(index + 1)}, nil
		},
	}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Compile(ctx context.Context, ws *workspace.Workspace) (result.CompileResult, error) {
	if err := ws.MarkCompiled(); err != nil {
		return result.CompileResult{}, err
	}
	f.mu.Lock()
	f.compiled = append(f.compiled, ws)
	f.mu.Unlock()
	return f.compile, f.compileErr
}

func (f *fakeBackend) Run(ctx context.Context, ws *workspace.Workspace, guard *security.Guard, index int, input string) (result.ExecutionRecord, error) {
	f.mu.Lock()
	f.guards = append(f.guards, guard)
	f.inputs = append(f.inputs, input)
	f.mu.Unlock()
	return f.run(ctx, ws, guard, index, input)
}

func (f *fakeBackend) ArtifactPath(ws *workspace.Workspace) string { return ws.ArtifactPath }

func (f *fakeBackend) runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func newTestOrchestrator(t *testing.T, fb *fakeBackend, policy *security.Policy, cfg Config) (*Orchestrator, *workspace.Manager) {
	t.Helper()
	mgr, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if policy == nil {
		policy = security.DefaultPolicy(mgr.Root())
	}
	o, err := NewOrchestrator(Deps{
		Backend:    fb,
		Workspaces: mgr,
		Languages:  profile.NewLocalRepository(nil),
		Policy:     policy,
	}, cfg)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o, mgr
}

func assertCleanedUp(t *testing.T, fb *fakeBackend, mgr *workspace.Manager) {
	t.Helper()
	for _, ws := range fb.compiled {
		if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
			t.Fatalf("workspace %s still exists (err=%v)", ws.Dir, err)
		}
	}
	if mgr.Live() != 0 {
		t.Fatalf("expected no live workspaces, got %d", mgr.Live())
	}
	entries, err := os.ReadDir(mgr.Root())
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace root not empty: %v", entries)
	}
}

func pyRequest(inputs ...string) SubmissionRequest {
	return SubmissionRequest{SourceCode: "print(input())", Language: "python3", Inputs: inputs}
}

func TestEchoPreservesInputOrder(t *testing.T) {
	fb := newFakeBackend()
	o, mgr := newTestOrchestrator(t, fb, nil, Config{})

	inputs := []string{"a\n", "b\n", "c\n"}
	v := o.ExecuteSubmission(context.Background(), pyRequest(inputs...))
	if v.Status != result.StatusAccepted {
		t.Fatalf("expected Accepted, got %+v", v)
	}
	if !reflect.DeepEqual(v.Outputs, inputs) {
		t.Fatalf("unexpected outputs %v", v.Outputs)
	}
	if v.TimeMs != 3 || v.SubmissionID == "" {
		t.Fatalf("unexpected verdict %+v", v)
	}
	assertCleanedUp(t, fb, mgr)
}

func TestEmptyInputsAccepted(t *testing.T) {
	fb := newFakeBackend()
	o, mgr := newTestOrchestrator(t, fb, nil, Config{})

	v := o.ExecuteSubmission(context.Background(), pyRequest())
	if v.Status != result.StatusAccepted || len(v.Outputs) != 0 || fb.runs() != 0 {
		t.Fatalf("unexpected verdict %+v", v)
	}
	assertCleanedUp(t, fb, mgr)
}

func TestCompileErrorSkipsExecution(t *testing.T) {
	fb := newFakeBackend()
	fb.compile = result.CompileResult{OK: false, ExitCode: 1, Stderr: "main.cpp:1: error"}
	o, mgr := newTestOrchestrator(t, fb, nil, Config{})

	v := o.ExecuteSubmission(context.Background(), SubmissionRequest{SourceCode: "int main(", Language: "cpp", Inputs: []string{"1"}})
	if v.Status != result.StatusCompileError || v.Message != "main.cpp:1: error" {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if fb.runs() != 0 || len(v.Records) != 0 {
		t.Fatalf("expected no executions, got %d", fb.runs())
	}
	assertCleanedUp(t, fb, mgr)
}

func failAt(fail int) runFunc {
	return func(ctx context.Context, ws *workspace.Workspace, guard *security.Guard, index int, input string) (result.ExecutionRecord, error) {
		if index == fail {
			return result.ExecutionRecord{Index: index, ExitCode: 1, Status: result.StatusRuntimeError, Error: "exit status 1"}, nil
		}
		return result.ExecutionRecord{Index: index, Stdout: input, Status: result.StatusAccepted}, nil
	}
}

func TestRuntimeErrorShortCircuits(t *testing.T) {
	fb := newFakeBackend()
	fb.run = failAt(1)
	o, mgr := newTestOrchestrator(t, fb, nil, Config{})

	v := o.ExecuteSubmission(context.Background(), pyRequest("x", "y", "z"))
	if v.Status != result.StatusRuntimeError || v.Message != "exit status 1" {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if !reflect.DeepEqual(v.Outputs, []string{"x"}) {
		t.Fatalf("unexpected outputs %v", v.Outputs)
	}
	if fb.runs() != 2 {
		t.Fatalf("expected 2 runs, got %d", fb.runs())
	}
	assertCleanedUp(t, fb, mgr)
}

func TestShortCircuitDisabledRunsAllCases(t *testing.T) {
	fb := newFakeBackend()
	fb.run = failAt(0)
	off := false
	o, _ := newTestOrchestrator(t, fb, nil, Config{ShortCircuit: &off})

	v := o.ExecuteSubmission(context.Background(), pyRequest("x", "y", "z"))
	if v.Status != result.StatusRuntimeError {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if fb.runs() != 3 || len(v.Records) != 3 {
		t.Fatalf("expected every case to run, got %d", fb.runs())
	}
}

func TestDenyAllPolicyYieldsViolation(t *testing.T) {
	fb := newFakeBackend()
	fb.run = func(ctx context.Context, ws *workspace.Workspace, guard *security.Guard, index int, input string) (result.ExecutionRecord, error) {
		if err := guard.Check(ctx, security.OpExecute, ws.ArtifactPath); err != nil {
			if rec, ok := backend.DeniedRecord(index, err); ok {
				return rec, nil
			}
			return result.ExecutionRecord{}, err
		}
		return result.ExecutionRecord{Index: index, Status: result.StatusAccepted}, nil
	}
	off := false
	o, mgr := newTestOrchestrator(t, fb, security.DenyAll(), Config{ShortCircuit: &off})

	v := o.ExecuteSubmission(context.Background(), pyRequest("1", "2"))
	if v.Status != result.StatusSecurityViolation {
		t.Fatalf("expected SecurityViolation, got %+v", v)
	}
	if v.Message != "operation not permitted: execute" || strings.Contains(v.Message, mgr.Root()) {
		t.Fatalf("violation message must be generalized, got %q", v.Message)
	}
	if fb.runs() != 1 {
		t.Fatalf("a violation must stop the batch, got %d runs", fb.runs())
	}
	if v.Status.External() != result.ExternalUserCodeError {
		t.Fatalf("unexpected external status %d", v.Status.External())
	}
	assertCleanedUp(t, fb, mgr)
}

func TestGuardsAreScopedPerCase(t *testing.T) {
	fb := newFakeBackend()
	o, _ := newTestOrchestrator(t, fb, nil, Config{})

	o.ExecuteSubmission(context.Background(), pyRequest("1", "2", "3"))
	seen := make(map[string]bool)
	for _, g := range fb.guards {
		if !g.Closed() {
			t.Fatalf("guard %s left open", g.ExecutionID())
		}
		if seen[g.ExecutionID()] {
			t.Fatalf("guard %s reused", g.ExecutionID())
		}
		seen[g.ExecutionID()] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 guards, got %d", len(seen))
	}
}

func TestInfrastructureFaultIsSandboxError(t *testing.T) {
	fb := newFakeBackend()
	fb.compileErr = appErr.Wrapf(errors.New("exec: \"g++\": executable file not found in $PATH"), appErr.ToolchainSpawnFailed, "start compiler g++")
	o, mgr := newTestOrchestrator(t, fb, nil, Config{})

	v := o.ExecuteSubmission(context.Background(), pyRequest("1"))
	if v.Status != result.StatusSandboxError || v.Message != appErr.ToolchainSpawnFailed.Message() {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if v.Status.External() != result.ExternalSandboxError {
		t.Fatalf("unexpected external status")
	}
	assertCleanedUp(t, fb, mgr)
}

func TestRunErrorIsSandboxError(t *testing.T) {
	fb := newFakeBackend()
	fb.run = func(ctx context.Context, ws *workspace.Workspace, guard *security.Guard, index int, input string) (result.ExecutionRecord, error) {
		return result.ExecutionRecord{}, appErr.New(appErr.ProcessSpawnFailed)
	}
	o, mgr := newTestOrchestrator(t, fb, nil, Config{})

	v := o.ExecuteSubmission(context.Background(), pyRequest("1"))
	if v.Status != result.StatusSandboxError {
		t.Fatalf("unexpected verdict %+v", v)
	}
	assertCleanedUp(t, fb, mgr)
}

func TestPanicBecomesSandboxError(t *testing.T) {
	for _, parallelism := range []int{1, 4} {
		fb := newFakeBackend()
		fb.run = func(ctx context.Context, ws *workspace.Workspace, guard *security.Guard, index int, input string) (result.ExecutionRecord, error) {
			panic("backend bug")
		}
		o, mgr := newTestOrchestrator(t, fb, nil, Config{Parallelism: parallelism})

		v := o.ExecuteSubmission(context.Background(), pyRequest("1", "2"))
		if v.Status != result.StatusSandboxError {
			t.Fatalf("parallelism %d: unexpected verdict %+v", parallelism, v)
		}
		assertCleanedUp(t, fb, mgr)
	}
}

func TestValidationRejectsBeforeWorkspace(t *testing.T) {
	cases := []struct {
		name string
		req  SubmissionRequest
		want string
	}{
		{name: "empty code", req: SubmissionRequest{Language: "python3"}, want: "code: required"},
		{name: "code too large", req: SubmissionRequest{SourceCode: strings.Repeat("x", 65), Language: "python3"}, want: "source code exceeds 64 bytes"},
		{name: "unknown language", req: SubmissionRequest{SourceCode: "x", Language: "cobol"}, want: "language not supported: cobol"},
		{name: "too many inputs", req: SubmissionRequest{SourceCode: "x", Language: "python3", Inputs: []string{"1", "2", "3"}}, want: "at most 2 inputs are allowed"},
		{name: "input too large", req: SubmissionRequest{SourceCode: "x", Language: "python3", Inputs: []string{strings.Repeat("1", 17)}}, want: "input 0 exceeds 16 bytes"},
		{name: "time limit", req: SubmissionRequest{SourceCode: "x", Language: "python3", TimeLimitMs: 5000}, want: "timeLimitMs: must be between 0 and 1000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fb := newFakeBackend()
			o, mgr := newTestOrchestrator(t, fb, nil, Config{MaxCodeBytes: 64, MaxInputs: 2, MaxInputBytes: 16, MaxTimeLimitMs: 1000})

			v := o.ExecuteSubmission(context.Background(), tc.req)
			if v.Status != result.StatusSandboxError || v.Message != tc.want {
				t.Fatalf("unexpected verdict %+v", v)
			}
			if len(fb.compiled) != 0 {
				t.Fatalf("rejected submission must not compile")
			}
			assertCleanedUp(t, fb, mgr)
		})
	}
}

func TestRequestLimitsOverrideLanguage(t *testing.T) {
	fb := newFakeBackend()
	var got int64
	fb.run = func(ctx context.Context, ws *workspace.Workspace, guard *security.Guard, index int, input string) (result.ExecutionRecord, error) {
		got = ws.Language.RunLimits.WallTimeMs
		return result.ExecutionRecord{Index: index, Status: result.StatusAccepted}, nil
	}
	o, _ := newTestOrchestrator(t, fb, nil, Config{})

	req := pyRequest("1")
	req.TimeLimitMs = 1234
	o.ExecuteSubmission(context.Background(), req)
	if got != 1234 {
		t.Fatalf("expected wall time 1234, got %d", got)
	}
}

func TestDefaultLanguagesReceiveInputVerbatim(t *testing.T) {
	inputs := []string{"1 2  3", "  ", "a\tb\n"}
	for _, lang := range profile.DefaultLanguages() {
		t.Run(lang.ID, func(t *testing.T) {
			fb := newFakeBackend()
			o, _ := newTestOrchestrator(t, fb, nil, Config{})

			v := o.ExecuteSubmission(context.Background(), SubmissionRequest{SourceCode: "x", Language: lang.ID, Inputs: inputs})
			if !reflect.DeepEqual(fb.inputs, inputs) {
				t.Fatalf("inputs were rewritten: %q", fb.inputs)
			}
			if !reflect.DeepEqual(v.Outputs, inputs) {
				t.Fatalf("echo outputs differ from inputs: %q", v.Outputs)
			}
		})
	}
}

func TestSplitWhitespaceInputOptIn(t *testing.T) {
	fb := newFakeBackend()
	o, _ := newTestOrchestrator(t, fb, nil, Config{})
	o.deps.Languages = profile.NewLocalRepository([]profile.LanguageSpec{{
		ID:                   "cpp-args",
		SourceFile:           "main.cpp",
		RunCmdTpl:            "{bin}",
		SplitWhitespaceInput: true,
	}})

	o.ExecuteSubmission(context.Background(), SubmissionRequest{SourceCode: "int main(){}", Language: "cpp-args", Inputs: []string{"1 2  3", "  "}})
	if !reflect.DeepEqual(fb.inputs, []string{"1\n2\n3\n", ""}) {
		t.Fatalf("unexpected normalized inputs %q", fb.inputs)
	}
}

func TestOutputLimitFailsSubmission(t *testing.T) {
	fb := newFakeBackend()
	fb.run = func(ctx context.Context, ws *workspace.Workspace, guard *security.Guard, index int, input string) (result.ExecutionRecord, error) {
		rec := result.ExecutionRecord{Index: index, Stdout: input, Status: result.StatusAccepted}
		if index == 1 {
			rec.Stdout = input[:2]
			rec.MarkOutputLimit()
		}
		return rec, nil
	}
	o, mgr := newTestOrchestrator(t, fb, nil, Config{})

	v := o.ExecuteSubmission(context.Background(), pyRequest("ok\n", "too long\n", "never\n"))
	if v.Status != result.StatusRuntimeError || v.Message != result.OutputLimitMessage {
		t.Fatalf("expected output limit runtime error, got %+v", v)
	}
	if !reflect.DeepEqual(v.Outputs, []string{"ok\n"}) || fb.runs() != 2 {
		t.Fatalf("truncated output must not be reported: outputs=%q runs=%d", v.Outputs, fb.runs())
	}
	if NewResponse(v).Status != result.ExternalUserCodeError {
		t.Fatalf("expected user code error status")
	}
	assertCleanedUp(t, fb, mgr)
}

func TestCancelRunningSubmission(t *testing.T) {
	fb := newFakeBackend()
	fb.run = func(ctx context.Context, ws *workspace.Workspace, guard *security.Guard, index int, input string) (result.ExecutionRecord, error) {
		<-ctx.Done()
		return result.ExecutionRecord{}, appErr.Wrapf(ctx.Err(), appErr.SandboxFailure, "execution cancelled")
	}
	o, mgr := newTestOrchestrator(t, fb, nil, Config{})

	done := make(chan result.Verdict, 1)
	req := pyRequest("1")
	req.SubmissionID = "sub-1"
	go func() { done <- o.ExecuteSubmission(context.Background(), req) }()

	deadline := time.Now().Add(2 * time.Second)
	for fb.runs() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("submission never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	dup := o.ExecuteSubmission(context.Background(), req)
	if dup.Status != result.StatusSandboxError || dup.Rejected != appErr.SubmissionRunning {
		t.Fatalf("expected duplicate id to be rejected as running, got %+v", dup)
	}
	if fb.runs() != 1 {
		t.Fatalf("duplicate submission must not run")
	}
	if o.Cancel("missing") {
		t.Fatalf("unknown submission must not be cancelled")
	}
	if !o.Cancel("sub-1") {
		t.Fatalf("expected running submission to be cancelled")
	}

	select {
	case v := <-done:
		if v.Status != result.StatusSandboxError || v.Message != "execution cancelled" || v.SubmissionID != "sub-1" {
			t.Fatalf("unexpected verdict %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancel did not stop the submission")
	}
	if o.Running() != 0 {
		t.Fatalf("expected no running submissions")
	}
	assertCleanedUp(t, fb, mgr)
}

type busyLimiter struct{}

func (busyLimiter) Acquire(ctx context.Context) error { return context.DeadlineExceeded }
func (busyLimiter) Release()                          {}

func TestLimiterRejectsWhenBusy(t *testing.T) {
	fb := newFakeBackend()
	mgr, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	o, err := NewOrchestrator(Deps{
		Backend:    fb,
		Workspaces: mgr,
		Languages:  profile.NewLocalRepository(nil),
		Policy:     security.DefaultPolicy(mgr.Root()),
		Limiter:    busyLimiter{},
	}, Config{})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	v := o.ExecuteSubmission(context.Background(), pyRequest("1"))
	if v.Status != result.StatusSandboxError || v.Message != "sandbox is busy" {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if len(fb.compiled) != 0 {
		t.Fatalf("busy sandbox must not compile")
	}
}

func TestConcurrentSubmissionsNeverShareWorkspaces(t *testing.T) {
	fb := newFakeBackend()
	o, mgr := newTestOrchestrator(t, fb, nil, Config{})

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v := o.ExecuteSubmission(context.Background(), pyRequest("1")); v.Status != result.StatusAccepted {
				t.Errorf("unexpected verdict %+v", v)
			}
		}()
	}
	wg.Wait()

	ids := make(map[string]bool)
	for _, ws := range fb.compiled {
		if ids[ws.ID] {
			t.Fatalf("workspace id %s reused", ws.ID)
		}
		ids[ws.ID] = true
	}
	if len(ids) != n {
		t.Fatalf("expected %d workspaces, got %d", n, len(ids))
	}
	assertCleanedUp(t, fb, mgr)
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse(result.Verdict{SubmissionID: "s", Status: result.StatusTimeout, TimeMs: 7})
	if resp.Status != result.ExternalUserCodeError || resp.Verdict != result.StatusTimeout || resp.Outputs == nil || resp.Time != 7 {
		t.Fatalf("unexpected response %+v", resp)
	}
}
