//go:build linux

package sandbox

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"codesandbox/internal/sandbox/backend/native"
	"codesandbox/internal/sandbox/process"
	"codesandbox/internal/sandbox/profile"
	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/security"
	"codesandbox/internal/sandbox/spec"
	"codesandbox/internal/sandbox/workspace"
)

func newNativeOrchestrator(t *testing.T, policy func(root string) *security.Policy, cfg Config) (*Orchestrator, *workspace.Manager) {
	t.Helper()
	runner, err := process.NewRunner(process.Config{})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	mgr, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	langs := profile.NewLocalRepository([]profile.LanguageSpec{{
		ID:         "sh",
		SourceFile: "main.sh",
		RunCmdTpl:  "/bin/sh {src}",
		RunLimits:  spec.ResourceLimit{WallTimeMs: 300, OutputBytes: 1 << 20},
	}})
	o, err := NewOrchestrator(Deps{
		Backend:    native.New(runner, nil),
		Workspaces: mgr,
		Languages:  langs,
		Policy:     policy(mgr.Root()),
	}, cfg)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o, mgr
}

func shRequest(script string, inputs ...string) SubmissionRequest {
	return SubmissionRequest{SourceCode: script, Language: "sh", Inputs: inputs}
}

func assertRootEmpty(t *testing.T, mgr *workspace.Manager) {
	t.Helper()
	if mgr.Live() != 0 {
		t.Fatalf("expected no live workspaces, got %d", mgr.Live())
	}
}

func TestNativeEcho(t *testing.T) {
	o, mgr := newNativeOrchestrator(t, security.DefaultPolicy, Config{})

	inputs := []string{"first\n", "second\n", "third\n"}
	v := o.ExecuteSubmission(context.Background(), shRequest("cat", inputs...))
	if v.Status != result.StatusAccepted {
		t.Fatalf("expected Accepted, got %+v", v)
	}
	if !reflect.DeepEqual(v.Outputs, inputs) {
		t.Fatalf("unexpected outputs %q", v.Outputs)
	}
	assertRootEmpty(t, mgr)
}

func TestNativeTimeoutPerCase(t *testing.T) {
	off := false
	o, mgr := newNativeOrchestrator(t, security.DefaultPolicy, Config{ShortCircuit: &off})

	start := time.Now()
	v := o.ExecuteSubmission(context.Background(), shRequest("while :; do :; done", "1", "2", "3"))
	elapsed := time.Since(start)
	if v.Status != result.StatusTimeout {
		t.Fatalf("expected Timeout, got %+v", v)
	}
	if len(v.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(v.Records))
	}
	for _, rec := range v.Records {
		if !rec.TimedOut {
			t.Fatalf("case %d did not time out: %+v", rec.Index, rec)
		}
	}
	if elapsed > 3*300*time.Millisecond+2*time.Second {
		t.Fatalf("timeouts took too long: %v", elapsed)
	}
	assertRootEmpty(t, mgr)
}

func TestNativeLargeOutputBeforeReadingInput(t *testing.T) {
	o, mgr := newNativeOrchestrator(t, security.DefaultPolicy, Config{})

	script := "head -c 200000 /dev/zero | tr '\\0' 'a'; cat"
	v := o.ExecuteSubmission(context.Background(), shRequest(script, "tail\n"))
	if v.Status != result.StatusAccepted {
		t.Fatalf("expected Accepted, got %+v", v)
	}
	out := v.Outputs[0]
	if len(out) != 200000+len("tail\n") || !strings.HasSuffix(out, "tail\n") {
		t.Fatalf("unexpected output length %d", len(out))
	}
	assertRootEmpty(t, mgr)
}

func TestNativeDenyAll(t *testing.T) {
	o, mgr := newNativeOrchestrator(t, func(string) *security.Policy { return security.DenyAll() }, Config{})

	v := o.ExecuteSubmission(context.Background(), shRequest("echo hi", "1", "2"))
	if v.Status != result.StatusSecurityViolation || len(v.Records) != 1 {
		t.Fatalf("expected one violation record, got %+v", v)
	}
	assertRootEmpty(t, mgr)
}

func TestNativeEchoLargeInput(t *testing.T) {
	o, mgr := newNativeOrchestrator(t, security.DefaultPolicy, Config{})

	input := strings.Repeat("x", 100000) + "\n"
	v := o.ExecuteSubmission(context.Background(), shRequest("cat", input))
	if v.Status != result.StatusAccepted || len(v.Outputs) != 1 || v.Outputs[0] != input {
		t.Fatalf("expected verbatim echo of %d bytes, got status %s", len(input), v.Status)
	}
	assertRootEmpty(t, mgr)
}

func TestNativeOutputOverCapIsRuntimeError(t *testing.T) {
	o, mgr := newNativeOrchestrator(t, security.DefaultPolicy, Config{})

	v := o.ExecuteSubmission(context.Background(), shRequest("head -c 2000000 /dev/zero | tr '\\0' 'a'", "1"))
	if v.Status != result.StatusRuntimeError || v.Message != result.OutputLimitMessage {
		t.Fatalf("expected output limit runtime error, got %s %q", v.Status, v.Message)
	}
	if len(v.Outputs) != 0 || NewResponse(v).Status != result.ExternalUserCodeError {
		t.Fatalf("truncated output leaked into the verdict")
	}
	assertRootEmpty(t, mgr)
}
