package native

import (
	"context"
	"reflect"
	"testing"

	"codesandbox/internal/sandbox/profile"
	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/security"
	"codesandbox/internal/sandbox/spec"
	"codesandbox/internal/sandbox/workspace"
	appErr "codesandbox/pkg/errors"
)

type fakeRunner struct {
	trusted []spec.RunSpec
	runs    []spec.RunSpec
	inputs  []string
	rec     result.ExecutionRecord
	err     error
}

func (f *fakeRunner) RunTrusted(ctx context.Context, rs spec.RunSpec) (result.ExecutionRecord, error) {
	f.trusted = append(f.trusted, rs)
	return result.ExecutionRecord{Status: result.StatusAccepted}, nil
}

func (f *fakeRunner) RunOne(ctx context.Context, rs spec.RunSpec, input string) (result.ExecutionRecord, error) {
	f.runs = append(f.runs, rs)
	f.inputs = append(f.inputs, input)
	return f.rec, f.err
}

func newWorkspace(t *testing.T, lang profile.LanguageSpec) *workspace.Workspace {
	t.Helper()
	mgr, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ws, err := mgr.Create(context.Background(), lang, "print(1)")
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	t.Cleanup(func() { mgr.Destroy(context.Background(), ws) })
	return ws
}

func python() profile.LanguageSpec {
	return profile.LanguageSpec{
		ID:         "python3",
		SourceFile: "main.py",
		BinaryFile: "main.py",
		RunCmdTpl:  "python3 -I {src}",
		RunLimits:  spec.ResourceLimit{WallTimeMs: 1500},
	}
}

func TestRunBuildsRunSpec(t *testing.T) {
	fr := &fakeRunner{rec: result.ExecutionRecord{Stdout: "1\n", Status: result.StatusAccepted}}
	b := New(fr, nil)
	ws := newWorkspace(t, python())
	guard := security.AllowAll().Open("exec-1")
	defer guard.Close()

	rec, err := b.Run(context.Background(), ws, guard, 2, "in")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Index != 2 || rec.Stdout != "1\n" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(fr.runs) != 1 {
		t.Fatalf("expected one run, got %d", len(fr.runs))
	}
	rs := fr.runs[0]
	if want := []string{"python3", "-I", ws.SourcePath}; !reflect.DeepEqual(rs.Cmd, want) {
		t.Fatalf("unexpected cmd %v", rs.Cmd)
	}
	if rs.WorkDir != ws.Dir || rs.ExecutionID != ws.ID+"-2" {
		t.Fatalf("unexpected run spec %+v", rs)
	}
	if rs.Limits.WallTimeMs != 1500 || rs.Limits.MemoryMB != profile.DefaultRunLimits.MemoryMB {
		t.Fatalf("limits not merged: %+v", rs.Limits)
	}
	if fr.inputs[0] != "in" {
		t.Fatalf("unexpected input %q", fr.inputs[0])
	}
}

func TestRunDeniedDoesNotSpawn(t *testing.T) {
	fr := &fakeRunner{}
	b := New(fr, nil)
	ws := newWorkspace(t, python())
	guard := security.DenyAll().Open("exec-1")
	defer guard.Close()

	rec, err := b.Run(context.Background(), ws, guard, 0, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.Violation || rec.Status != result.StatusSecurityViolation {
		t.Fatalf("expected violation record, got %+v", rec)
	}
	if rec.Error != "operation not permitted: execute" {
		t.Fatalf("unexpected message %q", rec.Error)
	}
	if len(fr.runs) != 0 {
		t.Fatalf("denied run must not spawn")
	}
}

func TestRunNetworkDeniedByDefaultPolicy(t *testing.T) {
	fr := &fakeRunner{}
	ws := newWorkspace(t, profile.LanguageSpec{
		ID:         "bin",
		SourceFile: "main.sh",
		BinaryFile: "main",
		RunCmdTpl:  "{bin}",
	})
	b := New(fr, nil, WithNetwork(true))
	guard := security.DefaultPolicy(ws.Dir).Open("exec-1")
	defer guard.Close()

	rec, err := b.Run(context.Background(), ws, guard, 0, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.Violation || rec.Error != "operation not permitted: connect" {
		t.Fatalf("expected connect violation, got %+v", rec)
	}
}

func TestRunClosedGuardIsAnError(t *testing.T) {
	fr := &fakeRunner{}
	b := New(fr, nil)
	ws := newWorkspace(t, python())
	guard := security.AllowAll().Open("exec-1")
	guard.Close()

	_, err := b.Run(context.Background(), ws, guard, 0, "")
	if !appErr.Is(err, appErr.GuardClosed) {
		t.Fatalf("expected GuardClosed, got %v", err)
	}
	if len(fr.runs) != 0 {
		t.Fatalf("closed guard must not spawn")
	}
}

func TestCompileUsesRunnerAsToolchain(t *testing.T) {
	fr := &fakeRunner{}
	b := New(fr, nil)
	ws := newWorkspace(t, profile.LanguageSpec{
		ID:             "c",
		SourceFile:     "main.c",
		BinaryFile:     "main",
		CompileEnabled: true,
		CompileCmdTpl:  "gcc {src} -o {bin}",
		RunCmdTpl:      "{bin}",
	})

	res, err := b.Compile(context.Background(), ws)
	if err != nil || !res.OK {
		t.Fatalf("unexpected compile result %+v, err=%v", res, err)
	}
	if len(fr.trusted) != 1 || fr.trusted[0].Cmd[0] != "gcc" {
		t.Fatalf("unexpected toolchain calls %+v", fr.trusted)
	}
	if b.ArtifactPath(ws) != ws.ArtifactPath {
		t.Fatalf("unexpected artifact path %s", b.ArtifactPath(ws))
	}
}
