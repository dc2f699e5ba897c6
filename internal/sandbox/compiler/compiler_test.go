package compiler

import (
	"context"
	"reflect"
	"testing"

	"codesandbox/internal/sandbox/profile"
	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/spec"
	"codesandbox/internal/sandbox/workspace"
	appErr "codesandbox/pkg/errors"
)

type fakeToolchain struct {
	calls []spec.RunSpec
	rec   result.ExecutionRecord
	err   error
}

func (f *fakeToolchain) RunTrusted(ctx context.Context, rs spec.RunSpec) (result.ExecutionRecord, error) {
	f.calls = append(f.calls, rs)
	return f.rec, f.err
}

func cppWorkspace() *workspace.Workspace {
	lang := profile.LanguageSpec{
		ID:             "cpp",
		SourceFile:     "main.cpp",
		BinaryFile:     "main",
		CompileEnabled: true,
		CompileCmdTpl:  "g++ -std=c++17 {src} -o {bin}",
	}
	return &workspace.Workspace{
		ID:           "ws1",
		Dir:          "/work/ws1",
		SourcePath:   "/work/ws1/main.cpp",
		ArtifactPath: "/work/ws1/main",
		Language:     lang,
	}
}

func TestCompileSuccess(t *testing.T) {
	tc := &fakeToolchain{rec: result.ExecutionRecord{Status: result.StatusAccepted}}
	res, err := New(tc).Compile(context.Background(), cppWorkspace())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK || res.Skipped {
		t.Fatalf("expected ok compile, got %+v", res)
	}
	want := []string{"g++", "-std=c++17", "/work/ws1/main.cpp", "-o", "/work/ws1/main"}
	if len(tc.calls) != 1 || !reflect.DeepEqual(tc.calls[0].Cmd, want) {
		t.Fatalf("unexpected command %v", tc.calls)
	}
	if tc.calls[0].WorkDir != "/work/ws1" || tc.calls[0].Limits.WallTimeMs == 0 {
		t.Fatalf("unexpected run spec %+v", tc.calls[0])
	}
}

func TestCompileErrorKeepsStderr(t *testing.T) {
	stderr := "main.cpp:1:1: error: expected unqualified-id\n"
	tc := &fakeToolchain{rec: result.ExecutionRecord{ExitCode: 1, Stderr: stderr, Status: result.StatusRuntimeError, Error: "exit status 1"}}
	res, err := New(tc).Compile(context.Background(), cppWorkspace())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK || res.Stderr != stderr || res.ExitCode != 1 {
		t.Fatalf("expected failed compile with verbatim stderr, got %+v", res)
	}
}

func TestCompileTimeout(t *testing.T) {
	tc := &fakeToolchain{rec: result.ExecutionRecord{TimedOut: true, Status: result.StatusTimeout, Error: "time limit exceeded", ExitCode: -1}}
	res, err := New(tc).Compile(context.Background(), cppWorkspace())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK || res.Stderr != "compilation timed out" {
		t.Fatalf("expected timed out compile, got %+v", res)
	}
}

func TestCompileOutputLimitReportsReason(t *testing.T) {
	rec := result.ExecutionRecord{}
	rec.MarkOutputLimit()
	res, err := New(&fakeToolchain{rec: rec}).Compile(context.Background(), cppWorkspace())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK || res.Stderr != result.OutputLimitMessage {
		t.Fatalf("expected failed compile naming the output limit, got %+v", res)
	}
}

func TestCompileSpawnFailureIsSandboxFault(t *testing.T) {
	tc := &fakeToolchain{err: appErr.New(appErr.ProcessSpawnFailed)}
	_, err := New(tc).Compile(context.Background(), cppWorkspace())
	if !appErr.Is(err, appErr.ToolchainSpawnFailed) {
		t.Fatalf("expected ToolchainSpawnFailed, got %v", err)
	}
}

func TestCompileSkippedForInterpreted(t *testing.T) {
	ws := cppWorkspace()
	ws.Language.CompileEnabled = false
	tc := &fakeToolchain{}
	res, err := New(tc).Compile(context.Background(), ws)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK || !res.Skipped || len(tc.calls) != 0 {
		t.Fatalf("expected skipped compile, got %+v calls=%d", res, len(tc.calls))
	}
}

func TestCompileOnlyOnce(t *testing.T) {
	tc := &fakeToolchain{}
	c := New(tc)
	ws := cppWorkspace()
	if _, err := c.Compile(context.Background(), ws); err != nil {
		t.Fatalf("first compile: %v", err)
	}
	if _, err := c.Compile(context.Background(), ws); !appErr.Is(err, appErr.WorkspaceReused) {
		t.Fatalf("expected WorkspaceReused, got %v", err)
	}
	if len(tc.calls) != 1 {
		t.Fatalf("expected a single toolchain call, got %d", len(tc.calls))
	}
}

func TestCompileWithContainerPaths(t *testing.T) {
	tc := &fakeToolchain{}
	c := New(tc, WithPaths(func(ws *workspace.Workspace) Paths {
		return Paths{Src: "/sandbox/main.cpp", Bin: "/sandbox/main", Dir: "/sandbox"}
	}))
	if _, err := c.Compile(context.Background(), cppWorkspace()); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if tc.calls[0].Cmd[2] != "/sandbox/main.cpp" || tc.calls[0].WorkDir != "/sandbox" {
		t.Fatalf("expected container paths, got %+v", tc.calls[0])
	}
}

func TestBuildCommand(t *testing.T) {
	paths := Paths{Src: "/w s/Main.java", Bin: "/w s/Main.class", Dir: "/w s"}
	cases := []struct {
		name    string
		tpl     string
		want    []string
		wantErr bool
	}{
		{name: "java run", tpl: "java -cp {dir} Main", want: []string{"java", "-cp", "/w s", "Main"}},
		{name: "quoted flag", tpl: `g++ "-DNAME=a b" {src}`, want: []string{"g++", "-DNAME=a b", "/w s/Main.java"}},
		{name: "src name", tpl: "javac {srcName}", want: []string{"javac", "Main.java"}},
		{name: "empty", tpl: "  ", wantErr: true},
		{name: "unterminated quote", tpl: `gcc "oops`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := BuildCommand(tc.tpl, paths)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
