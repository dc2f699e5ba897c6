package result

import (
	"reflect"
	"testing"
)

func ok(index int, out string, timeMs, memKB int64) ExecutionRecord {
	return ExecutionRecord{Index: index, Stdout: out, TimeMs: timeMs, MemoryKB: memKB, Status: StatusAccepted}
}

func capped(index int, prefix string) ExecutionRecord {
	rec := ExecutionRecord{Index: index, Stdout: prefix}
	rec.MarkOutputLimit()
	return rec
}

func TestAggregate(t *testing.T) {
	compiled := CompileResult{OK: true}

	cases := []struct {
		name        string
		compile     CompileResult
		records     []ExecutionRecord
		wantStatus  Status
		wantOutputs []string
		wantMessage string
		wantTime    int64
		wantMemory  int64
	}{
		{
			name:        "all accepted",
			compile:     compiled,
			records:     []ExecutionRecord{ok(0, "3\n", 10, 100), ok(1, "7\n", 30, 50)},
			wantStatus:  StatusAccepted,
			wantOutputs: []string{"3\n", "7\n"},
			wantTime:    30,
			wantMemory:  100,
		},
		{
			name:        "compile error ignores records",
			compile:     CompileResult{OK: false, ExitCode: 1, Stderr: "main.cpp:1: error"},
			records:     []ExecutionRecord{ok(0, "x", 10, 10)},
			wantStatus:  StatusCompileError,
			wantOutputs: []string{},
			wantMessage: "main.cpp:1: error",
		},
		{
			name:    "first failure wins",
			compile: compiled,
			records: []ExecutionRecord{
				ok(0, "a", 5, 1),
				{Index: 1, Status: StatusRuntimeError, Error: "exit status 1", TimeMs: 8},
				{Index: 2, Status: StatusTimeout, TimedOut: true, Error: "time limit exceeded", TimeMs: 5000},
			},
			wantStatus:  StatusRuntimeError,
			wantOutputs: []string{"a"},
			wantMessage: "exit status 1",
			wantTime:    5000,
			wantMemory:  1,
		},
		{
			name:    "timeout",
			compile: compiled,
			records: []ExecutionRecord{
				{Index: 0, Status: StatusTimeout, TimedOut: true, Incomplete: true, Stdout: "partial", Error: "time limit exceeded", TimeMs: 1000},
			},
			wantStatus:  StatusTimeout,
			wantOutputs: []string{},
			wantMessage: "time limit exceeded",
			wantTime:    1000,
		},
		{
			name:    "violation",
			compile: compiled,
			records: []ExecutionRecord{
				{Index: 0, Status: StatusSecurityViolation, Violation: true, Error: "operation not permitted: execute"},
			},
			wantStatus:  StatusSecurityViolation,
			wantOutputs: []string{},
			wantMessage: "operation not permitted: execute",
		},
		{
			name:    "error string without status is runtime error",
			compile: compiled,
			records: []ExecutionRecord{
				{Index: 0, Error: "broken pipe"},
			},
			wantStatus:  StatusRuntimeError,
			wantOutputs: []string{},
			wantMessage: "broken pipe",
		},
		{
			name:    "output limit fails the case",
			compile: compiled,
			records: []ExecutionRecord{
				ok(0, "a", 1, 1),
				capped(1, "bbbb"),
				ok(2, "c", 1, 1),
			},
			wantStatus:  StatusRuntimeError,
			wantOutputs: []string{"a"},
			wantMessage: OutputLimitMessage,
			wantTime:    1,
			wantMemory:  1,
		},
		{
			name:    "complete stdout with pipes cut after exit is accepted",
			compile: compiled,
			records: []ExecutionRecord{
				{Index: 0, Stdout: "done\n", Status: StatusAccepted, Incomplete: true},
			},
			wantStatus:  StatusAccepted,
			wantOutputs: []string{"done\n"},
		},
		{
			name:        "no inputs",
			compile:     compiled,
			records:     nil,
			wantStatus:  StatusAccepted,
			wantOutputs: []string{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := Aggregate(tc.compile, tc.records)
			if v.Status != tc.wantStatus {
				t.Fatalf("expected status %s, got %s", tc.wantStatus, v.Status)
			}
			if !reflect.DeepEqual(v.Outputs, tc.wantOutputs) {
				t.Fatalf("expected outputs %q, got %q", tc.wantOutputs, v.Outputs)
			}
			if v.Message != tc.wantMessage {
				t.Fatalf("expected message %q, got %q", tc.wantMessage, v.Message)
			}
			if v.TimeMs != tc.wantTime || v.MemoryKB != tc.wantMemory {
				t.Fatalf("expected time/memory %d/%d, got %d/%d", tc.wantTime, tc.wantMemory, v.TimeMs, v.MemoryKB)
			}
		})
	}
}

func TestAggregateIsDeterministic(t *testing.T) {
	records := []ExecutionRecord{ok(0, "1", 1, 1), {Index: 1, Error: "boom", Status: StatusRuntimeError}}
	a := Aggregate(CompileResult{OK: true}, records)
	b := Aggregate(CompileResult{OK: true}, records)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("expected identical verdicts")
	}
}

func TestExternalStatus(t *testing.T) {
	cases := map[Status]ExternalStatus{
		StatusAccepted:          ExternalAccepted,
		StatusSandboxError:      ExternalSandboxError,
		StatusCompileError:      ExternalUserCodeError,
		StatusRuntimeError:      ExternalUserCodeError,
		StatusTimeout:           ExternalUserCodeError,
		StatusSecurityViolation: ExternalUserCodeError,
	}
	for status, want := range cases {
		if got := status.External(); got != want {
			t.Fatalf("%s: expected %d, got %d", status, want, got)
		}
	}
}
