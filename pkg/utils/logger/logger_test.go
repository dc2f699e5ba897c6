package logger

import (
	"context"
	"testing"

	"codesandbox/pkg/utils/contextkey"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextFieldsAttached(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := SetGlobal(NewWithCore(core))
	defer SetGlobal(prev)

	ctx := context.WithValue(context.Background(), contextkey.TraceID, "trace-1")
	ctx = context.WithValue(ctx, contextkey.SubmissionID, "sub-1")
	Warn(ctx, "workspace cleanup failed")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["trace_id"] != "trace-1" || fields["submission_id"] != "sub-1" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if _, ok := fields["request_id"]; ok {
		t.Fatalf("request_id should be absent")
	}
}

func TestNilGlobalIsNoop(t *testing.T) {
	prev := SetGlobal(nil)
	defer SetGlobal(prev)
	Info(context.Background(), "dropped")
	if err := Sync(); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, err := NewLogger(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
}
