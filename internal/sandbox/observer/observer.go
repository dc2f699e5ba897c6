// Package observer defines metrics hooks for sandbox execution.
package observer

import "context"

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	ObserveCompile(ctx context.Context, languageID string, ok bool, durationMs int64)
	ObserveRun(ctx context.Context, languageID string, status string, timeMs int64, memoryKB int64)
	ObserveVerdict(ctx context.Context, languageID string, status string, durationMs int64)
	ObserveRejected(ctx context.Context, reason string)
	WorkspaceOpened()
	WorkspaceClosed()
}

// NoopMetricsRecorder discards everything.
type NoopMetricsRecorder struct{}

func (NoopMetricsRecorder) ObserveCompile(context.Context, string, bool, int64)      {}
func (NoopMetricsRecorder) ObserveRun(context.Context, string, string, int64, int64) {}
func (NoopMetricsRecorder) ObserveVerdict(context.Context, string, string, int64)    {}
func (NoopMetricsRecorder) ObserveRejected(context.Context, string)                  {}
func (NoopMetricsRecorder) WorkspaceOpened()                                         {}
func (NoopMetricsRecorder) WorkspaceClosed()                                         {}
