// Package result defines execution records, verdicts and their aggregation.
package result

import appErr "codesandbox/pkg/errors"

// Status is the classification of a single execution or of a whole submission.
type Status string

const (
	StatusAccepted          Status = "Accepted"
	StatusCompileError      Status = "CompileError"
	StatusRuntimeError      Status = "RuntimeError"
	StatusSecurityViolation Status = "SecurityViolation"
	StatusTimeout           Status = "Timeout"
	StatusSandboxError      Status = "SandboxError"
)

// ExternalStatus is the coarse status reported to callers.
type ExternalStatus int

const (
	ExternalAccepted      ExternalStatus = 1
	ExternalSandboxError  ExternalStatus = 2
	ExternalUserCodeError ExternalStatus = 3
)

// External maps s to the outbound status enum.
func (s Status) External() ExternalStatus {
	switch s {
	case StatusAccepted:
		return ExternalAccepted
	case StatusSandboxError:
		return ExternalSandboxError
	default:
		return ExternalUserCodeError
	}
}

// ExecutionRecord captures one run of the artifact against one input.
type ExecutionRecord struct {
	Index      int    `json:"index"`
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	TimeMs     int64  `json:"timeMs"`
	MemoryKB   int64  `json:"memoryKb"`
	Status     Status `json:"status"`
	Violation  bool   `json:"violation,omitempty"`
	TimedOut   bool   `json:"timedOut,omitempty"`
	Incomplete bool   `json:"incomplete,omitempty"`
	Error      string `json:"error,omitempty"`
}

// OutputLimitMessage is the error of a run whose stdout exceeded the cap.
const OutputLimitMessage = "output limit exceeded"

// MarkOutputLimit fails a record whose stdout was cut at the cap. A kept
// prefix is never passed on as the case's output.
func (r *ExecutionRecord) MarkOutputLimit() {
	r.Status = StatusRuntimeError
	r.Incomplete = true
	r.Error = OutputLimitMessage
}

// Failed reports whether the record should stop a short-circuiting batch.
func (r ExecutionRecord) Failed() bool {
	return r.Error != "" || r.Violation
}

// CompileResult contains compilation outcomes.
type CompileResult struct {
	OK         bool   `json:"ok"`
	Skipped    bool   `json:"skipped,omitempty"`
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Verdict is the final outcome of one submission.
type Verdict struct {
	SubmissionID string            `json:"submissionId,omitempty"`
	Status       Status            `json:"status"`
	Outputs      []string          `json:"outputs"`
	Message      string            `json:"message,omitempty"`
	TimeMs       int64             `json:"timeMs"`
	MemoryKB     int64             `json:"memoryKb"`
	Compile      *CompileResult    `json:"compile,omitempty"`
	Records      []ExecutionRecord `json:"records,omitempty"`
	// Rejected is the error code of a submission refused before any work started.
	Rejected appErr.ErrorCode `json:"-"`
}
