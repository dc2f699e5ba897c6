package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11099: Authentication errors
// 13000-13099: Submission intake errors
// 13100-13199: Sandbox execution errors
// 13200-13299: Workspace & toolchain errors
// 13300-13399: Security policy errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// Messaging errors (10400-10499)
	QueueError         ErrorCode = 10400
	QueuePublishFailed ErrorCode = 10401

	// Storage & cache errors (10500-10599)
	StorageError   ErrorCode = 10500
	ObjectNotFound ErrorCode = 10501
	CacheError     ErrorCode = 10502

	// ========== Authentication (11000-11099) ==========

	TokenExpired  ErrorCode = 11003
	TokenInvalid  ErrorCode = 11004
	QuotaExceeded ErrorCode = 11010

	// ========== Submission Intake (13000-13099) ==========

	CodeTooLarge         ErrorCode = 13002
	LanguageNotSupported ErrorCode = 13003
	TooManyInputs        ErrorCode = 13004
	InputTooLarge        ErrorCode = 13005
	InputPackInvalid     ErrorCode = 13006
	ObjectHashMismatch   ErrorCode = 13007

	// ========== Sandbox Execution (13100-13199) ==========

	SandboxBusy         ErrorCode = 13100
	SandboxFailure      ErrorCode = 13101
	CompilationError    ErrorCode = 13102
	RuntimeError        ErrorCode = 13103
	TimeLimitExceeded   ErrorCode = 13104
	OutputLimitExceeded ErrorCode = 13106
	BackendNotFound     ErrorCode = 13107
	SubmissionRunning   ErrorCode = 13108

	// ========== Workspace & Toolchain (13200-13299) ==========

	WorkspaceCreateFailed ErrorCode = 13200
	WorkspaceWriteFailed  ErrorCode = 13201
	WorkspaceReused       ErrorCode = 13202
	ToolchainSpawnFailed  ErrorCode = 13203
	ProcessSpawnFailed    ErrorCode = 13204

	// ========== Security (13300-13399) ==========

	SecurityViolation ErrorCode = 13300
	PolicyInvalid     ErrorCode = 13301
	GuardClosed       ErrorCode = 13302
)

var errorMessages = map[ErrorCode]string{
	Success: "Success",

	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized",
	Forbidden:           "Forbidden",
	TooManyRequests:     "Too many requests",
	ServiceUnavailable:  "Service unavailable",
	Timeout:             "Request timeout",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	QueueError:         "Message queue error",
	QueuePublishFailed: "Failed to publish message",

	StorageError:   "Object storage operation failed",
	ObjectNotFound: "Object not found",
	CacheError:     "Cache operation failed",

	TokenExpired:  "Token has expired",
	TokenInvalid:  "Invalid token",
	QuotaExceeded: "Quota exceeded",

	CodeTooLarge:         "Source code is too large",
	LanguageNotSupported: "Language not supported",
	TooManyInputs:        "Too many test inputs",
	InputTooLarge:        "Test input is too large",
	InputPackInvalid:     "Invalid input pack",
	ObjectHashMismatch:   "Object hash mismatch",

	SandboxBusy:         "Sandbox is busy",
	SandboxFailure:      "Sandbox internal error",
	CompilationError:    "Compilation error",
	RuntimeError:        "Runtime error",
	TimeLimitExceeded:   "Time limit exceeded",
	OutputLimitExceeded: "Output limit exceeded",
	BackendNotFound:     "Sandbox backend not found",
	SubmissionRunning:   "Submission is already running",

	WorkspaceCreateFailed: "Failed to create workspace",
	WorkspaceWriteFailed:  "Failed to write workspace file",
	WorkspaceReused:       "Workspace already compiled",
	ToolchainSpawnFailed:  "Failed to start toolchain",
	ProcessSpawnFailed:    "Failed to start process",

	SecurityViolation: "Operation not permitted",
	PolicyInvalid:     "Invalid security policy",
	GuardClosed:       "Security guard is closed",
}

// Message returns the default error message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == Forbidden:
		return 403
	case c == SubmissionRunning:
		return 409
	case c == NotFound, c == BackendNotFound, c == ObjectNotFound:
		return 404
	case c == TooManyRequests, c == SandboxBusy, c == QuotaExceeded:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c >= 13000 && c < 13100: // Intake errors
		return 400
	case c == InvalidParams:
		return 400
	default:
		return 500
	}
}
