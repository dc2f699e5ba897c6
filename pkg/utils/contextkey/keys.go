package contextkey

// Key is a dedicated type to avoid context key collisions across packages.
type Key string

const (
	TraceID      Key = "trace_id"
	RequestID    Key = "request_id"
	SubmissionID Key = "submission_id"
	ExecutionID  Key = "execution_id"
	Caller       Key = "caller"
)
