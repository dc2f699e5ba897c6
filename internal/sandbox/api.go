// Package sandbox runs untrusted submissions through the compile, run, collect
// and cleanup pipeline and reduces them to a verdict.
package sandbox

import "codesandbox/internal/sandbox/result"

// SubmissionRequest is one unit of untrusted code plus its ordered inputs.
type SubmissionRequest struct {
	SubmissionID string   `json:"submissionId,omitempty"`
	SourceCode   string   `json:"code"`
	Language     string   `json:"language"`
	Inputs       []string `json:"inputs"`
	// TimeLimitMs and MemoryLimitMB override the language's run limits when set.
	TimeLimitMs   int64 `json:"timeLimitMs,omitempty"`
	MemoryLimitMB int64 `json:"memoryLimitMb,omitempty"`
}

// Config bounds what one submission may ask for and how its cases run.
type Config struct {
	MaxCodeBytes     int   `yaml:"maxCodeBytes"`
	MaxInputs        int   `yaml:"maxInputs"`
	MaxInputBytes    int   `yaml:"maxInputBytes"`
	MaxTimeLimitMs   int64 `yaml:"maxTimeLimitMs"`
	MaxMemoryLimitMB int64 `yaml:"maxMemoryLimitMb"`
	// Parallelism above 1 runs that many cases of one submission at once.
	Parallelism int `yaml:"parallelism"`
	// ShortCircuit stops after the first failing case. Nil means on.
	ShortCircuit *bool `yaml:"shortCircuit"`
}

const (
	defaultMaxCodeBytes   = 64 * 1024
	defaultMaxInputs      = 64
	defaultMaxInputBytes  = 1 << 20
	defaultMaxTimeLimitMs = 30000
	defaultMaxMemoryMB    = 1024
)

func (c Config) withDefaults() Config {
	if c.MaxCodeBytes <= 0 {
		c.MaxCodeBytes = defaultMaxCodeBytes
	}
	if c.MaxInputs <= 0 {
		c.MaxInputs = defaultMaxInputs
	}
	if c.MaxInputBytes <= 0 {
		c.MaxInputBytes = defaultMaxInputBytes
	}
	if c.MaxTimeLimitMs <= 0 {
		c.MaxTimeLimitMs = defaultMaxTimeLimitMs
	}
	if c.MaxMemoryLimitMB <= 0 {
		c.MaxMemoryLimitMB = defaultMaxMemoryMB
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	if c.ShortCircuit == nil {
		on := true
		c.ShortCircuit = &on
	}
	return c
}

// Response is the outbound shape of a verdict.
type Response struct {
	SubmissionID string                `json:"submissionId"`
	Status       result.ExternalStatus `json:"status"`
	Verdict      result.Status         `json:"verdict"`
	Outputs      []string              `json:"outputs"`
	Message      string                `json:"message,omitempty"`
	Time         int64                 `json:"time"`
	Memory       int64                 `json:"memory"`
}

// NewResponse converts v to its outbound shape.
func NewResponse(v result.Verdict) Response {
	outputs := v.Outputs
	if outputs == nil {
		outputs = []string{}
	}
	return Response{
		SubmissionID: v.SubmissionID,
		Status:       v.Status.External(),
		Verdict:      v.Status,
		Outputs:      outputs,
		Message:      v.Message,
		Time:         v.TimeMs,
		Memory:       v.MemoryKB,
	}
}
