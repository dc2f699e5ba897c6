package process

import (
	"encoding/json"
	"os"
	"strings"

	"codesandbox/internal/sandbox/security"
	"codesandbox/internal/sandbox/spec"
)

const (
	// helperRequestFD is where sandbox-init reads its request (first ExtraFiles entry).
	helperRequestFD = 3
	// HelperFailureExitCode is returned by sandbox-init when setup fails before exec.
	HelperFailureExitCode = 120
	// HelperErrorPrefix starts every setup error sandbox-init writes to stderr.
	HelperErrorPrefix = "sandbox-init: "
)

// InitRequest is the document sandbox-init receives on fd 3.
type InitRequest struct {
	RunSpec       spec.RunSpec              `json:"RunSpec"`
	Isolation     security.IsolationProfile `json:"Isolation"`
	EnableSeccomp bool                      `json:"EnableSeccomp"`
	EnableNs      bool                      `json:"EnableNs"`
}

// writeInitRequest encodes req into a pipe and returns the read end for the child.
func writeInitRequest(req InitRequest) (*os.File, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	go func() {
		_, _ = w.Write(data)
		_ = w.Close()
	}()
	return r, nil
}

func isHelperFailure(exitCode int, stderr string) bool {
	return exitCode == HelperFailureExitCode && strings.HasPrefix(stderr, HelperErrorPrefix)
}
