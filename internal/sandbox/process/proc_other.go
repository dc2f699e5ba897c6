//go:build !linux

package process

import (
	"os"
	"syscall"

	"codesandbox/internal/sandbox/security"
	"codesandbox/internal/sandbox/spec"
	appErr "codesandbox/pkg/errors"
)

type signalInfo struct {
	name    string
	seccomp bool
}

func checkPlatform(cfg Config) error {
	if cfg.HelperPath != "" || cfg.EnableCgroup {
		return appErr.New(appErr.SandboxFailure).WithMessage("process isolation is only supported on linux")
	}
	return nil
}

func buildSysProcAttr(security.IsolationProfile, bool) *syscall.SysProcAttr {
	return nil
}

func killTree(proc *os.Process, _ *runCgroup) {
	if proc != nil {
		_ = proc.Kill()
	}
}

func terminationSignal(*os.ProcessState) (signalInfo, bool) {
	return signalInfo{}, false
}

// runCgroup is never created off linux; its methods are no-ops on nil.
type runCgroup struct{}

func newRunCgroup(string, string) (*runCgroup, error) {
	return nil, appErr.New(appErr.SandboxFailure).WithMessage("cgroups are only supported on linux")
}

func (g *runCgroup) String() string                 { return "" }
func (g *runCgroup) limit(spec.ResourceLimit) error { return nil }
func (g *runCgroup) add(int) error                  { return nil }
func (g *runCgroup) kill()                          {}
func (g *runCgroup) remove()                        {}
func (g *runCgroup) oomKilled() bool                { return false }
func (g *runCgroup) peakKB(*os.ProcessState) int64  { return 0 }
