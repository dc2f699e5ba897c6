//go:build linux

package process

import (
	"os"
	"syscall"

	"codesandbox/internal/sandbox/security"
)

type signalInfo struct {
	name    string
	seccomp bool
}

func checkPlatform(Config) error {
	return nil
}

func buildSysProcAttr(profile security.IsolationProfile, enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUSER)
	if profile.DisableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	return attr
}

// killTree kills the whole process group, and the cgroup when there is one,
// so forked descendants die with the leader.
func killTree(proc *os.Process, cg *runCgroup) {
	cg.kill()
	if proc == nil || proc.Pid <= 0 {
		return
	}
	_ = syscall.Kill(-proc.Pid, syscall.SIGKILL)
}

func terminationSignal(state *os.ProcessState) (signalInfo, bool) {
	if state == nil {
		return signalInfo{}, false
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return signalInfo{}, false
	}
	sig := ws.Signal()
	return signalInfo{name: sig.String(), seccomp: sig == syscall.SIGSYS}, true
}
