//go:build linux

// sandbox-init is the isolation helper started by the native backend. It reads
// an InitRequest on fd 3, confines itself and execs the target program, which
// inherits stdin, stdout and stderr unchanged.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"codesandbox/internal/sandbox/process"
	"codesandbox/internal/sandbox/security"
	"codesandbox/internal/sandbox/spec"

	"golang.org/x/sys/unix"
)

const requestFD = 3

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, process.HelperErrorPrefix+err.Error())
		os.Exit(process.HelperFailureExitCode)
	}
}

func run() error {
	req, err := readRequest()
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}

	if req.EnableNs {
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("make mount private: %w", err)
		}
		if err := applyBindMounts(req.Isolation.RootFS, req.RunSpec.BindMounts); err != nil {
			return err
		}
		if req.Isolation.RootFS != "" {
			if err := unix.Chroot(req.Isolation.RootFS); err != nil {
				return fmt.Errorf("chroot: %w", err)
			}
			if err := os.Chdir("/"); err != nil {
				return fmt.Errorf("chdir root: %w", err)
			}
		}
	} else if req.Isolation.RootFS != "" || len(req.RunSpec.BindMounts) > 0 {
		return errors.New("rootfs and bind mounts need namespaces")
	}

	if err := os.Chdir(req.RunSpec.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}
	if err := applyRlimits(req.RunSpec.Limits); err != nil {
		return err
	}

	env := security.WithPath(req.RunSpec.Env)
	os.Clearenv()
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set env: %w", err)
		}
	}
	cmdPath, err := exec.LookPath(req.RunSpec.Cmd[0])
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}

	// The filter goes on last: nothing after it but execve.
	if req.EnableSeccomp && len(req.Isolation.Seccomp.Syscalls) > 0 {
		if err := loadSeccomp(req.Isolation.Seccomp); err != nil {
			return err
		}
	}
	return unix.Exec(cmdPath, req.RunSpec.Cmd, env)
}

func readRequest() (process.InitRequest, error) {
	f := os.NewFile(requestFD, "init-request")
	if f == nil {
		return process.InitRequest{}, errors.New("request fd is not open")
	}
	defer f.Close()
	var req process.InitRequest
	if err := json.NewDecoder(f).Decode(&req); err != nil {
		return process.InitRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req process.InitRequest) error {
	if len(req.RunSpec.Cmd) == 0 {
		return errors.New("command is required")
	}
	if req.RunSpec.WorkDir == "" {
		return errors.New("work dir is required")
	}
	return nil
}

func applyBindMounts(rootfs string, mounts []spec.MountSpec) error {
	for _, m := range mounts {
		if m.Source == "" || m.Target == "" {
			return errors.New("invalid mount spec")
		}
		target := m.Target
		if rootfs != "" {
			target = filepath.Join(rootfs, m.Target)
		}
		if err := ensureMountTarget(m.Source, target); err != nil {
			return err
		}
		if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount %s: %w", m.Target, err)
		}
		if m.ReadOnly {
			if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
				return fmt.Errorf("remount %s readonly: %w", m.Target, err)
			}
		}
	}
	if rootfs != "" {
		procPath := filepath.Join(rootfs, "proc")
		if err := os.MkdirAll(procPath, 0755); err != nil {
			return fmt.Errorf("mkdir proc: %w", err)
		}
		if err := unix.Mount("proc", procPath, "proc", 0, ""); err != nil && !errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("mount proc: %w", err)
		}
	}
	return nil
}

func ensureMountTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat mount source: %w", err)
	}
	if info.IsDir() {
		return os.MkdirAll(target, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("mkdir mount target dir: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("create mount target file: %w", err)
	}
	return file.Close()
}

type rlimit struct {
	name     string
	resource int
	value    uint64
}

func rlimitsFor(limits spec.ResourceLimit) []rlimit {
	var out []rlimit
	if limits.CPUTimeMs > 0 {
		out = append(out, rlimit{"cpu", unix.RLIMIT_CPU, uint64((limits.CPUTimeMs + 999) / 1000)})
	}
	if limits.OutputBytes > 0 {
		out = append(out, rlimit{"fsize", unix.RLIMIT_FSIZE, uint64(limits.OutputBytes)})
	}
	if limits.StackMB > 0 {
		out = append(out, rlimit{"stack", unix.RLIMIT_STACK, uint64(limits.StackMB) << 20})
	}
	if limits.PIDs > 0 {
		out = append(out, rlimit{"nproc", unix.RLIMIT_NPROC, uint64(limits.PIDs)})
	}
	// No core files from crashing submissions.
	out = append(out, rlimit{"core", unix.RLIMIT_CORE, 0})
	return out
}

func applyRlimits(limits spec.ResourceLimit) error {
	for _, l := range rlimitsFor(limits) {
		if err := unix.Setrlimit(l.resource, &unix.Rlimit{Cur: l.value, Max: l.value}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", l.name, err)
		}
	}
	return nil
}
