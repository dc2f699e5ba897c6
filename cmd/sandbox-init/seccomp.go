//go:build linux

package main

import (
	"fmt"
	"strings"

	"codesandbox/internal/sandbox/security"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

func loadSeccomp(profile security.SeccompProfile) error {
	defaultAction, err := parseAction(profile.DefaultAction, 0)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()

	for _, rule := range profile.Syscalls {
		action, err := parseAction(rule.Action, rule.Errno)
		if err != nil {
			return err
		}
		conds, err := conditions(rule.Args)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Not present on this architecture.
				continue
			}
			if len(conds) == 0 {
				err = filter.AddRuleExact(call, action)
			} else {
				err = filter.AddRuleConditionalExact(call, action, conds)
			}
			if err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

func parseAction(action string, errno int) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case security.ActAllow:
		return seccomp.ActAllow, nil
	case "SCMP_ACT_KILL", security.ActKill:
		return seccomp.ActKillProcess, nil
	case security.ActErrno:
		if errno <= 0 {
			errno = int(unix.EPERM)
		}
		return seccomp.ActErrno.SetReturnCode(int16(errno)), nil
	default:
		return seccomp.ActInvalid, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}

func parseCompare(op string) (seccomp.ScmpCompareOp, error) {
	switch strings.ToUpper(op) {
	case "SCMP_CMP_EQ":
		return seccomp.CompareEqual, nil
	case "SCMP_CMP_NE":
		return seccomp.CompareNotEqual, nil
	case "SCMP_CMP_MASKED_EQ":
		return seccomp.CompareMaskedEqual, nil
	default:
		return seccomp.CompareInvalid, fmt.Errorf("unsupported seccomp comparison: %s", op)
	}
}

func conditions(args []security.SeccompArg) ([]seccomp.ScmpCondition, error) {
	out := make([]seccomp.ScmpCondition, 0, len(args))
	for _, a := range args {
		op, err := parseCompare(a.Op)
		if err != nil {
			return nil, err
		}
		values := []uint64{a.Value}
		if op == seccomp.CompareMaskedEqual {
			values = append(values, a.ValueTwo)
		}
		cond, err := seccomp.MakeCondition(a.Index, op, values...)
		if err != nil {
			return nil, fmt.Errorf("seccomp condition on arg %d: %w", a.Index, err)
		}
		out = append(out, cond)
	}
	return out, nil
}
