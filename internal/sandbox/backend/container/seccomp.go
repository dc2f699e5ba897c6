package container

import (
	"encoding/json"

	"codesandbox/internal/sandbox/security"
	appErr "codesandbox/pkg/errors"
)

// Docker's seccomp profile format; it differs from the helper's only in field names.
type dockerSeccompProfile struct {
	DefaultAction string              `json:"defaultAction"`
	Syscalls      []dockerSeccompRule `json:"syscalls"`
}

type dockerSeccompRule struct {
	Names    []string           `json:"names"`
	Action   string             `json:"action"`
	ErrnoRet *uint              `json:"errnoRet,omitempty"`
	Args     []dockerSeccompArg `json:"args,omitempty"`
}

type dockerSeccompArg struct {
	Index    uint   `json:"index"`
	Value    uint64 `json:"value"`
	ValueTwo uint64 `json:"valueTwo"`
	Op       string `json:"op"`
}

func dockerSeccomp(sc security.SeccompProfile) (string, error) {
	out := dockerSeccompProfile{DefaultAction: sc.DefaultAction}
	if out.DefaultAction == "" {
		out.DefaultAction = security.ActAllow
	}
	for _, r := range sc.Syscalls {
		dr := dockerSeccompRule{Names: r.Names, Action: r.Action}
		if r.Action == security.ActErrno && r.Errno > 0 {
			errno := uint(r.Errno)
			dr.ErrnoRet = &errno
		}
		for _, a := range r.Args {
			dr.Args = append(dr.Args, dockerSeccompArg{Index: a.Index, Value: a.Value, ValueTwo: a.ValueTwo, Op: a.Op})
		}
		out.Syscalls = append(out.Syscalls, dr)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.PolicyInvalid, "encode seccomp profile")
	}
	return string(data), nil
}
