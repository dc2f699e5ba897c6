package security

// IsolationProfile is the kernel-level rendition of a Policy consumed by the
// sandbox-init helper and the container backend.
type IsolationProfile struct {
	RootFS           string         `json:"RootFS"`
	DisableNetwork   bool           `json:"DisableNetwork"`
	DenyProcessSpawn bool           `json:"DenyProcessSpawn"`
	ReadOnlyRoot     bool           `json:"ReadOnlyRoot"`
	Seccomp          SeccompProfile `json:"Seccomp"`
}

// SeccompProfile is a libseccomp filter description.
type SeccompProfile struct {
	DefaultAction string        `json:"defaultAction"`
	Syscalls      []SeccompRule `json:"syscalls"`
}

// SeccompRule applies Action to the named syscalls, optionally only when all
// argument conditions hold.
type SeccompRule struct {
	Names  []string     `json:"names"`
	Action string       `json:"action"`
	Errno  int          `json:"errno,omitempty"`
	Args   []SeccompArg `json:"args,omitempty"`
}

// SeccompArg compares one syscall argument. Op is one of
// SCMP_CMP_EQ, SCMP_CMP_NE, SCMP_CMP_MASKED_EQ.
type SeccompArg struct {
	Index    uint   `json:"index"`
	Op       string `json:"op"`
	Value    uint64 `json:"value"`
	ValueTwo uint64 `json:"valueTwo,omitempty"`
}

const (
	ActAllow = "SCMP_ACT_ALLOW"
	ActKill  = "SCMP_ACT_KILL_PROCESS"
	ActErrno = "SCMP_ACT_ERRNO"

	cloneThread = 0x00010000
	afInet      = 2
	afInet6     = 10
	enosys      = 38
)

// privilegedSyscalls are never needed by judged programs.
var privilegedSyscalls = []string{
	"ptrace", "process_vm_readv", "process_vm_writev",
	"mount", "umount2", "pivot_root", "chroot",
	"reboot", "kexec_load", "kexec_file_load",
	"init_module", "finit_module", "delete_module",
	"setns", "unshare", "bpf", "perf_event_open",
	"keyctl", "add_key", "request_key",
	"swapon", "swapoff", "settimeofday", "clock_settime",
}

// IsolationFromPolicy derives the isolation settings a policy implies.
// Process spawning is blocked when execute is deny-by-default, network access
// when no rule can ever allow connect.
func IsolationFromPolicy(p *Policy) IsolationProfile {
	iso := IsolationProfile{
		DisableNetwork:   p.DeniesAll(OpConnect),
		DenyProcessSpawn: p.DefaultEffect(OpExecute) == Deny,
		ReadOnlyRoot:     p.DefaultEffect(OpWrite) == Deny,
	}
	sc := SeccompProfile{DefaultAction: ActAllow}
	sc.Syscalls = append(sc.Syscalls, SeccompRule{Names: privilegedSyscalls, Action: ActKill})
	if iso.DenyProcessSpawn {
		sc.Syscalls = append(sc.Syscalls,
			SeccompRule{Names: []string{"fork", "vfork"}, Action: ActKill},
			SeccompRule{
				Names:  []string{"clone"},
				Action: ActKill,
				Args:   []SeccompArg{{Index: 0, Op: "SCMP_CMP_MASKED_EQ", Value: cloneThread, ValueTwo: 0}},
			},
			// glibc falls back to clone when clone3 is unavailable.
			SeccompRule{Names: []string{"clone3"}, Action: ActErrno, Errno: enosys},
		)
	}
	if iso.DisableNetwork {
		sc.Syscalls = append(sc.Syscalls,
			SeccompRule{Names: []string{"socket"}, Action: ActKill, Args: []SeccompArg{{Index: 0, Op: "SCMP_CMP_EQ", Value: afInet}}},
			SeccompRule{Names: []string{"socket"}, Action: ActKill, Args: []SeccompArg{{Index: 0, Op: "SCMP_CMP_EQ", Value: afInet6}}},
		)
	}
	iso.Seccomp = sc
	return iso
}
