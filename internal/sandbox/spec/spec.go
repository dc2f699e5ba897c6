// Package spec defines the execution specification and resource limits.
package spec

import "time"

// ResourceLimit describes hard limits enforced by the sandbox.
type ResourceLimit struct {
	CPUTimeMs   int64 `yaml:"cpuTimeMs" json:"CPUTimeMs"`
	WallTimeMs  int64 `yaml:"wallTimeMs" json:"WallTimeMs"`
	MemoryMB    int64 `yaml:"memoryMb" json:"MemoryMB"`
	StackMB     int64 `yaml:"stackMb" json:"StackMB"`
	OutputBytes int64 `yaml:"outputBytes" json:"OutputBytes"`
	PIDs        int64 `yaml:"pids" json:"PIDs"`
}

// WallTimeout returns the wall clock limit as a duration; zero means unlimited.
func (l ResourceLimit) WallTimeout() time.Duration {
	if l.WallTimeMs <= 0 {
		return 0
	}
	return time.Duration(l.WallTimeMs) * time.Millisecond
}

// Merge returns l with every zero field taken from fallback.
func (l ResourceLimit) Merge(fallback ResourceLimit) ResourceLimit {
	if l.CPUTimeMs == 0 {
		l.CPUTimeMs = fallback.CPUTimeMs
	}
	if l.WallTimeMs == 0 {
		l.WallTimeMs = fallback.WallTimeMs
	}
	if l.MemoryMB == 0 {
		l.MemoryMB = fallback.MemoryMB
	}
	if l.StackMB == 0 {
		l.StackMB = fallback.StackMB
	}
	if l.OutputBytes == 0 {
		l.OutputBytes = fallback.OutputBytes
	}
	if l.PIDs == 0 {
		l.PIDs = fallback.PIDs
	}
	return l
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string `yaml:"source" json:"Source"`
	Target   string `yaml:"target" json:"Target"`
	ReadOnly bool   `yaml:"readOnly" json:"ReadOnly"`
}

// RunSpec is the unified execution specification for one process.
type RunSpec struct {
	ExecutionID   string
	WorkDir       string
	Cmd           []string
	Env           []string
	BindMounts    []MountSpec
	Limits        ResourceLimit
	EnableNetwork bool
}
