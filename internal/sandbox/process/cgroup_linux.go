//go:build linux

package process

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"codesandbox/internal/sandbox/spec"
)

// runCgroup is a cgroup v2 leaf owned by a single execution. A nil
// *runCgroup is valid and means cgroups are disabled.
type runCgroup struct {
	dir string
}

func newRunCgroup(root, executionID string) (*runCgroup, error) {
	if root == "" {
		return nil, fmt.Errorf("cgroup root is required")
	}
	name := executionID
	if name == "" {
		name = "run"
	}
	dir := filepath.Join(root, name+"-"+strconv.FormatInt(time.Now().UnixNano(), 36))
	if err := os.Mkdir(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &runCgroup{dir: dir}, nil
}

func (g *runCgroup) String() string {
	if g == nil {
		return ""
	}
	return g.dir
}

// limit writes pids.max, memory.max and disables swap for the leaf.
func (g *runCgroup) limit(limits spec.ResourceLimit) error {
	pids := "max"
	if limits.PIDs > 0 {
		pids = strconv.FormatInt(limits.PIDs, 10)
	}
	if err := g.write("pids.max", pids); err != nil {
		return err
	}
	if limits.MemoryMB <= 0 {
		return nil
	}
	if err := g.write("memory.max", strconv.FormatInt(limits.MemoryMB<<20, 10)); err != nil {
		return err
	}
	// memory.swap.max is absent when swap accounting is off.
	if err := g.write("memory.swap.max", "0"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (g *runCgroup) add(pid int) error {
	if g == nil {
		return nil
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return g.write("cgroup.procs", strconv.Itoa(pid))
}

func (g *runCgroup) kill() {
	if g != nil {
		_ = g.write("cgroup.kill", "1")
	}
}

// remove kills any survivors and deletes the leaf. rmdir fails while
// processes remain.
func (g *runCgroup) remove() {
	if g == nil {
		return
	}
	g.kill()
	_ = os.Remove(g.dir)
}

func (g *runCgroup) oomKilled() bool {
	if g == nil {
		return false
	}
	data, err := os.ReadFile(filepath.Join(g.dir, "memory.events"))
	if err != nil {
		return false
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), " ")
		if ok && key == "oom_kill" {
			n, _ := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
			return n > 0
		}
	}
	return false
}

// peakKB reads memory.peak, falling back to the child's max RSS.
func (g *runCgroup) peakKB(state *os.ProcessState) int64 {
	if g != nil {
		data, err := os.ReadFile(filepath.Join(g.dir, "memory.peak"))
		if err == nil {
			if n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil && n > 0 {
				return n >> 10
			}
		}
	}
	if state == nil {
		return 0
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		return usage.Maxrss
	}
	return 0
}

func (g *runCgroup) write(name, value string) error {
	return os.WriteFile(filepath.Join(g.dir, name), []byte(value), 0o640)
}
