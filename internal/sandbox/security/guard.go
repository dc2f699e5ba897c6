package security

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"codesandbox/internal/sandbox/spec"
	appErr "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// Violation is returned when the policy denies an operation.
// Error() is safe to show to submitters; Subject stays in the logs.
type Violation struct {
	ExecutionID string
	Op          Operation
	Subject     string
	Rule        string
}

func (v *Violation) Error() string {
	return "operation not permitted: " + string(v.Op)
}

// Detail includes the denied subject for operator logs.
func (v *Violation) Detail() string {
	return fmt.Sprintf("%s %s denied by %s", v.Op, v.Subject, v.Rule)
}

// Guard scopes policy checks to one execution. It is created when the
// execution starts and closed when it ends.
type Guard struct {
	policy      *Policy
	executionID string
	closed      atomic.Bool
}

// Open creates the guard for one execution.
func (p *Policy) Open(executionID string) *Guard {
	return &Guard{policy: p, executionID: executionID}
}

// Policy returns the policy the guard evaluates.
func (g *Guard) Policy() *Policy {
	return g.policy
}

// ExecutionID identifies the execution the guard is bound to.
func (g *Guard) ExecutionID() string {
	return g.executionID
}

// Check evaluates one operation synchronously. A closed guard rejects everything.
func (g *Guard) Check(ctx context.Context, op Operation, subject string) error {
	if g.closed.Load() {
		return appErr.Newf(appErr.GuardClosed, "guard for %s is closed", g.executionID)
	}
	d := g.policy.Evaluate(op, subject)
	if d.Allowed() {
		return nil
	}
	v := &Violation{ExecutionID: g.executionID, Op: op, Subject: subject, Rule: d.Rule}
	logger.Warn(ctx, "security policy denied operation",
		zap.String("execution_id", g.executionID),
		zap.String("op", string(op)),
		zap.String("subject", subject),
		zap.String("rule", d.Rule),
	)
	return v
}

// Capabilities is everything one execution needs granted before it starts.
type Capabilities struct {
	Executable string
	Read       []string
	Write      []string
	Connect    []string
}

// CapabilitiesFor derives the capabilities of a native run. The executable is
// resolved against PATH from the run environment.
func CapabilitiesFor(rs spec.RunSpec) Capabilities {
	caps := Capabilities{Read: []string{rs.WorkDir}}
	if len(rs.Cmd) > 0 {
		caps.Executable = ResolveExecutable(rs.Cmd[0], rs.WorkDir, EnvPath(rs.Env))
	}
	for _, m := range rs.BindMounts {
		caps.Read = append(caps.Read, m.Source)
		if !m.ReadOnly {
			caps.Write = append(caps.Write, m.Source)
		}
	}
	if rs.EnableNetwork {
		caps.Connect = append(caps.Connect, "*")
	}
	return caps
}

// Authorize checks every capability in order and stops at the first denial.
func (g *Guard) Authorize(ctx context.Context, caps Capabilities) error {
	if caps.Executable != "" {
		if err := g.Check(ctx, OpExecute, caps.Executable); err != nil {
			return err
		}
	}
	for _, p := range caps.Read {
		if err := g.Check(ctx, OpRead, p); err != nil {
			return err
		}
	}
	for _, p := range caps.Write {
		if err := g.Check(ctx, OpWrite, p); err != nil {
			return err
		}
	}
	for _, target := range caps.Connect {
		if err := g.Check(ctx, OpConnect, target); err != nil {
			return err
		}
	}
	return nil
}

// Close ends the guard's scope. It is idempotent.
func (g *Guard) Close() {
	g.closed.Store(true)
}

// Closed reports whether Close was called.
func (g *Guard) Closed() bool {
	return g.closed.Load()
}

// ResolveExecutable turns argv[0] into the absolute path that will be executed.
// Names containing a slash are resolved against workDir; bare names are looked
// up in pathList. An unresolvable name is returned unchanged.
func ResolveExecutable(name, workDir, pathList string) string {
	if name == "" {
		return ""
	}
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	if strings.Contains(name, "/") {
		return filepath.Join(workDir, name)
	}
	for _, dir := range filepath.SplitList(pathList) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate
		}
	}
	return name
}

// DefaultPath is the PATH used when the run environment does not set one.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// EnvPath returns the PATH a run executes under. The last PATH entry wins,
// as it does for os/exec; an absent or empty one means DefaultPath.
func EnvPath(env []string) string {
	for i := len(env) - 1; i >= 0; i-- {
		if v, ok := strings.CutPrefix(env[i], "PATH="); ok {
			if v == "" {
				break
			}
			return v
		}
	}
	return DefaultPath
}

// WithPath returns a copy of env carrying exactly one PATH entry, set to
// EnvPath(env).
func WithPath(env []string) []string {
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if !strings.HasPrefix(kv, "PATH=") {
			out = append(out, kv)
		}
	}
	return append(out, "PATH="+EnvPath(env))
}
