// Package security implements the capability policy applied to untrusted runs
// and derives the kernel-level isolation settings from it.
package security

import (
	"path/filepath"
	"strings"

	appErr "codesandbox/pkg/errors"
)

// Operation is a sensitive action attempted on behalf of untrusted code.
type Operation string

const (
	OpExecute Operation = "execute"
	OpRead    Operation = "read"
	OpWrite   Operation = "write"
	OpDelete  Operation = "delete"
	OpConnect Operation = "connect"
)

var operations = []Operation{OpExecute, OpRead, OpWrite, OpDelete, OpConnect}

// Effect is the outcome of a rule.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Matcher reports whether a rule applies to a subject (a path or a host:port).
type Matcher interface {
	Match(subject string) bool
}

// MatchFunc adapts a function to Matcher.
type MatchFunc func(subject string) bool

func (f MatchFunc) Match(subject string) bool { return f(subject) }

// Any matches every subject.
func Any() Matcher {
	return MatchFunc(func(string) bool { return true })
}

// Exact matches subjects equal to one of values after path cleaning.
func Exact(values ...string) Matcher {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[cleanSubject(v)] = struct{}{}
	}
	return MatchFunc(func(subject string) bool {
		_, ok := set[cleanSubject(subject)]
		return ok
	})
}

// PathPrefix matches absolute paths equal to or below one of prefixes.
// Relative subjects never match.
func PathPrefix(prefixes ...string) Matcher {
	cleaned := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		cleaned = append(cleaned, filepath.Clean(p))
	}
	return MatchFunc(func(subject string) bool {
		if !filepath.IsAbs(subject) {
			return false
		}
		subject = filepath.Clean(subject)
		for _, prefix := range cleaned {
			if subject == prefix || prefix == "/" || strings.HasPrefix(subject, prefix+"/") {
				return true
			}
		}
		return false
	})
}

func cleanSubject(s string) string {
	if filepath.IsAbs(s) {
		return filepath.Clean(s)
	}
	return s
}

// Rule is one link of the predicate chain.
type Rule struct {
	Name    string
	Op      Operation
	Matcher Matcher
	Effect  Effect
}

// Decision is the result of evaluating the chain for one check.
type Decision struct {
	Effect Effect
	// Rule names the matching rule, or "default" when none matched.
	Rule string
}

// Allowed reports whether the decision permits the operation.
func (d Decision) Allowed() bool {
	return d.Effect == Allow
}

// Policy is an ordered rule chain plus a default effect per operation.
// It is immutable once built and safe for concurrent use.
type Policy struct {
	rules    []Rule
	defaults map[Operation]Effect
}

// NewPolicy builds a policy. Operations missing from defaults fall back to Deny.
func NewPolicy(rules []Rule, defaults map[Operation]Effect) (*Policy, error) {
	p := &Policy{
		rules:    make([]Rule, 0, len(rules)),
		defaults: make(map[Operation]Effect, len(operations)),
	}
	for _, op := range operations {
		p.defaults[op] = Deny
	}
	for op, eff := range defaults {
		if !validOp(op) {
			return nil, appErr.Newf(appErr.PolicyInvalid, "unknown operation %q", op)
		}
		if eff != Allow && eff != Deny {
			return nil, appErr.Newf(appErr.PolicyInvalid, "unknown effect %q", eff)
		}
		p.defaults[op] = eff
	}
	for i, r := range rules {
		if !validOp(r.Op) {
			return nil, appErr.Newf(appErr.PolicyInvalid, "rule %d: unknown operation %q", i, r.Op)
		}
		if r.Effect != Allow && r.Effect != Deny {
			return nil, appErr.Newf(appErr.PolicyInvalid, "rule %d: unknown effect %q", i, r.Effect)
		}
		if r.Matcher == nil {
			return nil, appErr.Newf(appErr.PolicyInvalid, "rule %d: matcher is required", i)
		}
		p.rules = append(p.rules, r)
	}
	return p, nil
}

func validOp(op Operation) bool {
	for _, known := range operations {
		if op == known {
			return true
		}
	}
	return false
}

// Evaluate walks the chain in order; the first rule matching op and subject wins.
func (p *Policy) Evaluate(op Operation, subject string) Decision {
	for _, r := range p.rules {
		if r.Op == op && r.Matcher.Match(subject) {
			return Decision{Effect: r.Effect, Rule: r.Name}
		}
	}
	eff, ok := p.defaults[op]
	if !ok {
		eff = Deny
	}
	return Decision{Effect: eff, Rule: "default"}
}

// DefaultEffect returns the fallback effect for op.
func (p *Policy) DefaultEffect(op Operation) Effect {
	if eff, ok := p.defaults[op]; ok {
		return eff
	}
	return Deny
}

// DeniesAll reports whether op can never be allowed by this policy.
func (p *Policy) DeniesAll(op Operation) bool {
	if p.DefaultEffect(op) == Allow {
		return false
	}
	for _, r := range p.rules {
		if r.Op == op && r.Effect == Allow {
			return false
		}
	}
	return true
}

// ToolchainPaths is the allow-list of locations compilers, interpreters and
// the dynamic loader need at run time.
var ToolchainPaths = []string{
	"/usr/bin",
	"/usr/local/bin",
	"/bin",
	"/usr/lib",
	"/usr/libexec",
	"/usr/local/lib",
	"/lib",
	"/lib64",
	"/usr/lib64",
	"/usr/include",
	"/usr/share",
	"/etc/alternatives",
	"/etc/ld.so.cache",
	"/usr/lib/jvm",
}

// DefaultPolicy denies execution outside the toolchain and the workspace root,
// denies all network connections, and confines writes and deletes to the
// workspace root. Reads are allowed.
func DefaultPolicy(workspaceRoot string) *Policy {
	p, _ := NewPolicy([]Rule{
		{Name: "workspace-exec", Op: OpExecute, Matcher: PathPrefix(workspaceRoot), Effect: Allow},
		{Name: "toolchain-exec", Op: OpExecute, Matcher: PathPrefix(ToolchainPaths...), Effect: Allow},
		{Name: "workspace-write", Op: OpWrite, Matcher: PathPrefix(workspaceRoot), Effect: Allow},
		{Name: "workspace-delete", Op: OpDelete, Matcher: PathPrefix(workspaceRoot), Effect: Allow},
	}, map[Operation]Effect{
		OpExecute: Deny,
		OpRead:    Allow,
		OpWrite:   Deny,
		OpDelete:  Deny,
		OpConnect: Deny,
	})
	return p
}

// DenyAll denies every operation.
func DenyAll() *Policy {
	p, _ := NewPolicy(nil, nil)
	return p
}

// AllowAll permits every operation. Only for trusted local debugging.
func AllowAll() *Policy {
	defaults := make(map[Operation]Effect, len(operations))
	for _, op := range operations {
		defaults[op] = Allow
	}
	p, _ := NewPolicy(nil, defaults)
	return p
}
