package security

import (
	"strings"

	appErr "codesandbox/pkg/errors"
)

// RuleConfig is the YAML form of a Rule.
type RuleConfig struct {
	Name   string   `yaml:"name"`
	Op     string   `yaml:"op"`
	Match  string   `yaml:"match"` // prefix, exact, any
	Values []string `yaml:"values"`
	Effect string   `yaml:"effect"`
}

// Config is the YAML form of a Policy.
type Config struct {
	// Preset selects the base policy: default, deny-all or allow-all.
	Preset   string            `yaml:"preset"`
	Rules    []RuleConfig      `yaml:"rules"`
	Defaults map[string]string `yaml:"defaults"`
}

// FromConfig builds a policy. Configured rules are evaluated before the preset's
// rules, and configured defaults override the preset's defaults.
func FromConfig(cfg Config, workspaceRoot string) (*Policy, error) {
	var base *Policy
	switch strings.ToLower(cfg.Preset) {
	case "", "default":
		base = DefaultPolicy(workspaceRoot)
	case "deny-all":
		base = DenyAll()
	case "allow-all":
		base = AllowAll()
	default:
		return nil, appErr.Newf(appErr.PolicyInvalid, "unknown policy preset %q", cfg.Preset)
	}

	rules := make([]Rule, 0, len(cfg.Rules)+len(base.rules))
	for i, rc := range cfg.Rules {
		m, err := matcherFromConfig(rc)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.PolicyInvalid, "rule %d: %s", i, err.Error())
		}
		name := rc.Name
		if name == "" {
			name = "config-" + rc.Op
		}
		rules = append(rules, Rule{
			Name:    name,
			Op:      Operation(strings.ToLower(rc.Op)),
			Matcher: m,
			Effect:  Effect(strings.ToLower(rc.Effect)),
		})
	}
	rules = append(rules, base.rules...)

	defaults := make(map[Operation]Effect, len(base.defaults))
	for op, eff := range base.defaults {
		defaults[op] = eff
	}
	for op, eff := range cfg.Defaults {
		defaults[Operation(strings.ToLower(op))] = Effect(strings.ToLower(eff))
	}
	return NewPolicy(rules, defaults)
}

func matcherFromConfig(rc RuleConfig) (Matcher, error) {
	switch strings.ToLower(rc.Match) {
	case "any", "*":
		return Any(), nil
	case "prefix", "":
		if len(rc.Values) == 0 {
			return nil, appErr.ValidationError("values", "required for prefix match")
		}
		return PathPrefix(rc.Values...), nil
	case "exact":
		if len(rc.Values) == 0 {
			return nil, appErr.ValidationError("values", "required for exact match")
		}
		return Exact(rc.Values...), nil
	default:
		return nil, appErr.Newf(appErr.PolicyInvalid, "unknown match kind %q", rc.Match)
	}
}
