package lower

import (
	"fmt"
	"strings"

	"github.com/wippyai/i64shim/errors"
	"github.com/wippyai/i64shim/scan"
)

type ruleKind uint8

const (
	ruleAll       ruleKind = iota // "*"
	ruleModule                    // "env.*"
	ruleQualified                 // "env.add64"
	ruleName                      // "add64"
	ruleWIT                       // "wasi:clocks/monotonic-clock@0.2.0#now"
	ruleWITAnyVer                 // "wasi:clocks/monotonic-clock#now"
	ruleWITPrefix                 // "wasi:clocks/*"
)

// Rule is one import selection pattern.
//
// Plain patterns address core module imports: "*", "module.*",
// "module.name" or a bare "name" that matches in any module. Patterns
// containing ':' or '#' address imports whose module is a WIT interface,
// as emitted by component toolchains: "ns:pkg/iface@ver#name", the same
// without "@ver" to accept any version, or a prefix ending in '*'.
type Rule struct {
	Pattern string
	kind    ruleKind
	key     string
}

// ParseRule parses a single pattern.
func ParseRule(pattern string) (Rule, error) {
	p := strings.TrimSpace(pattern)
	r := Rule{Pattern: p, key: p}

	switch {
	case p == "":
		return r, fmt.Errorf("empty pattern")
	case p == "*":
		r.kind = ruleAll
	case strings.ContainsAny(p, ":#"):
		switch {
		case strings.HasSuffix(p, "*"):
			r.kind, r.key = ruleWITPrefix, strings.TrimSuffix(p, "*")
		default:
			iface, name, ok := strings.Cut(p, "#")
			if !ok || iface == "" || name == "" {
				return r, fmt.Errorf("WIT pattern %q must be interface#name", p)
			}
			r.kind = ruleWIT
			if !strings.Contains(iface, "@") {
				r.kind = ruleWITAnyVer
			}
		}
	case strings.HasSuffix(p, ".*"):
		r.kind, r.key = ruleModule, strings.TrimSuffix(p, ".*")
		if r.key == "" {
			return r, fmt.Errorf("pattern %q has an empty module", p)
		}
	case strings.Contains(p, "*"):
		return r, fmt.Errorf("pattern %q: '*' is only allowed as \"*\" or \"module.*\"", p)
	case strings.HasPrefix(p, ".") || strings.HasSuffix(p, "."):
		return r, fmt.Errorf("pattern %q has an empty module or name", p)
	case strings.Contains(p, "."):
		r.kind = ruleQualified
	default:
		r.kind = ruleName
	}
	return r, nil
}

// Match reports whether the rule selects imp.
func (r Rule) Match(imp scan.Import) bool {
	switch r.kind {
	case ruleAll:
		return true
	case ruleModule:
		return imp.Module == r.key
	case ruleQualified:
		// module names may contain dots themselves
		return imp.Module+"."+imp.Name == r.key
	case ruleName:
		return imp.Name == r.key
	case ruleWIT:
		return imp.Module+"#"+imp.Name == r.key
	case ruleWITAnyVer:
		module, _, _ := strings.Cut(imp.Module, "@")
		return module+"#"+imp.Name == r.key
	case ruleWITPrefix:
		return strings.HasPrefix(imp.Module+"#"+imp.Name, r.key)
	}
	return false
}

func (r Rule) String() string {
	return r.Pattern
}

// Rules is an ordered list of patterns. The first matching rule wins.
type Rules []Rule

// ParseRules parses command line patterns, skipping blank ones. Errors name
// the offending entry of field, for example "only[2]".
func ParseRules(field string, patterns []string) (Rules, error) {
	var rules Rules
	for i, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		r, err := ParseRule(p)
		if err != nil {
			return nil, errors.New(errors.PhaseGenerate, errors.KindInvalidInput).
				Path(errors.Entry(field, i)).
				Detail("%v", err).
				Value(p).
				Build()
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Match returns the first rule selecting imp.
func (rs Rules) Match(imp scan.Import) (Rule, bool) {
	for _, r := range rs {
		if r.Match(imp) {
			return r, true
		}
	}
	return Rule{}, false
}
