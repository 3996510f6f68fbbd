package router

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// DefaultRulePriority is used when a rule omits priority.
const DefaultRulePriority = 999

// DefaultTargetPriority is the priority stamped on the synthesized
// default-URL target. It deliberately differs from DefaultRulePriority;
// consumers key alerting off it.
const DefaultTargetPriority = 9999

// Rule routes matching emails to one webhook.
type Rule struct {
	Name           string         `json:"name"`
	Conditions     map[string]any `json:"conditions"`
	Webhook        string         `json:"webhook"`
	Priority       int            `json:"priority"`
	StopProcessing bool           `json:"stopProcessing"`

	compiled []condition
}

// condition is one (field, matcher) pair with the matcher precompiled.
type condition struct {
	field      string
	headerName string // set when field == "header"
	matcher    matcher
}

// matcherKind discriminates the compiled matcher variants.
type matcherKind int

const (
	matchExact matcherKind = iota
	matchWildcard
	matchRegex
	matchInvalid // regex literal that failed to compile; never matches
)

type matcher struct {
	kind    matcherKind
	exact   string
	pattern *regexp.Regexp
}

func (m matcher) matches(value string) bool {
	switch m.kind {
	case matchExact:
		return strings.EqualFold(value, m.exact)
	case matchWildcard, matchRegex:
		return m.pattern.MatchString(value)
	default:
		return false
	}
}

// regexLiteral recognizes /pattern/flags condition values. A bare "/" is
// not a literal and falls through to exact matching.
var regexLiteral = regexp.MustCompile(`^/(.+)/([a-z]*)$`)

// compileMatcher turns a condition value into its matcher variant.
func compileMatcher(value string) matcher {
	if m := regexLiteral.FindStringSubmatch(value); m != nil {
		pattern, flags := m[1], m[2]
		var prefix string
		for _, f := range flags {
			switch f {
			case 'i':
				prefix += "i"
			case 's':
				prefix += "s"
			case 'm':
				prefix += "m"
			}
		}
		if prefix != "" {
			pattern = "(?" + prefix + ")" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return matcher{kind: matchInvalid}
		}
		return matcher{kind: matchRegex, pattern: re}
	}

	if strings.Contains(value, "*") {
		escaped := regexp.QuoteMeta(value)
		escaped = strings.ReplaceAll(escaped, `\*`, ".*")
		re, err := regexp.Compile("(?i)^" + escaped + "$")
		if err != nil {
			return matcher{kind: matchInvalid}
		}
		return matcher{kind: matchWildcard, pattern: re}
	}

	return matcher{kind: matchExact, exact: value}
}

// compile precompiles all conditions of a rule.
func (r *Rule) compile() {
	r.compiled = r.compiled[:0]
	for field, raw := range r.Conditions {
		c := condition{field: field}

		if field == "header" {
			spec, ok := raw.(map[string]any)
			if !ok {
				c.matcher = matcher{kind: matchInvalid}
				r.compiled = append(r.compiled, c)
				continue
			}
			name, _ := spec["name"].(string)
			value, _ := spec["value"].(string)
			c.headerName = name
			c.matcher = compileMatcher(value)
			r.compiled = append(r.compiled, c)
			continue
		}

		value, ok := raw.(string)
		if !ok {
			// Non-string condition values (numbers, booleans) match their
			// JSON text form.
			encoded, err := json.Marshal(raw)
			if err != nil {
				c.matcher = matcher{kind: matchInvalid}
				r.compiled = append(r.compiled, c)
				continue
			}
			value = string(encoded)
		}
		c.matcher = compileMatcher(value)
		r.compiled = append(r.compiled, c)
	}
}

// ParseRules decodes WEBHOOK_RULES. Both a bare JSON array and an object
// with a "rules" array are accepted. Malformed input yields zero rules, not
// an error: the router still falls back to the default URL.
func ParseRules(raw string) []Rule {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var rules []Rule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		var wrapper struct {
			Rules []Rule `json:"rules"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
			return nil
		}
		rules = wrapper.Rules
	}

	return PrepareRules(rules)
}

// PrepareRules applies priority defaults, compiles matchers and sorts by
// ascending priority. The sort is stable so equal priorities keep their
// configured order.
func PrepareRules(rules []Rule) []Rule {
	for i := range rules {
		if rules[i].Priority == 0 {
			rules[i].Priority = DefaultRulePriority
		}
		rules[i].compile()
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
	return rules
}
