// Package router maps parsed emails to webhook targets through an ordered
// rule list with a catch-all default URL.
package router

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mailhook/mailhook/internal/parser"
)

// Target is one webhook delivery destination chosen for an email.
type Target struct {
	URL      string
	RuleName string
	Priority int
}

// Router evaluates rules against parsed emails.
type Router struct {
	rules         []Rule
	defaultURL    string
	allowInsecure bool
	log           *slog.Logger
}

// New builds a router over already-prepared rules. Rules and the default URL
// whose scheme is plain http are dropped unless allowInsecure is set.
func New(rules []Rule, defaultURL string, allowInsecure bool, log *slog.Logger) *Router {
	r := &Router{
		allowInsecure: allowInsecure,
		log:           log,
	}

	for _, rule := range rules {
		if !r.urlAllowed(rule.Webhook) {
			log.Warn("dropping webhook rule with insecure http URL",
				slog.String("rule", rule.Name),
				slog.String("webhook", rule.Webhook))
			continue
		}
		r.rules = append(r.rules, rule)
	}

	if defaultURL != "" {
		if r.urlAllowed(defaultURL) {
			r.defaultURL = defaultURL
		} else {
			log.Warn("dropping insecure http default webhook URL",
				slog.String("webhook", defaultURL))
		}
	}

	return r
}

// urlAllowed rejects plain-http URLs unless explicitly allowed.
func (r *Router) urlAllowed(url string) bool {
	if strings.HasPrefix(url, "http://") {
		return r.allowInsecure
	}
	return url != ""
}

// Route walks the rules in priority order and collects matching targets.
// A matching rule with stopProcessing halts the walk. When nothing matches,
// the default URL (if configured) is the sole target.
func (r *Router) Route(email *parser.ParsedEmail) []Target {
	var targets []Target
	for i := range r.rules {
		rule := &r.rules[i]
		if !r.ruleMatches(rule, email) {
			continue
		}
		targets = append(targets, Target{
			URL:      rule.Webhook,
			RuleName: rule.Name,
			Priority: rule.Priority,
		})
		if rule.StopProcessing {
			break
		}
	}

	if len(targets) == 0 && r.defaultURL != "" {
		targets = append(targets, Target{
			URL:      r.defaultURL,
			RuleName: "default",
			Priority: DefaultTargetPriority,
		})
	}

	return targets
}

// ruleMatches ANDs all conditions. A rule without conditions matches
// everything.
func (r *Router) ruleMatches(rule *Rule, email *parser.ParsedEmail) bool {
	for _, c := range rule.compiled {
		if !r.conditionMatches(c, email) {
			return false
		}
	}
	return true
}

// conditionMatches resolves the condition field to candidate strings and
// applies the matcher. List-valued fields match if any element matches.
func (r *Router) conditionMatches(c condition, email *parser.ParsedEmail) bool {
	var candidates []string
	switch c.field {
	case "from":
		candidates = addressCandidates(email.From)
	case "to":
		candidates = addressCandidates(email.To)
	case "cc":
		candidates = addressCandidates(email.Cc)
	case "subject":
		candidates = []string{email.Subject}
	case "hasAttachments":
		candidates = []string{strconv.FormatBool(email.HasAttachments())}
	case "header":
		value := email.Header(c.headerName)
		if value == "" {
			return false
		}
		candidates = []string{value}
	default:
		candidates = lookupPath(email, c.field)
	}

	for _, candidate := range candidates {
		if c.matcher.matches(candidate) {
			return true
		}
	}
	return false
}

// addressCandidates flattens an address list to matchable strings: every
// parsed address, or the raw header text when parsing yielded none.
func addressCandidates(list *parser.AddressList) []string {
	if list == nil {
		return nil
	}
	if len(list.Value) == 0 {
		if list.Text == "" {
			return nil
		}
		return []string{list.Text}
	}
	candidates := make([]string, 0, len(list.Value))
	for _, addr := range list.Value {
		candidates = append(candidates, addr.Address)
	}
	return candidates
}

// lookupPath resolves an unknown condition field as a dot path over the
// email's JSON representation. Missing paths yield no candidates.
func lookupPath(email *parser.ParsedEmail, path string) []string {
	encoded, err := json.Marshal(email)
	if err != nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil
	}

	current := doc
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = obj[segment]
		if !ok {
			return nil
		}
	}

	return flatten(current)
}

// flatten renders a resolved JSON value as candidate strings. Arrays
// contribute one candidate per element.
func flatten(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case bool:
		return []string{strconv.FormatBool(v)}
	case float64:
		return []string{strconv.FormatFloat(v, 'f', -1, 64)}
	case []any:
		var out []string
		for _, item := range v {
			out = append(out, flatten(item)...)
		}
		return out
	case nil:
		return nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return []string{string(encoded)}
	}
}
