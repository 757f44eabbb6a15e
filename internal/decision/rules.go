package decision

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/agenticos/agentos-go/internal/status"
)

// DefaultRules renders the rule block shared by the prompt and the rule
// source.
func DefaultRules(loadAbove, daysBelow int) string {
	return fmt.Sprintf(`- If 'load' > %d, output 'ACTION:BUY | REASON: High load scaling'.
- If 'subscriptionDaysRemaining' < %d, output 'ACTION:BUY | REASON: Subscription renewal'.
- Otherwise, output 'ACTION:WAIT'.`, loadAbove, daysBelow)
}

// Metric names and the snapshot field each reads.
var metrics = map[string]func(status.Snapshot) int{
	"LOAD":                      func(s status.Snapshot) int { return s.Load },
	"SUBSCRIPTIONDAYSREMAINING": func(s status.Snapshot) int { return s.SubscriptionDaysRemaining },
	"SUB_DAYS":                  func(s status.Snapshot) int { return s.SubscriptionDaysRemaining },
	"DAYS":                      func(s status.Snapshot) int { return s.SubscriptionDaysRemaining },
}

// rulePattern matches one rule line such as
// "If 'load' > 85, output 'ACTION:BUY | REASON: High load scaling'".
// Group 1: metric, 2: operator, 3: threshold, 4: reason.
var rulePattern = regexp.MustCompile(
	`(?i)'?\b(load|subscriptionDaysRemaining|sub_days|days)\b'?\s*(<=|>=|==|<|>)\s*(-?\d+)\b.*?ACTION:BUY(?:\s*\|\s*REASON:\s*([^'\n]+))?`,
)

// Condition is one parsed BUY rule.
type Condition struct {
	Metric    string
	Operator  string
	Threshold int
	Reason    string
}

// ParseRules extracts every BUY condition from a rule block, in order.
// Lines that do not parse are ignored.
func ParseRules(text string) []Condition {
	var out []Condition
	for _, line := range strings.Split(text, "\n") {
		m := rulePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[3])
		if err != nil {
			continue
		}
		out = append(out, Condition{
			Metric:    strings.ToUpper(m[1]),
			Operator:  m[2],
			Threshold: n,
			Reason:    strings.TrimSpace(strings.TrimRight(m[4], ".' ")),
		})
	}
	return out
}

// Matches reports whether snap satisfies c.
func (c Condition) Matches(snap status.Snapshot) bool {
	get, ok := metrics[c.Metric]
	if !ok {
		return false
	}
	return compare(get(snap), c.Operator, c.Threshold)
}

func compare(lhs int, op string, rhs int) bool {
	switch op {
	case "<":
		return lhs < rhs
	case ">":
		return lhs > rhs
	case "<=":
		return lhs <= rhs
	case ">=":
		return lhs >= rhs
	case "==":
		return lhs == rhs
	default:
		return false
	}
}

// RuleSource evaluates the rule block directly, without a reasoning engine.
// It is used when no LLM key is configured.
type RuleSource struct {
	conditions    []Condition
	defaultReason string
}

// NewRuleSource parses rules. It fails when no condition parses, since such
// a source would never buy.
func NewRuleSource(rules, defaultReason string) (*RuleSource, error) {
	conds := ParseRules(rules)
	if len(conds) == 0 {
		return nil, fmt.Errorf("decision: no parseable BUY rule in %q", rules)
	}
	return &RuleSource{conditions: conds, defaultReason: defaultReason}, nil
}

// Decide returns BUY for the first matching condition. The verdict goes
// through the same marker text as an engine reply.
func (r *RuleSource) Decide(_ context.Context, snap status.Snapshot) (Decision, error) {
	for _, c := range r.conditions {
		if !c.Matches(snap) {
			continue
		}
		text := markerBuy
		if c.Reason != "" {
			text += " | " + markerReason + " " + c.Reason
		}
		return Parse(text, r.defaultReason), nil
	}
	return Parse(textWait, r.defaultReason), nil
}
