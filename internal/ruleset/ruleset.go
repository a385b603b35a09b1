// Package ruleset classifies action intents against an ordered set of routing rules.
//
// Rules are published as immutable, versioned snapshots. A classification runs
// entirely against the snapshot that was current when it started, so edits never
// change a decision that has already been returned.
package ruleset

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"routeline/internal/domain"
)

// DefaultDecision applies when no enabled rule matches.
const DefaultDecision = domain.RouteMonitoredExecute

var errNotNumeric = errors.New("not numeric")

// Input carries the intent plus the context-derived values conditions read.
type Input struct {
	Intent   domain.ActionIntent
	Now      time.Time
	Location *time.Location
	// RecentCount is the number of similar recent actions, supplied by the caller.
	RecentCount int
}

type Classification struct {
	Decision         domain.RoutingDecision        `json:"decision"`
	NotifyOwners     bool                          `json:"notify_owners"`
	RuleID           string                        `json:"rule_id,omitempty"`
	RuleName         string                        `json:"rule_name,omitempty"`
	SnapshotVersion  uint64                        `json:"snapshot_version"`
	EvaluationErrors []*domain.RuleEvaluationError `json:"-"`
}

type compiledCondition struct {
	domain.RuleCondition
	re    *regexp.Regexp
	reErr error
}

type compiledRule struct {
	domain.RoutingRule
	conds []compiledCondition
}

// Snapshot is an immutable, ordered rule set.
type Snapshot struct {
	Version uint64
	rules   []compiledRule
}

// Rules returns the rules in evaluation order.
func (s *Snapshot) Rules() []domain.RoutingRule {
	out := make([]domain.RoutingRule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.RoutingRule
	}
	return out
}

type Engine struct {
	snap atomic.Pointer[Snapshot]
	mu   sync.Mutex
}

func New() *Engine {
	e := &Engine{}
	e.snap.Store(&Snapshot{})
	return e
}

// Snapshot returns the currently published rule set.
func (e *Engine) Snapshot() *Snapshot {
	return e.snap.Load()
}

// Publish compiles rules into a new snapshot and makes it current.
func (e *Engine) Publish(rules []domain.RoutingRule) *Snapshot {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		r.Conditions = append([]domain.RuleCondition(nil), r.Conditions...)
		cr := compiledRule{RoutingRule: r}
		for _, c := range r.Conditions {
			cc := compiledCondition{RuleCondition: c}
			if c.Operator == domain.OpMatches {
				cc.re, cc.reErr = regexp.Compile(c.Value)
			}
			cr.conds = append(cr.conds, cc)
		}
		compiled = append(compiled, cr)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return Less(compiled[i].RoutingRule, compiled[j].RoutingRule)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	snap := &Snapshot{Version: e.snap.Load().Version + 1, rules: compiled}
	e.snap.Store(snap)
	return snap
}

// Classify evaluates in against the current snapshot.
func (e *Engine) Classify(in Input) Classification {
	return e.snap.Load().Classify(in)
}

// Less orders rules by priority, then identifier.
func Less(a, b domain.RoutingRule) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}

// Classify returns the decision of the first fully matching enabled rule for the
// intent's action type, or the fail-open default when none matches. Conditions that
// cannot be evaluated make their rule not match and are reported in EvaluationErrors.
func (s *Snapshot) Classify(in Input) Classification {
	res := Classification{Decision: DefaultDecision, SnapshotVersion: s.Version}
	for _, r := range s.rules {
		if !r.Enabled || r.ActionType != in.Intent.Type {
			continue
		}
		matched, evalErr := r.match(in)
		if evalErr != nil {
			res.EvaluationErrors = append(res.EvaluationErrors, evalErr)
		}
		if !matched {
			continue
		}
		res.Decision = r.Routing
		res.NotifyOwners = r.NotifyOwners
		res.RuleID = r.ID
		res.RuleName = r.Name
		return res
	}
	return res
}

func (r compiledRule) match(in Input) (bool, *domain.RuleEvaluationError) {
	for _, c := range r.conds {
		ok, err := c.eval(in)
		if err != nil {
			return false, &domain.RuleEvaluationError{RuleID: r.ID, Field: c.Field, Operator: c.Operator, Err: err}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c compiledCondition) eval(in Input) (bool, error) {
	actual, err := deriveField(c.Field, in)
	if err != nil {
		return false, err
	}
	switch c.Operator {
	case domain.OpEquals:
		return actual == c.Value, nil
	case domain.OpContains:
		return strings.Contains(actual, c.Value), nil
	case domain.OpMatches:
		if c.reErr != nil {
			return false, fmt.Errorf("bad pattern %q: %w", c.Value, c.reErr)
		}
		if c.re == nil {
			return false, fmt.Errorf("pattern %q not compiled", c.Value)
		}
		return c.re.MatchString(actual), nil
	case domain.OpGreaterThan, domain.OpLessThan:
		lhs, err := toNumber(c.Field, actual)
		if err != nil {
			return false, fmt.Errorf("field value %q: %w", actual, err)
		}
		rhs, err := toNumber(c.Field, c.Value)
		if err != nil {
			return false, fmt.Errorf("rule value %q: %w", c.Value, err)
		}
		if c.Operator == domain.OpGreaterThan {
			return lhs > rhs, nil
		}
		return lhs < rhs, nil
	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

func deriveField(field domain.ConditionField, in Input) (string, error) {
	switch field {
	case domain.FieldTarget:
		return in.Intent.Target, nil
	case domain.FieldAgent:
		return in.Intent.AgentID, nil
	case domain.FieldTime:
		loc := in.Location
		if loc == nil {
			loc = time.UTC
		}
		return in.Now.In(loc).Format("15:04"), nil
	case domain.FieldFrequency:
		return strconv.Itoa(in.RecentCount), nil
	default:
		return "", fmt.Errorf("unknown field %q", field)
	}
}

// toNumber parses a comparison operand. Clock values such as "18:30" compare as 1830.
func toNumber(field domain.ConditionField, s string) (float64, error) {
	s = strings.TrimSpace(s)
	if field == domain.FieldTime && strings.Contains(s, ":") {
		t, err := time.Parse("15:04", s)
		if err != nil {
			return 0, errNotNumeric
		}
		return float64(t.Hour()*100 + t.Minute()), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errNotNumeric
	}
	return v, nil
}

// Validate checks a rule definition. Values are not checked: a non-numeric operand or a
// bad pattern is accepted and evaluates as not matched.
func Validate(r domain.RoutingRule) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", domain.ErrInvalidRule)
	}
	if !r.ActionType.Valid() {
		return fmt.Errorf("%w: unknown action type %q", domain.ErrInvalidRule, r.ActionType)
	}
	if !r.Routing.Valid() {
		return fmt.Errorf("%w: unknown routing decision %q", domain.ErrInvalidRule, r.Routing)
	}
	for i, c := range r.Conditions {
		if !c.Field.Valid() {
			return fmt.Errorf("%w: condition %d: unknown field %q", domain.ErrInvalidRule, i, c.Field)
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("%w: condition %d: unknown operator %q", domain.ErrInvalidRule, i, c.Operator)
		}
	}
	return nil
}
