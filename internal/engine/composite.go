package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fraudwatch/scoring-engine/internal/database"
)

// CompositeSpec combines named sub-rules through a boolean expression, or
// falls back to an implicit threshold-AND-pattern pair when no expression
// is configured. Parse problems are deferred: the spec always compiles and
// reports the fault as its evaluation reason, so one bad composite can
// never take down the worker.
type CompositeSpec struct {
	expression string
	tree       exprNode
	subs       map[string]Spec
	fallback   *fallbackSpec
	parseErr   error
}

type fallbackSpec struct {
	threshold *ThresholdSpec
	pattern   *PatternSpec
}

func parseComposite(params string) *CompositeSpec {
	expression := strParam(params, "expression", "")
	rules := gjson.Get(params, "rules")

	if expression == "" || !rules.Exists() || len(rules.Map()) == 0 {
		thresholdParams := gjson.Get(params, "threshold").Raw
		if thresholdParams == "" {
			thresholdParams = "{}"
		}
		patternParams := gjson.Get(params, "pattern").Raw
		if patternParams == "" {
			patternParams = "{}"
		}
		return &CompositeSpec{
			fallback: &fallbackSpec{
				threshold: parseThreshold(thresholdParams),
				pattern:   parsePattern(patternParams),
			},
		}
	}

	spec := &CompositeSpec{
		expression: expression,
		subs:       make(map[string]Spec),
	}

	rules.ForEach(func(key, value gjson.Result) bool {
		subType := value.Get("type").String()
		if subType == "" {
			subType = database.RuleTypeThreshold
		}
		subParams := value.Get("params").Raw
		if subParams == "" {
			subParams = "{}"
		}

		sub, err := ParseSpec(subType, subParams)
		if err != nil {
			spec.parseErr = fmt.Errorf("sub-rule %q: %w", key.String(), err)
			return false
		}
		spec.subs[key.String()] = sub
		return true
	})
	if spec.parseErr != nil {
		return spec
	}

	tree, err := parseExpression(expression)
	if err != nil {
		spec.parseErr = err
		return spec
	}
	spec.tree = tree

	// Every identifier must name a configured sub-rule.
	names := make(map[string]struct{})
	tree.idents(names)
	var missing []string
	for name := range names {
		if _, ok := spec.subs[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		spec.parseErr = fmt.Errorf("rule %q not found", missing[0])
	}

	return spec
}

func (s *CompositeSpec) Evaluate(tx *database.Transaction, history []*database.Transaction, now time.Time) (bool, string) {
	if s.fallback != nil {
		thresholdFired, thresholdReason := s.fallback.threshold.Evaluate(tx, history, now)
		patternFired, patternReason := s.fallback.pattern.Evaluate(tx, history, now)
		if thresholdFired && patternFired {
			return true, "Composite Alert: " + thresholdReason + " + " + patternReason
		}
		return false, ""
	}

	if s.parseErr != nil {
		return false, "Composite rule error: " + s.parseErr.Error()
	}

	fired, reason, err := s.tree.eval(func(name string) (bool, string, error) {
		sub, ok := s.subs[name]
		if !ok {
			return false, "", fmt.Errorf("rule %q not found", name)
		}
		subFired, subReason := sub.Evaluate(tx, history, now)
		return subFired, subReason, nil
	})
	if err != nil {
		return false, "Composite rule error: " + err.Error()
	}

	return fired, reason
}

// ParseErr exposes a deferred parse fault for observability; evaluation
// already reports it through the reason string.
func (s *CompositeSpec) ParseErr() error {
	return s.parseErr
}
