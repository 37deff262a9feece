package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fraudwatch/scoring-engine/internal/database"
)

// Spec is a rule's parameter payload parsed into an executable form. Specs
// are compiled once per rule load and evaluated against each transaction
// together with the sender's history snapshot.
type Spec interface {
	Evaluate(tx *database.Transaction, history []*database.Transaction, now time.Time) (fired bool, reason string)
}

// ParseSpec compiles the params JSON of a rule into its tagged variant.
// Missing keys fall back to the documented defaults; malformed JSON is a
// compile error surfaced to the caller.
func ParseSpec(ruleType, params string) (Spec, error) {
	params = strings.TrimSpace(params)
	if params == "" {
		params = "{}"
	}
	if !gjson.Valid(params) {
		return nil, fmt.Errorf("invalid params JSON")
	}

	switch ruleType {
	case database.RuleTypeThreshold:
		return parseThreshold(params), nil
	case database.RuleTypePattern:
		return parsePattern(params), nil
	case database.RuleTypeML:
		return parseML(params), nil
	case database.RuleTypeComposite:
		return parseComposite(params), nil
	default:
		return nil, fmt.Errorf("unknown rule type: %s", ruleType)
	}
}

// ThresholdSpec compares one numeric transaction field against a constant.
type ThresholdSpec struct {
	Field    string
	Operator string
	Value    float64
	ValueRaw string
}

func parseThreshold(params string) *ThresholdSpec {
	value, valueRaw := numParam(params, "value", 100000, "100000")
	return &ThresholdSpec{
		Field:    strParam(params, "field", "amount"),
		Operator: strParam(params, "operator", ">"),
		Value:    value,
		ValueRaw: valueRaw,
	}
}

func (s *ThresholdSpec) Evaluate(tx *database.Transaction, _ []*database.Transaction, _ time.Time) (bool, string) {
	v := fieldValue(tx, s.Field)

	var fired bool
	switch s.Operator {
	case ">":
		fired = v > s.Value
	case ">=":
		fired = v >= s.Value
	case "<":
		fired = v < s.Value
	case "<=":
		fired = v <= s.Value
	case "==":
		fired = v == s.Value
	case "!=":
		fired = v != s.Value
	}
	if !fired {
		return false, ""
	}

	return true, fmt.Sprintf("%s %s %s %s", s.Field, formatFloat(v), s.Operator, s.ValueRaw)
}

// MLSpec scores a transaction by amount and fires above a probability
// threshold. The score is a deterministic stand-in for model inference.
type MLSpec struct {
	Threshold    float64
	ThresholdRaw string
}

func parseML(params string) *MLSpec {
	threshold, thresholdRaw := numParam(params, "threshold", 0.8, "0.8")
	return &MLSpec{Threshold: threshold, ThresholdRaw: thresholdRaw}
}

func (s *MLSpec) Evaluate(tx *database.Transaction, _ []*database.Transaction, _ time.Time) (bool, string) {
	score := math.Min(tx.Amount/200000, 1.0)
	if score > s.Threshold {
		return true, fmt.Sprintf("ML probability %.2f > %s", score, s.ThresholdRaw)
	}
	return false, ""
}

// fieldValue reads a numeric field off the transaction; unknown fields read
// as zero.
func fieldValue(tx *database.Transaction, field string) float64 {
	switch field {
	case "amount":
		return tx.Amount
	default:
		return 0
	}
}

// formatFloat renders a transaction value the way reasons expect: integral
// floats keep one decimal (1500 -> "1500.0"), everything else renders with
// the shortest exact form.
func formatFloat(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// numParam reads a numeric param plus its raw literal for reason rendering.
func numParam(params, key string, def float64, defRaw string) (float64, string) {
	if res := gjson.Get(params, key); res.Exists() {
		return res.Float(), strings.TrimSpace(res.Raw)
	}
	return def, defRaw
}

func intParam(params, key string, def int) int {
	if res := gjson.Get(params, key); res.Exists() {
		return int(res.Int())
	}
	return def
}

func strParam(params, key, def string) string {
	if res := gjson.Get(params, key); res.Exists() {
		return res.String()
	}
	return def
}
