package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fraudwatch/scoring-engine/internal/database"
	"github.com/fraudwatch/scoring-engine/internal/logging"
)

// RuleSource supplies the enabled rules for evaluation
type RuleSource interface {
	ListEnabled(ctx context.Context) ([]*database.Rule, error)
}

// Engine evaluates the enabled rule set against transactions. Rule params
// are compiled into specs once and reused until the rule row changes.
type Engine struct {
	logger   *slog.Logger
	ruleRepo RuleSource

	mu       sync.RWMutex
	compiled map[string]*CompiledRule
}

// CompiledRule pairs a rule row with its parsed spec
type CompiledRule struct {
	Rule *database.Rule
	Spec Spec
}

// Result is the outcome of evaluating one rule against one transaction
type Result struct {
	Rule   *database.Rule
	Fired  bool
	Reason string
	Err    error
}

// New creates a new rule engine
func New(logger *slog.Logger, ruleRepo RuleSource) *Engine {
	return &Engine{
		logger:   logger,
		ruleRepo: ruleRepo,
		compiled: make(map[string]*CompiledRule),
	}
}

// EvaluateAll runs every enabled rule against the transaction and its
// history snapshot. Rules are fault-isolated: a rule that fails to compile
// or panics yields a Result carrying the error and evaluation moves on.
func (e *Engine) EvaluateAll(ctx context.Context, tx *database.Transaction, history []*database.Transaction, now time.Time) ([]Result, error) {
	rules, err := e.ruleRepo.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load enabled rules: %w", err)
	}
	e.pruneStale(rules)

	results := make([]Result, 0, len(rules))
	for _, rule := range rules {
		compiled, err := e.compile(rule)
		if err != nil {
			results = append(results, Result{Rule: rule, Err: err})
			continue
		}

		if composite, ok := compiled.Spec.(*CompositeSpec); ok && composite.ParseErr() != nil {
			logging.Event(ctx, e.logger, slog.LevelWarn, logging.StageRuleParseError, "engine", tx,
				"rule", rule.Name,
				"rule_id", rule.ID,
				"error", composite.ParseErr().Error(),
			)
		}

		fired, reason, err := safeEvaluate(compiled.Spec, tx, history, now)
		results = append(results, Result{Rule: rule, Fired: fired, Reason: reason, Err: err})
	}

	return results, nil
}

// compile returns the cached spec for a rule, re-parsing when the row
// changed since it was cached.
func (e *Engine) compile(rule *database.Rule) (*CompiledRule, error) {
	e.mu.RLock()
	cached, ok := e.compiled[rule.ID]
	e.mu.RUnlock()
	if ok && cached.Rule.UpdatedAt.Equal(rule.UpdatedAt) {
		return cached, nil
	}

	spec, err := ParseSpec(rule.RuleType, rule.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, err)
	}

	compiled := &CompiledRule{Rule: rule, Spec: spec}
	e.mu.Lock()
	e.compiled[rule.ID] = compiled
	e.mu.Unlock()

	e.logger.Debug("Compiled rule", "rule_id", rule.ID, "name", rule.Name, "rule_type", rule.RuleType)
	return compiled, nil
}

// pruneStale drops cache entries for rules no longer enabled
func (e *Engine) pruneStale(current []*database.Rule) {
	ids := make(map[string]struct{}, len(current))
	for _, rule := range current {
		ids[rule.ID] = struct{}{}
	}

	e.mu.Lock()
	for id := range e.compiled {
		if _, ok := ids[id]; !ok {
			delete(e.compiled, id)
		}
	}
	e.mu.Unlock()
}

// safeEvaluate shields the worker from panicking rule code
func safeEvaluate(spec Spec, tx *database.Transaction, history []*database.Transaction, now time.Time) (fired bool, reason string, err error) {
	defer func() {
		if p := recover(); p != nil {
			fired = false
			reason = ""
			err = fmt.Errorf("rule evaluation panic: %v", p)
		}
	}()

	fired, reason = spec.Evaluate(tx, history, now)
	return fired, reason, nil
}
