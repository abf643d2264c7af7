package quality

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/errmap/internal/domain"
)

// Engine is the CEL-based engine for custom per-row quality rules.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    *domain.CheckRule
	Program cel.Program
}

// NewEngine creates a new rule engine with one variable per output column.
func NewEngine() (*Engine, error) {
	opts := []cel.EnvOption{
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
	}
	for _, col := range domain.Columns() {
		if col == domain.ColConfidence {
			opts = append(opts, cel.Variable(col, cel.IntType))
			continue
		}
		opts = append(opts, cel.Variable(col, cel.StringType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(rule *domain.CheckRule) error {
	if rule == nil {
		return fmt.Errorf("check rule is required")
	}
	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(rule *domain.CheckRule) error {
	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.compiledRules[rule.ID] = compiled
	e.mu.Unlock()
	return nil
}

// ReloadRules replaces every loaded rule. Disabled rules are skipped. On a
// compile error the previously loaded set stays in place.
func (e *Engine) ReloadRules(rules []*domain.CheckRule) error {
	next := make(map[string]*CompiledRule, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		compiled, err := e.compileRule(r)
		if err != nil {
			return err
		}
		next[r.ID] = compiled
	}

	e.mu.Lock()
	e.compiledRules = next
	e.mu.Unlock()
	return nil
}

// RemoveRule unloads a rule.
func (e *Engine) RemoveRule(id string) {
	e.mu.Lock()
	delete(e.compiledRules, id)
	e.mu.Unlock()
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// snapshot returns loaded rules ordered by ID.
func (e *Engine) snapshot() []*CompiledRule {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, r := range e.compiledRules {
		rules = append(rules, r)
	}
	e.mu.RUnlock()

	sort.Slice(rules, func(i, j int) bool { return rules[i].Rule.ID < rules[j].Rule.ID })
	return rules
}

// Evaluate runs every loaded rule against one row. A rule returning false
// yields a finding with the rule's severity; an evaluation error yields a
// warning.
func (e *Engine) Evaluate(index int, row *domain.MappingRow) []domain.Finding {
	rules := e.snapshot()
	if len(rules) == 0 {
		return nil
	}

	activation := Activation(row)
	var findings []domain.Finding
	for _, r := range rules {
		out, _, err := r.Program.Eval(activation)
		if err != nil {
			findings = append(findings, domain.Finding{
				Severity: domain.SeverityWarning,
				Code:     domain.FindingCustomRuleError,
				Message:  fmt.Sprintf("rule %s: evaluation error: %v", r.Rule.ID, err),
				Row:      index,
				Values:   []string{r.Rule.ID},
			})
			continue
		}
		if pass, ok := out.(types.Bool); ok && bool(pass) {
			continue
		}
		msg := r.Rule.Name
		if r.Rule.Description != "" {
			msg = r.Rule.Description
		}
		findings = append(findings, domain.Finding{
			Severity: r.Rule.Severity,
			Code:     domain.FindingCustomRule,
			Message:  fmt.Sprintf("rule %s failed: %s", r.Rule.ID, msg),
			Row:      index,
			Values:   []string{r.Rule.ID},
		})
	}
	return findings
}

// Activation exposes a row to CEL: each column as a top-level variable and
// all of them under "row".
func Activation(row *domain.MappingRow) map[string]any {
	rec := row.Record()
	vars := make(map[string]any, len(rec)+1)
	m := make(map[string]any, len(rec))
	for k, v := range rec {
		if k == domain.ColConfidence {
			vars[k] = int64(row.Confidence)
			m[k] = int64(row.Confidence)
			continue
		}
		vars[k] = v
		m[k] = v
	}
	vars["row"] = m
	return vars
}

// Close unloads all rules.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(rule *domain.CheckRule) (*CompiledRule, error) {
	if strings.TrimSpace(rule.ID) == "" {
		return nil, fmt.Errorf("check rule id is required")
	}
	if rule.Severity != domain.SeverityError && rule.Severity != domain.SeverityWarning {
		return nil, fmt.Errorf("rule %s: severity must be %q or %q", rule.ID, domain.SeverityError, domain.SeverityWarning)
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{Rule: rule, Program: program}, nil
}
