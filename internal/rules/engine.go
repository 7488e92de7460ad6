// Package rules provides the claim detection passes and the CEL-Go based
// custom rule engine.
package rules

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
)

// ColCustomRuleViolations lists the ids of custom rules a claim triggered.
const ColCustomRuleViolations = "custom_rule_violations"

// chunkSize is the number of rows a worker evaluates per task.
const chunkSize = 512

// claimEnv declares the variables a rule expression can read. flags holds
// every boolean column of the annotated claim and metrics every numeric
// one, both keyed by column name.
var claimEnv = []cel.EnvOption{
	cel.Variable("claim_id", cel.StringType),
	cel.Variable("patient_id", cel.StringType),
	cel.Variable("provider_id", cel.StringType),
	cel.Variable("procedure_code", cel.StringType),
	cel.Variable("charge_amount", cel.DoubleType),
	cel.Variable("service_weekday", cel.IntType),
	cel.Variable("patient_state", cel.StringType),
	cel.Variable("provider_state", cel.StringType),
	cel.Variable("distance_miles", cel.DoubleType),
	cel.Variable("flags", cel.MapType(cel.StringType, cel.BoolType)),
	cel.Variable("metrics", cel.MapType(cel.StringType, cel.DoubleType)),
}

// Engine evaluates tenant CEL rules over annotated claim frames. Loaded
// rules form an immutable snapshot, so evaluation never waits on a reload.
type Engine struct {
	env     *cel.Env
	workers int

	mu    sync.Mutex // serialises snapshot writers
	rules atomic.Pointer[[]*CompiledRule]
}

// CompiledRule is a rule with its checked CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// EvaluationStats reports what happened during a frame evaluation.
type EvaluationStats struct {
	Rules      int
	Rows       int
	Violations int
	Errors     int
}

// NewEngine creates an engine evaluating with up to workers goroutines.
func NewEngine(workers int) (*Engine, error) {
	env, err := cel.NewEnv(claimEnv...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &Engine{env: env, workers: cmp.Or(max(workers, 0), 10)}
	e.rules.Store(&[]*CompiledRule{})
	return e, nil
}

func (e *Engine) snapshot() []*CompiledRule {
	return *e.rules.Load()
}

// compile type-checks a rule; expressions must produce a bool.
func (e *Engine) compile(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg == nil {
		return nil, errors.New("rule config is required")
	}
	ast, issues := e.env.Compile(cfg.Expression)
	if err := issues.Err(); err != nil {
		return nil, fmt.Errorf("compile rule %s: %w", cfg.ID, err)
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, out)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("plan rule %s: %w", cfg.ID, err)
	}
	return &CompiledRule{Config: cfg, Program: prg}, nil
}

// compileAll compiles the enabled rules of configs, sorted by id. A later
// config replaces an earlier one with the same id.
func (e *Engine) compileAll(configs []*domain.RuleConfig) ([]*CompiledRule, error) {
	byID := make(map[string]*CompiledRule, len(configs))
	for _, cfg := range configs {
		if cfg == nil || !cfg.Enabled {
			continue
		}
		rule, err := e.compile(cfg)
		if err != nil {
			return nil, err
		}
		byID[cfg.ID] = rule
	}
	out := make([]*CompiledRule, 0, len(byID))
	for _, rule := range byID {
		out = append(out, rule)
	}
	slices.SortFunc(out, func(a, b *CompiledRule) int { return cmp.Compare(a.Config.ID, b.Config.ID) })
	return out, nil
}

// ValidateRule compiles cfg without loading it.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	_, err := e.compile(cfg)
	return err
}

// LoadRule compiles cfg and adds it, replacing a loaded rule with the same
// id. The enabled flag is not consulted.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	rule, err := e.compile(cfg)
	if err != nil {
		return err
	}
	e.merge([]*CompiledRule{rule})
	return nil
}

// LoadRules adds the enabled rules of configs. Nothing is loaded if any of
// them fails to compile.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	compiled, err := e.compileAll(configs)
	if err != nil {
		return err
	}
	e.merge(compiled)
	return nil
}

// merge publishes a snapshot holding the loaded rules plus added, with
// added winning on id clashes.
func (e *Engine) merge(added []*CompiledRule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := slices.DeleteFunc(slices.Clone(e.snapshot()), func(r *CompiledRule) bool {
		return slices.ContainsFunc(added, func(a *CompiledRule) bool { return a.Config.ID == r.Config.ID })
	})
	next = append(next, added...)
	slices.SortFunc(next, func(a, b *CompiledRule) int { return cmp.Compare(a.Config.ID, b.Config.ID) })
	e.rules.Store(&next)
}

// ReloadRules replaces every loaded rule with the enabled rules of configs.
// On a compile error the previous rules stay loaded.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	compiled, err := e.compileAll(configs)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rules.Store(&compiled)
	e.mu.Unlock()
	return nil
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	return len(e.snapshot())
}

// Loaded returns the configurations of the loaded rules, sorted by id.
func (e *Engine) Loaded() []*domain.RuleConfig {
	rules := e.snapshot()
	out := make([]*domain.RuleConfig, len(rules))
	for i, r := range rules {
		out[i] = r.Config
	}
	return out
}

// Close unloads every rule.
func (e *Engine) Close() error {
	return e.ReloadRules(nil)
}

// EvaluateFrame runs every loaded rule against every row of f and appends
// custom_rule_violations. Row chunks are shared among a fixed set of
// workers. A rule that fails at runtime for a row counts as an error and
// does not trigger.
func (e *Engine) EvaluateFrame(ctx context.Context, f *frame.Frame) (*frame.Frame, EvaluationStats, error) {
	rules := e.snapshot()
	n := f.Len()
	stats := EvaluationStats{Rules: len(rules), Rows: n}

	violations := make([][]string, n)
	for i := range violations {
		violations[i] = []string{}
	}

	if len(rules) > 0 && n > 0 {
		view, err := newRowView(f)
		if err != nil {
			return nil, stats, err
		}
		failures, err := e.evaluate(ctx, rules, view, violations)
		if err != nil {
			return nil, stats, err
		}
		stats.Errors = failures
	}

	for _, v := range violations {
		stats.Violations += len(v)
	}
	out, err := f.With(ColCustomRuleViolations, frame.NewList(violations))
	if err != nil {
		return nil, stats, err
	}
	return out, stats, nil
}

// evaluate fills violations row by row and returns the runtime error count.
// Each row index is written by exactly one worker.
func (e *Engine) evaluate(ctx context.Context, rules []*CompiledRule, view *rowView, violations [][]string) (int, error) {
	chunks := make(chan int)
	var (
		wg       sync.WaitGroup
		failures atomic.Int64
	)
	workers := min(e.workers, (len(violations)+chunkSize-1)/chunkSize)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for lo := range chunks {
				hi := min(lo+chunkSize, len(violations))
				for i := lo; i < hi; i++ {
					act := view.activation(i)
					for _, r := range rules {
						hit, err := evaluateRule(r, act)
						if err != nil {
							failures.Add(1)
							continue
						}
						if hit {
							violations[i] = append(violations[i], r.Config.ID)
						}
					}
				}
			}
		}()
	}

	var err error
feed:
	for lo := 0; lo < len(violations); lo += chunkSize {
		select {
		case chunks <- lo:
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		}
	}
	close(chunks)
	wg.Wait()
	return int(failures.Load()), err
}

// evaluateRule evaluates a single rule against one claim.
func evaluateRule(rule *CompiledRule, activation map[string]any) (bool, error) {
	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("rule %s: %w", rule.Config.ID, err)
	}
	v, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("rule %s: non-bool result %v", rule.Config.ID, out)
	}
	return bool(v), nil
}

// rowView exposes one frame row as CEL activation variables.
type rowView struct {
	ids, patients, providers, procedures *frame.StringColumn
	patientState, providerState          *frame.StringColumn
	dates                                *frame.TimeColumn
	charges                              []float64
	distance                             *frame.FloatColumn
	flags                                map[string]*frame.BoolColumn
	metricValues                         map[string][]float64
}

func newRowView(f *frame.Frame) (*rowView, error) {
	v := &rowView{flags: make(map[string]*frame.BoolColumn), metricValues: make(map[string][]float64)}
	var err error
	if v.ids, err = f.Strings(frame.ColClaimID); err != nil {
		return nil, err
	}
	if v.patients, err = f.Strings(frame.ColPatientID); err != nil {
		return nil, err
	}
	if v.providers, err = f.Strings(frame.ColProviderID); err != nil {
		return nil, err
	}
	if v.procedures, err = f.Strings(frame.ColProcedureCode); err != nil {
		return nil, err
	}
	if v.dates, err = f.Times(frame.ColServiceDate); err != nil {
		return nil, err
	}
	if v.charges, _, err = f.Numeric(frame.ColChargeAmount); err != nil {
		return nil, err
	}
	if f.Has(frame.ColPatientState, frame.ColProviderState) {
		v.patientState, _ = f.Strings(frame.ColPatientState)
		v.providerState, _ = f.Strings(frame.ColProviderState)
	}
	if f.Has(ColDistanceMiles) {
		v.distance, _ = f.Floats(ColDistanceMiles)
	}

	for _, name := range f.Names() {
		col, _ := f.Column(name)
		switch c := col.(type) {
		case *frame.BoolColumn:
			v.flags[name] = c
		case *frame.IntColumn, *frame.FloatColumn:
			values, valid, err := f.Numeric(name)
			if err != nil {
				return nil, err
			}
			masked := make([]float64, len(values))
			for i := range values {
				if valid[i] {
					masked[i] = values[i]
				}
			}
			v.metricValues[name] = masked
		}
	}
	return v, nil
}

func (v *rowView) activation(i int) map[string]any {
	flags := make(map[string]bool, len(v.flags))
	for name, c := range v.flags {
		flags[name] = c.Value(i)
	}
	metrics := make(map[string]float64, len(v.metricValues))
	for name, values := range v.metricValues {
		metrics[name] = values[i]
	}

	patientState, providerState := "", ""
	if v.patientState != nil && !v.patientState.IsNull(i) {
		patientState = v.patientState.Value(i)
	}
	if v.providerState != nil && !v.providerState.IsNull(i) {
		providerState = v.providerState.Value(i)
	}
	distance := 0.0
	if v.distance != nil && !v.distance.IsNull(i) {
		distance = v.distance.Value(i)
	}

	return map[string]any{
		"claim_id":        v.ids.Value(i),
		"patient_id":      v.patients.Value(i),
		"provider_id":     v.providers.Value(i),
		"procedure_code":  v.procedures.Value(i),
		"charge_amount":   v.charges[i],
		"service_weekday": int64(v.dates.Value(i).Weekday()),
		"patient_state":   patientState,
		"provider_state":  providerState,
		"distance_miles":  distance,
		"flags":           flags,
		"metrics":         metrics,
	}
}
