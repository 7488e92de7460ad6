package rules

import (
	"context"
	"fmt"
	"testing"

	"github.com/opensource-finance/kestrel/internal/claimtest"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
)

func violationsByID(t *testing.T, f *frame.Frame) map[string][]string {
	t.Helper()
	ids, err := f.Strings(frame.ColClaimID)
	if err != nil {
		t.Fatalf("claim ids: %v", err)
	}
	lists, err := f.Lists(ColCustomRuleViolations)
	if err != nil {
		t.Fatalf("violations: %v", err)
	}
	out := make(map[string][]string, f.Len())
	for i := 0; i < f.Len(); i++ {
		out[ids.Value(i)] = lists.Value(i)
	}
	return out
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	rule := &domain.RuleConfig{
		ID:         "high-charge",
		Name:       "High Charge",
		Expression: "charge_amount > 1000.0",
		Enabled:    true,
	}

	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	tests := []struct {
		name       string
		expression string
	}{
		{"Syntax", "this is not valid CEL !!!"},
		{"NonBool", "charge_amount * 2.0"},
		{"UnknownVariable", "amount > 100.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.LoadRule(&domain.RuleConfig{ID: "bad", Expression: tt.expression, Enabled: true})
			if err == nil {
				t.Errorf("expected error for %q", tt.expression)
			}
		})
	}

	if engine.RulesCount() != 0 {
		t.Errorf("invalid rules must not be loaded, got %d", engine.RulesCount())
	}
}

func TestValidateRuleDoesNotLoad(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	if err := engine.ValidateRule(&domain.RuleConfig{ID: "ok", Expression: "service_weekday == 0"}); err != nil {
		t.Fatalf("expected valid rule, got %v", err)
	}
	if err := engine.ValidateRule(nil); err == nil {
		t.Error("expected error for nil rule")
	}
	if engine.RulesCount() != 0 {
		t.Errorf("validate must not load rules, got %d", engine.RulesCount())
	}
}

func TestEvaluateFrame(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	err := engine.LoadRules([]*domain.RuleConfig{
		{ID: "high-charge", Expression: "charge_amount > 1000.0", Enabled: true},
		{ID: "sunday", Expression: "service_weekday == 0", Enabled: true},
		{ID: "disabled", Expression: "true", Enabled: false},
	})
	if err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	if engine.RulesCount() != 2 {
		t.Fatalf("expected 2 enabled rules, got %d", engine.RulesCount())
	}

	// 2024-01-14 is a Sunday.
	f := claimtest.Frame(t,
		claimtest.Claim("C1", "P1", "D1", "99213", "2024-01-15", 100),
		claimtest.Claim("C2", "P1", "D1", "99213", "2024-01-15", 5000),
		claimtest.Claim("C3", "P1", "D1", "99213", "2024-01-14", 5000),
	)

	out, stats, err := engine.EvaluateFrame(context.Background(), f)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	got := violationsByID(t, out)
	if len(got["C1"]) != 0 {
		t.Errorf("expected no violations for C1, got %v", got["C1"])
	}
	if fmt.Sprint(got["C2"]) != "[high-charge]" {
		t.Errorf("expected [high-charge] for C2, got %v", got["C2"])
	}
	if fmt.Sprint(got["C3"]) != "[high-charge sunday]" {
		t.Errorf("expected rules in id order for C3, got %v", got["C3"])
	}
	if stats.Violations != 3 || stats.Errors != 0 || stats.Rows != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestEvaluateFrameFlagsAndMetrics(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{
		ID:         "busy-weekend",
		Expression: `flags["weekend_billing_flag"] && metrics["daily_procedure_count"] >= 2.0`,
		Enabled:    true,
	})

	billing := NewBillingRules(domain.DefaultDetectionConfig())
	f := claimtest.Frame(t,
		claimtest.Claim("W1", "P1", "D1", "99213", "2024-01-13", 100),
		claimtest.Claim("W2", "P2", "D1", "99213", "2024-01-13", 100),
		claimtest.Claim("N1", "P3", "D2", "99213", "2024-01-13", 100),
	)
	f, err := billing.DailyProcedureLimits(f)
	if err != nil {
		t.Fatal(err)
	}
	if f, err = billing.WeekendBilling(f); err != nil {
		t.Fatal(err)
	}

	out, _, err := engine.EvaluateFrame(context.Background(), f)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	got := violationsByID(t, out)
	if len(got["W1"]) != 1 || len(got["W2"]) != 1 {
		t.Errorf("expected D1 weekend claims flagged, got %v", got)
	}
	if len(got["N1"]) != 0 {
		t.Errorf("single claim provider should not be flagged, got %v", got["N1"])
	}
}

func TestEvaluateFrameRuntimeError(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	// Missing map keys fail at runtime and count as not triggered.
	engine.LoadRule(&domain.RuleConfig{ID: "missing", Expression: `flags["no_such_flag"]`, Enabled: true})

	f := claimtest.Frame(t, claimtest.Charges("PRV1", "99213", "2024-01-15", 100, 200)...)
	out, stats, err := engine.EvaluateFrame(context.Background(), f)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if stats.Errors != 2 {
		t.Errorf("expected 2 errors, got %d", stats.Errors)
	}
	for id, v := range violationsByID(t, out) {
		if len(v) != 0 {
			t.Errorf("%s: expected no violations, got %v", id, v)
		}
	}
}

func TestEvaluateFrameNoRules(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	f := claimtest.Frame(t, claimtest.Charges("PRV1", "99213", "2024-01-15", 100)...)
	out, stats, err := engine.EvaluateFrame(context.Background(), f)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if !out.Has(ColCustomRuleViolations) {
		t.Error("expected violations column even without rules")
	}
	if stats.Rules != 0 {
		t.Errorf("expected 0 rules, got %d", stats.Rules)
	}
}

func TestParallelExecution(t *testing.T) {
	engine, _ := NewEngine(2)
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{ID: "odd", Expression: "charge_amount > 500.0", Enabled: true})

	charges := make([]float64, 3*chunkSize+7)
	for i := range charges {
		charges[i] = float64(i % 1000)
	}
	f := claimtest.Frame(t, claimtest.Charges("PRV1", "99213", "2024-01-15", charges...)...)

	out, stats, err := engine.EvaluateFrame(context.Background(), f)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	lists, _ := out.Lists(ColCustomRuleViolations)
	want := 0
	for i, c := range charges {
		hit := c > 500
		if hit {
			want++
		}
		if got := len(lists.Value(i)) == 1; got != hit {
			t.Fatalf("row %d: expected %v, got %v", i, hit, got)
		}
	}
	if stats.Violations != want {
		t.Errorf("expected %d violations, got %d", want, stats.Violations)
	}
}

func TestEvaluateFrameCanceled(t *testing.T) {
	engine, _ := NewEngine(2)
	defer engine.Close()
	engine.LoadRule(&domain.RuleConfig{ID: "any", Expression: "true", Enabled: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := claimtest.Frame(t, claimtest.Charges("PRV1", "99213", "2024-01-15", 100)...)
	if _, _, err := engine.EvaluateFrame(ctx, f); err == nil {
		t.Error("expected context error")
	}
}

func TestReloadRules(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{ID: "old", Expression: "true", Enabled: true})

	err := engine.ReloadRules([]*domain.RuleConfig{
		{ID: "b-new", Expression: "charge_amount > 1.0", Enabled: true},
		{ID: "a-new", Expression: "charge_amount > 2.0", Enabled: true},
	})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	loaded := engine.Loaded()
	if len(loaded) != 2 || loaded[0].ID != "a-new" || loaded[1].ID != "b-new" {
		t.Errorf("unexpected rules after reload: %+v", loaded)
	}

	// A failing reload keeps the current rule set.
	err = engine.ReloadRules([]*domain.RuleConfig{{ID: "broken", Expression: "!!", Enabled: true}})
	if err == nil {
		t.Fatal("expected reload error")
	}
	if engine.RulesCount() != 2 {
		t.Errorf("expected previous rules kept, got %d", engine.RulesCount())
	}
}

func TestLoadRules(t *testing.T) {
	engine, _ := NewEngine(2)
	defer engine.Close()

	err := engine.LoadRules([]*domain.RuleConfig{
		{ID: "on", Expression: "charge_amount > 1.0", Enabled: true},
		{ID: "off", Expression: "charge_amount > 1.0", Enabled: false},
	})
	if err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}
	if engine.RulesCount() != 1 || engine.Loaded()[0].ID != "on" {
		t.Errorf("only enabled rules should load, got %+v", engine.Loaded())
	}

	// A batch with one bad rule loads nothing.
	err = engine.LoadRules([]*domain.RuleConfig{
		{ID: "good", Expression: "true", Enabled: true},
		{ID: "bad", Expression: "charge_amount", Enabled: true},
	})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if engine.RulesCount() != 1 {
		t.Errorf("failed batch must not change loaded rules, got %d", engine.RulesCount())
	}

	// Loading an existing id replaces it.
	if err := engine.LoadRule(&domain.RuleConfig{ID: "on", Expression: "charge_amount > 5.0"}); err != nil {
		t.Fatalf("LoadRule failed: %v", err)
	}
	if got := engine.Loaded(); len(got) != 1 || got[0].Expression != "charge_amount > 5.0" {
		t.Errorf("expected replaced rule, got %+v", got)
	}
}
