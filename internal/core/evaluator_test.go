package core

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

type strategyFunc struct {
	name string
	fn   func(Parameters, Context) (bool, error)
}

func (s strategyFunc) Name() string { return s.name }

func (s strategyFunc) IsEnabled(p Parameters, c Context) (bool, error) { return s.fn(p, c) }

func newTestEngine(t *testing.T, features ...Feature) *Engine {
	t.Helper()
	e := NewEngine()
	e.SetDefinitions(Features{Version: 2, Features: features})
	return e
}

func mustEvaluate(t *testing.T, e *Engine, name string, c Context) ToggleStatus {
	t.Helper()
	status, err := e.Evaluate(name, c)
	if err != nil {
		t.Fatalf("Evaluate(%q) error = %v", name, err)
	}
	return status
}

func TestEvaluate_BasicStates(t *testing.T) {
	e := newTestEngine(t,
		Feature{Name: "off", Enabled: false, Strategies: []StrategyDefinition{{Name: "default"}}},
		Feature{Name: "no-strategies", Enabled: true},
		Feature{Name: "default-on", Enabled: true, ImpressionData: true, Strategies: []StrategyDefinition{{Name: "default"}}},
		Feature{Name: "unknown-strategy", Enabled: true, Strategies: []StrategyDefinition{{Name: "does-not-exist"}}},
	)

	tests := []struct {
		name string
		want bool
	}{
		{"off", false},
		{"no-strategies", true},
		{"default-on", true},
		{"unknown-strategy", false},
		{"missing", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustEvaluate(t, e, tt.name, Context{})
			if got.Enabled != tt.want {
				t.Fatalf("Enabled = %t, want %t", got.Enabled, tt.want)
			}
			if !got.Enabled && got.Variant != DisabledVariant {
				t.Fatalf("Variant = %+v, want disabled", got.Variant)
			}
		})
	}

	if !mustEvaluate(t, e, "default-on", Context{}).ImpressionData {
		t.Fatal("ImpressionData = false, want true")
	}
}

func TestEvaluate_UserWithID(t *testing.T) {
	e := newTestEngine(t, Feature{
		Name:       "beta",
		Enabled:    true,
		Strategies: []StrategyDefinition{{Name: "userWithId", Parameters: Parameters{"userIds": "a, b,c"}}},
	})
	if !mustEvaluate(t, e, "beta", Context{UserID: "b"}).Enabled {
		t.Fatal("user b should be enabled")
	}
	if mustEvaluate(t, e, "beta", Context{UserID: "z"}).Enabled {
		t.Fatal("user z should be disabled")
	}
}

func TestEvaluate_FlexibleRolloutIsSticky(t *testing.T) {
	e := newTestEngine(t,
		Feature{Name: "all", Enabled: true, Strategies: []StrategyDefinition{{Name: "flexibleRollout", Parameters: Parameters{"rollout": float64(100), "stickiness": "userId"}}}},
		Feature{Name: "none", Enabled: true, Strategies: []StrategyDefinition{{Name: "flexibleRollout", Parameters: Parameters{"rollout": "0"}}}},
		Feature{Name: "half", Enabled: true, Strategies: []StrategyDefinition{{Name: "flexibleRollout", Parameters: Parameters{"rollout": "50", "stickiness": "userId"}}}},
	)

	if !mustEvaluate(t, e, "all", Context{UserID: "u"}).Enabled {
		t.Fatal("100% rollout should be enabled")
	}
	if mustEvaluate(t, e, "all", Context{}).Enabled {
		t.Fatal("userId stickiness without userId should be disabled")
	}
	if mustEvaluate(t, e, "none", Context{UserID: "u"}).Enabled {
		t.Fatal("0% rollout should be disabled")
	}

	enabled := 0
	for i := range 1000 {
		c := Context{UserID: fmt.Sprintf("user-%d", i)}
		first := mustEvaluate(t, e, "half", c).Enabled
		if again := mustEvaluate(t, e, "half", c).Enabled; again != first {
			t.Fatalf("rollout not sticky for %s", c.UserID)
		}
		if first {
			enabled++
		}
	}
	if enabled < 400 || enabled > 600 {
		t.Fatalf("50%% rollout enabled %d of 1000 users", enabled)
	}
}

func TestEvaluate_RemoteAddress(t *testing.T) {
	e := newTestEngine(t, Feature{
		Name:       "office",
		Enabled:    true,
		Strategies: []StrategyDefinition{{Name: "remoteAddress", Parameters: Parameters{"IPs": "10.0.0.1, 192.168.0.0/16"}}},
	})
	for addr, want := range map[string]bool{
		"10.0.0.1":    true,
		"192.168.4.2": true,
		"172.16.0.1":  false,
		"":            false,
	} {
		if got := mustEvaluate(t, e, "office", Context{RemoteAddress: addr}).Enabled; got != want {
			t.Errorf("remoteAddress %q enabled = %t, want %t", addr, got, want)
		}
	}
}

func TestEvaluate_Constraints(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		constraint Constraint
		ctx        Context
		want       bool
	}{
		{"in", Constraint{ContextName: "environment", Operator: OperatorIn, Values: []string{"prod"}}, Context{Environment: "prod"}, true},
		{"in missing", Constraint{ContextName: "region", Operator: OperatorIn, Values: []string{"eu"}}, Context{}, false},
		{"not in missing", Constraint{ContextName: "region", Operator: OperatorNotIn, Values: []string{"eu"}}, Context{}, true},
		{"inverted", Constraint{ContextName: "userId", Operator: OperatorIn, Values: []string{"u"}, Inverted: true}, Context{UserID: "u"}, false},
		{"str contains ci", Constraint{ContextName: "email", Operator: OperatorStrContains, Values: []string{"@EXAMPLE"}, CaseInsensitive: true}, Context{Properties: map[string]string{"email": "a@example.com"}}, true},
		{"str starts", Constraint{ContextName: "email", Operator: OperatorStrStartsWith, Values: []string{"b"}}, Context{Properties: map[string]string{"email": "a@example.com"}}, false},
		{"str ends", Constraint{ContextName: "email", Operator: OperatorStrEndsWith, Values: []string{".com"}}, Context{Properties: map[string]string{"email": "a@example.com"}}, true},
		{"num gt", Constraint{ContextName: "age", Operator: OperatorNumGt, Value: "18"}, Context{Properties: map[string]string{"age": "21"}}, true},
		{"num lte", Constraint{ContextName: "age", Operator: OperatorNumLte, Value: "18"}, Context{Properties: map[string]string{"age": "21"}}, false},
		{"num invalid", Constraint{ContextName: "age", Operator: OperatorNumEq, Value: "18"}, Context{Properties: map[string]string{"age": "old"}}, false},
		{"date after", Constraint{ContextName: "currentTime", Operator: OperatorDateAfter, Value: "2024-01-01T00:00:00Z"}, Context{CurrentTime: &now}, true},
		{"date before", Constraint{ContextName: "currentTime", Operator: OperatorDateBefore, Value: "2024-01-01T00:00:00Z"}, Context{CurrentTime: &now}, false},
		{"semver gt", Constraint{ContextName: "version", Operator: OperatorSemverGt, Value: "1.2.3"}, Context{Properties: map[string]string{"version": "1.10.0"}}, true},
		{"semver lt prerelease", Constraint{ContextName: "version", Operator: OperatorSemverLt, Value: "2.0.0"}, Context{Properties: map[string]string{"version": "2.0.0-beta.1"}}, true},
		{"semver invalid", Constraint{ContextName: "version", Operator: OperatorSemverEq, Value: "1.0.0"}, Context{Properties: map[string]string{"version": "one"}}, false},
		{"unknown operator", Constraint{ContextName: "userId", Operator: "MAGIC"}, Context{UserID: "u"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, Feature{
				Name:       "f",
				Enabled:    true,
				Strategies: []StrategyDefinition{{Name: "default", Constraints: []Constraint{tt.constraint}}},
			})
			if got := mustEvaluate(t, e, "f", tt.ctx).Enabled; got != tt.want {
				t.Fatalf("Enabled = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestEvaluate_Segments(t *testing.T) {
	e := NewEngine()
	e.SetDefinitions(Features{
		Features: []Feature{{
			Name:       "segmented",
			Enabled:    true,
			Strategies: []StrategyDefinition{{Name: "default", Segments: []int{1}}},
		}, {
			Name:       "missing-segment",
			Enabled:    true,
			Strategies: []StrategyDefinition{{Name: "default", Segments: []int{99}}},
		}},
		Segments: []Segment{{ID: 1, Constraints: []Constraint{{ContextName: "region", Operator: OperatorIn, Values: []string{"eu"}}}}},
	})

	if !mustEvaluate(t, e, "segmented", Context{Properties: map[string]string{"region": "eu"}}).Enabled {
		t.Fatal("segment match should enable")
	}
	if mustEvaluate(t, e, "segmented", Context{Properties: map[string]string{"region": "us"}}).Enabled {
		t.Fatal("segment mismatch should disable")
	}
	if mustEvaluate(t, e, "missing-segment", Context{}).Enabled {
		t.Fatal("unknown segment should disable")
	}
}

func TestEvaluate_Variants(t *testing.T) {
	payload := &Payload{Type: "string", Value: "blue"}
	e := newTestEngine(t, Feature{
		Name:       "colour",
		Enabled:    true,
		Strategies: []StrategyDefinition{{Name: "default"}},
		Variants: []VariantDefinition{
			{Name: "blue", Weight: 500, Payload: payload, Stickiness: "userId"},
			{Name: "red", Weight: 500, Overrides: []Override{{ContextName: "userId", Values: []string{"vip"}}}},
		},
	}, Feature{
		Name:    "strategy-variants",
		Enabled: true,
		Strategies: []StrategyDefinition{{
			Name:     "default",
			Variants: []VariantDefinition{{Name: "only", Weight: 1000}},
		}},
		Variants: []VariantDefinition{{Name: "feature-level", Weight: 1000}},
	})

	got := mustEvaluate(t, e, "colour", Context{UserID: "vip"})
	if got.Variant.Name != "red" || !got.Variant.Enabled {
		t.Fatalf("override variant = %+v, want red", got.Variant)
	}

	seen := map[string]int{}
	for i := range 200 {
		c := Context{UserID: fmt.Sprintf("user-%d", i)}
		first := mustEvaluate(t, e, "colour", c).Variant
		if again := mustEvaluate(t, e, "colour", c).Variant; !reflect.DeepEqual(first, again) {
			t.Fatalf("variant not sticky for %s", c.UserID)
		}
		seen[first.Name]++
	}
	if seen["blue"] == 0 || seen["red"] == 0 {
		t.Fatalf("variant distribution = %v, want both variants", seen)
	}

	if v := mustEvaluate(t, e, "strategy-variants", Context{}).Variant; v.Name != "only" {
		t.Fatalf("strategy variant = %+v, want only", v)
	}
}

func TestEvaluate_CustomStrategy(t *testing.T) {
	boom := errors.New("plugin crashed")
	e := NewEngine(
		strategyFunc{name: "plan", fn: func(p Parameters, c Context) (bool, error) {
			return c.Properties["plan"] == p.String("plan"), nil
		}},
		strategyFunc{name: "broken", fn: func(Parameters, Context) (bool, error) { return false, boom }},
	)
	e.SetDefinitions(Features{Features: []Feature{
		{Name: "pro", Enabled: true, Strategies: []StrategyDefinition{{Name: "plan", Parameters: Parameters{"plan": "pro"}}}},
		{Name: "broken", Enabled: true, Strategies: []StrategyDefinition{{Name: "broken"}}},
	}})

	if !mustEvaluate(t, e, "pro", Context{Properties: map[string]string{"plan": "pro"}}).Enabled {
		t.Fatal("custom strategy should enable")
	}
	if _, err := e.Evaluate("broken", Context{}); !errors.Is(err, boom) {
		t.Fatalf("Evaluate() error = %v, want plugin error", err)
	}
}

func TestEngine_DefinitionsKeepOrder(t *testing.T) {
	e := newTestEngine(t,
		Feature{Name: "b", Enabled: true},
		Feature{Name: "a", Enabled: true},
		Feature{Name: "c", Enabled: false},
	)
	if got := e.FeatureNames(); !reflect.DeepEqual(got, []string{"b", "a", "c"}) {
		t.Fatalf("FeatureNames() = %v", got)
	}
	defs := e.Definitions()
	if defs.Version != 2 || len(defs.Features) != 3 || defs.Features[0].Name != "b" {
		t.Fatalf("Definitions() = %+v", defs)
	}
}

func TestParametersString(t *testing.T) {
	p := Parameters{"s": "x", "n": float64(50), "nil": nil}
	if p.String("s") != "x" || p.String("n") != "50" || p.String("nil") != "" || p.String("missing") != "" {
		t.Fatalf("Parameters.String() mismatch: %v", p)
	}
	if p.Int("n", 0) != 50 || p.Int("s", 7) != 7 {
		t.Fatal("Parameters.Int() mismatch")
	}
}
