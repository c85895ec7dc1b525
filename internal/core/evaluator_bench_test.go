package core

import (
	"fmt"
	"testing"
)

func BenchmarkEvaluate_DefaultStrategy(b *testing.B) {
	engine := NewEngine()
	engine.SetDefinitions(Features{Features: []Feature{
		{Name: "feature-default", Enabled: true, Strategies: []StrategyDefinition{{Name: "default"}}},
	}})
	ctx := Context{UserID: "user-42"}

	b.ResetTimer()
	for b.Loop() {
		_, _ = engine.Evaluate("feature-default", ctx)
	}
}

func BenchmarkEvaluate_ConstraintsAndVariants(b *testing.B) {
	engine := NewEngine()
	constraints := make([]Constraint, 10)
	for i := range constraints {
		constraints[i] = Constraint{
			ContextName: fmt.Sprintf("attr-%d", i),
			Operator:    OperatorIn,
			Values:      []string{fmt.Sprintf("val-%d", i)},
		}
	}
	props := make(map[string]string, len(constraints))
	for i := range constraints {
		props[fmt.Sprintf("attr-%d", i)] = fmt.Sprintf("val-%d", i)
	}
	engine.SetDefinitions(Features{Features: []Feature{{
		Name:    "feature-constrained",
		Enabled: true,
		Strategies: []StrategyDefinition{{
			Name:        "flexibleRollout",
			Parameters:  Parameters{"rollout": "100"},
			Constraints: constraints,
		}},
		Variants: []VariantDefinition{{Name: "a", Weight: 500}, {Name: "b", Weight: 500}},
	}}})
	ctx := Context{UserID: "user-42", Properties: props}

	b.ResetTimer()
	for b.Loop() {
		_, _ = engine.Evaluate("feature-constrained", ctx)
	}
}

func BenchmarkBuildContext(b *testing.B) {
	input := map[string]any{
		"appName":     "web",
		"userId":      "user-42",
		"currentTime": "2024-01-01T00:00:00Z",
		"tenantId":    "acme",
		"properties":  map[string]any{"region": "eu"},
	}

	b.ResetTimer()
	for b.Loop() {
		BuildContext(input)
	}
}
