package core

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Strategy decides whether a toggle is on for a context. Implementations
// must be safe for concurrent use.
type Strategy interface {
	Name() string
	IsEnabled(params Parameters, c Context) (bool, error)
}

// Engine evaluates toggle definitions against contexts. Definitions are
// swapped wholesale by [Engine.SetDefinitions]; evaluations never observe a
// partially applied update.
type Engine struct {
	mu         sync.RWMutex
	features   map[string]Feature
	order      []string
	segments   map[int]Segment
	strategies map[string]Strategy
}

// NewEngine returns an engine with the built-in strategies plus custom.
// A custom strategy replaces a built-in one with the same name.
func NewEngine(custom ...Strategy) *Engine {
	return &Engine{
		features:   make(map[string]Feature),
		segments:   make(map[int]Segment),
		strategies: strategyTable(custom),
	}
}

// SetCustomStrategies replaces every custom strategy, keeping the built-ins.
func (e *Engine) SetCustomStrategies(custom []Strategy) {
	table := strategyTable(custom)
	e.mu.Lock()
	e.strategies = table
	e.mu.Unlock()
}

func strategyTable(custom []Strategy) map[string]Strategy {
	table := make(map[string]Strategy)
	for _, s := range builtinStrategies() {
		table[s.Name()] = s
	}
	for _, s := range custom {
		table[s.Name()] = s
	}
	return table
}

// SetDefinitions replaces every known feature and segment.
func (e *Engine) SetDefinitions(defs Features) {
	features := make(map[string]Feature, len(defs.Features))
	order := make([]string, 0, len(defs.Features))
	for _, f := range defs.Features {
		if _, dup := features[f.Name]; !dup {
			order = append(order, f.Name)
		}
		features[f.Name] = f
	}
	segments := make(map[int]Segment, len(defs.Segments))
	for _, s := range defs.Segments {
		segments[s.ID] = s
	}

	e.mu.Lock()
	e.features = features
	e.order = order
	e.segments = segments
	e.mu.Unlock()
}

// Definitions returns the current definitions in upstream order.
func (e *Engine) Definitions() Features {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := Features{Version: 2, Features: make([]Feature, 0, len(e.order))}
	for _, name := range e.order {
		out.Features = append(out.Features, e.features[name])
	}
	for _, id := range slices.Sorted(maps.Keys(e.segments)) {
		out.Segments = append(out.Segments, e.segments[id])
	}
	return out
}

// FeatureNames returns every known toggle name in upstream order.
func (e *Engine) FeatureNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.order)
}

// StrategyNames returns the registered strategy names, sorted.
func (e *Engine) StrategyNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.strategies))
}

// Evaluate computes the status of one toggle. Unknown toggles evaluate to
// disabled. Errors returned by a strategy implementation are propagated.
func (e *Engine) Evaluate(name string, c Context) (ToggleStatus, error) {
	e.mu.RLock()
	feature, ok := e.features[name]
	segments := e.segments
	strategies := e.strategies
	e.mu.RUnlock()

	status := ToggleStatus{Name: name, Variant: DisabledVariant}
	if !ok {
		return status, nil
	}
	status.ImpressionData = feature.ImpressionData

	enabled, matched, err := isEnabled(feature, segments, strategies, c)
	if err != nil {
		return status, fmt.Errorf("evaluate %q: %w", name, err)
	}
	if !enabled {
		return status, nil
	}
	status.Enabled = true

	variants := feature.Variants
	groupID := feature.Name
	if matched != nil && len(matched.Variants) > 0 {
		variants = matched.Variants
		if g := matched.Parameters.String("groupId"); g != "" {
			groupID = g
		}
	}
	if v, ok := selectVariant(variants, groupID, c); ok {
		status.Variant = Variant{Name: v.Name, Enabled: true, Payload: v.Payload}
	}
	return status, nil
}

func isEnabled(f Feature, segments map[int]Segment, strategies map[string]Strategy, c Context) (bool, *StrategyDefinition, error) {
	if !f.Enabled {
		return false, nil, nil
	}
	if len(f.Strategies) == 0 {
		return true, nil, nil
	}

	for i := range f.Strategies {
		def := &f.Strategies[i]
		if def.Disabled {
			continue
		}
		impl, ok := strategies[def.Name]
		if !ok {
			continue
		}
		if !constraintsMatch(def.Constraints, c) || !segmentsMatch(def.Segments, segments, c) {
			continue
		}

		params := make(Parameters, len(def.Parameters)+1)
		maps.Copy(params, def.Parameters)
		if params.String("groupId") == "" {
			params["groupId"] = f.Name
		}

		enabled, err := impl.IsEnabled(params, c)
		if err != nil {
			return false, nil, fmt.Errorf("strategy %s: %w", def.Name, err)
		}
		if enabled {
			return true, def, nil
		}
	}
	return false, nil, nil
}

func segmentsMatch(ids []int, segments map[int]Segment, c Context) bool {
	for _, id := range ids {
		seg, ok := segments[id]
		if !ok {
			return false
		}
		if !constraintsMatch(seg.Constraints, c) {
			return false
		}
	}
	return true
}
