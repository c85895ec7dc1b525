package service

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/matt-riley/flagz-proxy/internal/core"
)

type call struct {
	name    string
	enabled bool
	variant string
	yes, no int
	n       int
}

type fakeSink struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeSink) Count(name string, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, enabled: enabled})
}

func (f *fakeSink) CountVariant(name, variant string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, variant: variant})
}

func (f *fakeSink) Add(name string, yes, no int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, yes: yes, no: no})
}

func (f *fakeSink) AddVariant(name, variant string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, variant: variant, n: n})
}

type fakeRunner struct {
	started chan struct{}
}

func (r *fakeRunner) Run(context.Context) {
	close(r.started)
}

type failingEngine struct {
	*core.Engine
}

func (failingEngine) Evaluate(string, core.Context) (core.ToggleStatus, error) {
	return core.ToggleStatus{}, errors.New("boom")
}

type envStrategy struct{}

func (envStrategy) Name() string { return "envOnly" }

func (envStrategy) IsEnabled(p core.Parameters, c core.Context) (bool, error) {
	return c.Environment == p.String("environment"), nil
}

func newEngine(t *testing.T) *core.Engine {
	t.Helper()
	engine := core.NewEngine(envStrategy{})
	engine.SetDefinitions(core.Features{
		Version: 2,
		Features: []core.Feature{
			{Name: "on", Enabled: true, Strategies: []core.StrategyDefinition{{Name: "default"}}},
			{Name: "off", Enabled: false},
			{
				Name:    "colour",
				Enabled: true,
				Variants: []core.VariantDefinition{
					{Name: "blue", Weight: 1000},
				},
			},
			{
				Name:       "prod-only",
				Enabled:    true,
				Strategies: []core.StrategyDefinition{{Name: "envOnly", Parameters: core.Parameters{"environment": "production"}}},
			},
		},
	})
	return engine
}

func names(toggles []core.ToggleStatus) []string {
	out := make([]string, 0, len(toggles))
	for _, t := range toggles {
		out = append(out, t.Name)
	}
	return out
}

func TestGetEnabledToggles(t *testing.T) {
	svc := New(newEngine(t), nil)

	got, err := svc.GetEnabledToggles(core.Context{})
	if err != nil {
		t.Fatalf("GetEnabledToggles() error = %v", err)
	}
	if want := []string{"on", "colour"}; !reflect.DeepEqual(names(got), want) {
		t.Fatalf("GetEnabledToggles() names = %v, want %v", names(got), want)
	}
	if got[1].Variant.Name != "blue" || !got[1].Variant.Enabled {
		t.Fatalf("colour variant = %+v, want enabled blue", got[1].Variant)
	}
}

func TestGetAllToggles(t *testing.T) {
	svc := New(newEngine(t), nil)

	got, err := svc.GetAllToggles(core.Context{})
	if err != nil {
		t.Fatalf("GetAllToggles() error = %v", err)
	}
	if want := []string{"on", "off", "colour", "prod-only"}; !reflect.DeepEqual(names(got), want) {
		t.Fatalf("GetAllToggles() names = %v, want %v", names(got), want)
	}
	if got[1].Enabled || got[1].Variant != core.DisabledVariant {
		t.Fatalf("off = %+v, want disabled with disabled variant", got[1])
	}
}

func TestEnvironmentOverridesContext(t *testing.T) {
	svc := New(newEngine(t), nil, WithEnvironment("production"))

	got, err := svc.GetDefinedToggles([]string{"prod-only"}, core.Context{Environment: "staging"})
	if err != nil {
		t.Fatalf("GetDefinedToggles() error = %v", err)
	}
	if !got[0].Enabled {
		t.Fatal("prod-only should be enabled when the configured environment is production")
	}

	plain := New(newEngine(t), nil)
	got, err = plain.GetDefinedToggles([]string{"prod-only"}, core.Context{Environment: "staging"})
	if err != nil {
		t.Fatalf("GetDefinedToggles() error = %v", err)
	}
	if got[0].Enabled {
		t.Fatal("prod-only should follow the request environment when none is configured")
	}
}

func TestGetDefinedTogglesCountsUsage(t *testing.T) {
	sink := &fakeSink{}
	svc := New(newEngine(t), sink)

	got, err := svc.GetDefinedToggles([]string{"colour", "missing", "off"}, core.Context{})
	if err != nil {
		t.Fatalf("GetDefinedToggles() error = %v", err)
	}
	if want := []string{"colour", "missing", "off"}; !reflect.DeepEqual(names(got), want) {
		t.Fatalf("GetDefinedToggles() names = %v, want %v", names(got), want)
	}
	if got[1].Enabled {
		t.Fatal("unknown toggle should be disabled")
	}

	want := []call{
		{name: "colour", enabled: true},
		{name: "colour", variant: "blue"},
		{name: "missing", enabled: false},
		{name: "off", enabled: false},
	}
	if !reflect.DeepEqual(sink.calls, want) {
		t.Fatalf("sink calls = %+v, want %+v", sink.calls, want)
	}
}

func TestEngineErrorsPropagate(t *testing.T) {
	svc := New(failingEngine{newEngine(t)}, nil)

	if _, err := svc.GetAllToggles(core.Context{}); err == nil {
		t.Fatal("GetAllToggles() error = nil, want error")
	}
	if _, err := svc.GetDefinedToggles([]string{"on"}, core.Context{}); err == nil {
		t.Fatal("GetDefinedToggles() error = nil, want error")
	}
}

func TestGetFeatureDefinitions(t *testing.T) {
	svc := New(newEngine(t), nil)
	defs := svc.GetFeatureDefinitions()
	if defs.Version != 2 || len(defs.Features) != 4 {
		t.Fatalf("GetFeatureDefinitions() = version %d, %d features", defs.Version, len(defs.Features))
	}
}

func TestRegisterMetricsReplaysInOrder(t *testing.T) {
	sink := &fakeSink{}
	svc := New(newEngine(t), sink)
	svc.Readiness().MarkReady()

	svc.RegisterMetrics(MetricsBucket{Toggles: map[string]ToggleCount{
		"toggle": {Yes: 3, No: 1, Variants: map[string]int{"B": 1, "A": 2}},
		"alpha":  {No: 1},
	}})

	want := []call{
		{name: "alpha", no: 1},
		{name: "toggle", yes: 3, no: 1},
		{name: "toggle", variant: "A", n: 2},
		{name: "toggle", variant: "B", n: 1},
	}
	if !reflect.DeepEqual(sink.calls, want) {
		t.Fatalf("sink calls = %+v, want %+v", sink.calls, want)
	}
}

func TestRegisterMetricsLargeCountsAreSingleCalls(t *testing.T) {
	sink := &fakeSink{}
	svc := New(newEngine(t), sink)
	svc.Readiness().MarkReady()

	svc.RegisterMetrics(MetricsBucket{Toggles: map[string]ToggleCount{
		"big": {Yes: math.MaxInt32, Variants: map[string]int{"v": math.MaxInt32, "zero": 0}},
	}})

	want := []call{
		{name: "big", yes: math.MaxInt32},
		{name: "big", variant: "v", n: math.MaxInt32},
	}
	if !reflect.DeepEqual(sink.calls, want) {
		t.Fatalf("sink calls = %+v, want %+v", sink.calls, want)
	}
}

func TestRegisterMetricsDroppedBeforeReady(t *testing.T) {
	sink := &fakeSink{}
	svc := New(newEngine(t), sink)

	svc.RegisterMetrics(MetricsBucket{Toggles: map[string]ToggleCount{"a": {Yes: 1}}})
	if len(sink.calls) != 0 {
		t.Fatalf("sink calls = %d, want 0", len(sink.calls))
	}
}

func TestStartMarksReadyAndStartsReporter(t *testing.T) {
	runner := &fakeRunner{started: make(chan struct{})}
	svc := New(newEngine(t), nil, WithReporter(runner))
	if svc.IsReady() {
		t.Fatal("IsReady() = true before sync")
	}

	synced := make(chan struct{})
	done := make(chan struct{})
	go func() {
		svc.Start(context.Background(), synced)
		close(done)
	}()

	select {
	case <-runner.started:
		t.Fatal("reporter started before sync")
	case <-time.After(20 * time.Millisecond):
	}

	close(synced)
	<-done
	if !svc.IsReady() {
		t.Fatal("IsReady() = false after sync")
	}
	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("reporter never started")
	}
}

func TestStartReturnsOnCancel(t *testing.T) {
	svc := New(newEngine(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc.Start(ctx, make(chan struct{}))
	if svc.IsReady() {
		t.Fatal("IsReady() = true after cancelled start")
	}
}

func TestReadinessIsIdempotent(t *testing.T) {
	r := NewReadiness()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.MarkReady()
		}()
	}
	wg.Wait()

	select {
	case <-r.Done():
	default:
		t.Fatal("Done() not closed after MarkReady")
	}
	if !r.IsReady() {
		t.Fatal("IsReady() = false after MarkReady")
	}
}
