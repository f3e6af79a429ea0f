package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fonpr/fonpr-agent/internal/action"
	"github.com/fonpr/fonpr-agent/internal/config"
	"github.com/fonpr/fonpr-agent/internal/configrepo"
	"github.com/fonpr/fonpr-agent/internal/driver"
	"github.com/fonpr/fonpr-agent/internal/policy"
	"github.com/fonpr/fonpr-agent/internal/telemetry"
)

func testConfig() *config.Config {
	return &config.Config{
		Sizes: []config.SizeConfig{
			{ID: "Large", InstanceType: "m4.xlarge"},
			{
				ID:           "Small",
				InstanceType: "t3.medium",
				Requests:     &config.ResourceSpec{CPU: "500m", Memory: "1Gi"},
				Limits:       &config.ResourceSpec{CPU: "1", Memory: "2Gi"},
			},
		},
		Cost: config.CostConfig{Source: "static"},
	}
}

type nopPusher struct{}

func (nopPusher) ApplyAndPush(ctx context.Context, req configrepo.Request) error { return nil }

func testEffector(t *testing.T, cfg *config.Config) *action.Effector {
	t.Helper()
	eff, err := action.NewEffector(action.Config{Sizes: catalog(cfg), Resource: "upf", Pusher: nopPusher{}})
	if err != nil {
		t.Fatal(err)
	}
	return eff
}

func TestCatalog(t *testing.T) {
	sizes := catalog(testConfig())
	if len(sizes) != 2 {
		t.Fatalf("expected 2 sizes, got %d", len(sizes))
	}
	if sizes[0].Requests != nil || sizes[0].Limits != nil {
		t.Errorf("Large should carry no resources: %+v", sizes[0])
	}
	small := sizes[1]
	if small.ID != "Small" || small.InstanceType != "t3.medium" {
		t.Errorf("Small = %+v", small)
	}
	if small.Requests == nil || small.Requests.CPU != "500m" || small.Limits == nil || small.Limits.Memory != "2Gi" {
		t.Errorf("Small resources = %+v / %+v", small.Requests, small.Limits)
	}
}

func TestNewCostTable_Static(t *testing.T) {
	cfg := testConfig()
	cfg.Cost.Rates = map[string]float64{"t3.medium": 0.05, "c7g.large": 0.0725}

	table, err := newCostTable(context.Background(), cfg, slog.Default())
	if err != nil {
		t.Fatalf("newCostTable: %v", err)
	}
	tests := map[string]float64{
		"m4.xlarge": 0.20,
		"t3.medium": 0.05,
		"c7g.large": 0.0725,
	}
	for size, want := range tests {
		got, err := table.HourlyRate(size)
		if err != nil || got != want {
			t.Errorf("HourlyRate(%s) = %v, %v; want %v", size, got, err, want)
		}
	}

	cfg.Cost.Rates = map[string]float64{"t3.medium": -1}
	if _, err := newCostTable(context.Background(), cfg, slog.Default()); err == nil {
		t.Error("expected negative override to fail")
	}
}

func TestPrintCosts(t *testing.T) {
	cfg := testConfig()
	table, err := newCostTable(context.Background(), cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := printCosts(&out, cfg, table); err != nil {
		t.Fatalf("printCosts: %v", err)
	}
	for _, want := range []string{"Large", "m4.xlarge", "0.2000", "t3.medium", "0.0416"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	cfg.Sizes = append(cfg.Sizes, config.SizeConfig{ID: "Arm", InstanceType: "c7g.large"})
	out.Reset()
	if err := printCosts(&out, cfg, table); err == nil {
		t.Error("expected unpriced size to be reported")
	}
	if !strings.Contains(out.String(), "c7g.large") {
		t.Error("unpriced size should still be listed")
	}
}

func TestNewPolicies(t *testing.T) {
	cfg := testConfig()
	eff := testEffector(t, cfg)
	ts := driver.Restart(telemetry.Observation{
		Sizes: []string{"m4.xlarge", "t3.medium"},
		Rows:  []telemetry.Row{{Time: time.Unix(0, 0), Throughput: 10, Active: []float64{1, 0}}},
	})

	t.Run("noop", func(t *testing.T) {
		cfg.Policy = config.PolicyConfig{Type: "noop"}
		pols, err := newPolicies(cfg, eff, slog.Default())
		if err != nil {
			t.Fatal(err)
		}
		defer pols.close()
		step, err := pols.explorer.Action(context.Background(), ts, nil)
		if err != nil || !step.Action.IsNoOp() {
			t.Errorf("step = %+v, err = %v", step, err)
		}
	})

	t.Run("rules", func(t *testing.T) {
		cfg.Policy = config.PolicyConfig{
			Type:  "rules",
			Rules: []config.RuleConfig{{When: "active_m4_xlarge > 0.5 && throughput_total < 100", Action: 2}},
		}
		pols, err := newPolicies(cfg, eff, slog.Default())
		if err != nil {
			t.Fatal(err)
		}
		step, err := pols.explorer.Action(context.Background(), ts, nil)
		if err != nil {
			t.Fatal(err)
		}
		if step.Action != action.Resize(1) {
			t.Errorf("action = %v, want resize to Small", step.Action)
		}
	})

	t.Run("bad rule", func(t *testing.T) {
		cfg.Policy = config.PolicyConfig{Type: "rules", Rules: []config.RuleConfig{{When: "((", Action: 1}}}
		if _, err := newPolicies(cfg, eff, slog.Default()); err == nil {
			t.Error("expected compile error")
		}
	})

	t.Run("onnx model missing from manifest", func(t *testing.T) {
		dir := t.TempDir()
		manifest := filepath.Join(dir, "manifest.json")
		if err := os.WriteFile(manifest, []byte(`{"models":{"other":{"path":"other.onnx","sha256":"00"}}}`), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg.Policy = config.PolicyConfig{Type: "onnx", ModelPath: filepath.Join(dir, "qnet.onnx"), ManifestPath: manifest}
		if _, err := newPolicies(cfg, eff, slog.Default()); err == nil || !strings.Contains(err.Error(), "verification") {
			t.Errorf("expected manifest verification error, got %v", err)
		}
	})
}

func TestOutputTableAndJSON(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	obs := telemetry.Observation{
		Sizes: []string{"m4.xlarge", "t3.medium"},
		Rows: []telemetry.Row{
			{Time: base, Throughput: 0, Active: []float64{1, 0}},
			{Time: base.Add(15 * time.Second), Throughput: 2048, Active: []float64{0, 1}},
		},
	}

	var table bytes.Buffer
	if err := outputTable(&table, obs); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"M4.XLARGE", "2024-01-01T00:00:15Z", "total bytes: 2048", "t3.medium active: 0.50"} {
		if !strings.Contains(table.String(), want) {
			t.Errorf("table missing %q:\n%s", want, table.String())
		}
	}

	var js bytes.Buffer
	if err := outputJSON(&js, obs); err != nil {
		t.Fatal(err)
	}
	var decoded observationJSON
	if err := json.Unmarshal(js.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ThroughputTotal != 2048 || decoded.ActiveFraction["m4.xlarge"] != 0.5 || len(decoded.Latest) != 1 || decoded.Latest[0] != "t3.medium" {
		t.Errorf("decoded = %+v", decoded)
	}
}

// fakeRunner records drive calls and fails the calls listed in failAt.
type fakeRunner struct {
	calls    []string
	steps    []int
	policies []driver.Policy
	failAt   map[int]bool
	cancel   context.CancelFunc
	stopAt   int
}

func (f *fakeRunner) record(kind string, steps int, p driver.Policy) error {
	f.calls = append(f.calls, kind)
	f.steps = append(f.steps, steps)
	f.policies = append(f.policies, p)
	if f.stopAt > 0 && len(f.calls) == f.stopAt {
		f.cancel()
	}
	if f.failAt[len(f.calls)] {
		return errors.New("step failed")
	}
	return nil
}

func (f *fakeRunner) Drive(ctx context.Context, maxSteps int, p driver.Policy, o driver.Observer) (driver.TimeStep, driver.PolicyState, error) {
	return driver.TimeStep{}, nil, f.record("drive", maxSteps, p)
}

func (f *fakeRunner) Continue(ctx context.Context, ts driver.TimeStep, state driver.PolicyState, maxSteps int, p driver.Policy, o driver.Observer) (driver.TimeStep, driver.PolicyState, error) {
	return ts, state, f.record("continue", maxSteps, p)
}

func newTestLoop(t *testing.T, runner driveRunner, runtimes ...*config.RuntimeConfig) (*agentLoop, *policy.EpsilonGreedy, *[]time.Duration) {
	t.Helper()
	explorer, err := policy.NewEpsilonGreedy(policy.NoOp(), 3, 0.1, nil)
	if err != nil {
		t.Fatal(err)
	}
	var slept []time.Duration
	i := 0
	return &agentLoop{
		driver:     runner,
		explorer:   explorer,
		steps:      2,
		maxDrives:  3,
		retryDelay: time.Minute,
		pausePoll:  time.Second,
		loadRuntime: func() *config.RuntimeConfig {
			if i < len(runtimes) {
				rt := runtimes[i]
				i++
				return rt
			}
			return config.DefaultRuntimeConfig()
		},
		logger: slog.Default(),
		sleep: func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return ctx.Err()
		},
	}, explorer, &slept
}

func TestAgentLoop_ChainsDrives(t *testing.T) {
	runner := &fakeRunner{}
	loop, explorer, slept := newTestLoop(t, runner)

	if err := loop.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"drive", "continue", "continue"}
	if strings.Join(runner.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", runner.calls, want)
	}
	for i, p := range runner.policies {
		if p != driver.Policy(explorer) {
			t.Errorf("drive %d used %T, want the exploring policy", i, p)
		}
		if runner.steps[i] != 2 {
			t.Errorf("drive %d steps = %d, want 2", i, runner.steps[i])
		}
	}
	if len(*slept) != 0 {
		t.Errorf("unexpected sleeps %v", *slept)
	}
}

func TestAgentLoop_RuntimeOverrides(t *testing.T) {
	eps := 0.9
	runner := &fakeRunner{}
	loop, explorer, slept := newTestLoop(t, runner,
		&config.RuntimeConfig{Paused: true},
		&config.RuntimeConfig{PolicyMode: config.PolicyModeHold, StepsPerDrive: 5},
		&config.RuntimeConfig{PolicyMode: config.PolicyModeConfigured, Epsilon: &eps},
	)
	var epsilons []float64
	loop.driver = runnerFunc(func(kind string, steps int, p driver.Policy) error {
		epsilons = append(epsilons, explorer.Epsilon())
		return runner.record(kind, steps, p)
	})

	if err := loop.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(*slept) != 1 || (*slept)[0] != time.Second {
		t.Errorf("pause should poll once, slept %v", *slept)
	}
	if len(runner.calls) != 3 {
		t.Fatalf("paused polls must not count as drives, calls = %v", runner.calls)
	}
	if _, ok := runner.policies[0].(policy.Fixed); !ok || runner.steps[0] != 5 {
		t.Errorf("hold should drive the no-op policy for 5 steps, got %T for %d", runner.policies[0], runner.steps[0])
	}
	if epsilons[1] != 0.9 {
		t.Errorf("epsilon override = %v, want 0.9", epsilons[1])
	}
	if epsilons[2] != 0.1 {
		t.Errorf("epsilon should return to the configured 0.1, got %v", epsilons[2])
	}
}

func TestAgentLoop_FailedDriveRestarts(t *testing.T) {
	runner := &fakeRunner{failAt: map[int]bool{2: true}}
	loop, _, slept := newTestLoop(t, runner)

	if err := loop.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"drive", "continue", "drive"}
	if strings.Join(runner.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", runner.calls, want)
	}
	if len(*slept) != 1 || (*slept)[0] != time.Minute {
		t.Errorf("expected one retry delay, slept %v", *slept)
	}
}

func TestAgentLoop_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{cancel: cancel, stopAt: 2}
	loop, _, _ := newTestLoop(t, runner)
	loop.maxDrives = 0

	if err := loop.run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(runner.calls) != 2 {
		t.Errorf("calls = %v, want 2", runner.calls)
	}
}

func TestRuntimeLoader(t *testing.T) {
	if rt := runtimeLoader("", slog.Default())(); rt.Paused || rt.Holding() {
		t.Errorf("default runtime = %+v", rt)
	}

	path := filepath.Join(t.TempDir(), "runtime.json")
	if err := os.WriteFile(path, []byte(`{"paused": true}`), 0o644); err != nil {
		t.Fatal(err)
	}
	load := runtimeLoader(path, slog.Default())
	if !load().Paused {
		t.Error("expected paused from file")
	}

	if err := os.WriteFile(path, []byte(`{`), 0o644); err != nil {
		t.Fatal(err)
	}
	if load().Paused {
		t.Error("unreadable file should fall back to defaults")
	}
}

// runnerFunc adapts a recording function to driveRunner.
type runnerFunc func(kind string, steps int, p driver.Policy) error

func (f runnerFunc) Drive(ctx context.Context, maxSteps int, p driver.Policy, o driver.Observer) (driver.TimeStep, driver.PolicyState, error) {
	return driver.TimeStep{}, nil, f("drive", maxSteps, p)
}

func (f runnerFunc) Continue(ctx context.Context, ts driver.TimeStep, state driver.PolicyState, maxSteps int, p driver.Policy, o driver.Observer) (driver.TimeStep, driver.PolicyState, error) {
	return ts, state, f("continue", maxSteps, p)
}
