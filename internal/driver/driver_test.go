package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fonpr/fonpr-agent/internal/action"
	"github.com/fonpr/fonpr-agent/internal/env"
	"github.com/fonpr/fonpr-agent/internal/telemetry"
)

// scriptedEnv returns observations whose throughput total counts reads.
type scriptedEnv struct {
	reads      int
	steps      int
	truncateAt int
	stepErr    error
	actions    []action.Action
	resets     int
}

func (s *scriptedEnv) observation() telemetry.Observation {
	s.reads++
	return telemetry.Observation{
		Sizes: []string{"m4.xlarge"},
		Rows:  []telemetry.Row{{Time: time.Unix(int64(s.reads), 0), Throughput: float64(s.reads), Active: []float64{1}}},
	}
}

func (s *scriptedEnv) Observe(ctx context.Context) (telemetry.Observation, error) {
	return s.observation(), nil
}

func (s *scriptedEnv) Reset(ctx context.Context) (telemetry.Observation, error) {
	s.resets++
	return s.observation(), nil
}

func (s *scriptedEnv) Step(ctx context.Context, a action.Action) (env.StepResult, error) {
	if s.stepErr != nil {
		return env.StepResult{}, s.stepErr
	}
	s.actions = append(s.actions, a)
	s.steps++
	return env.StepResult{
		Observation: s.observation(),
		Reward:      float64(s.steps) / 10,
		Truncated:   s.truncateAt > 0 && s.steps%s.truncateAt == 0,
	}, nil
}

// countingPolicy returns action (calls mod n) and counts calls in its state.
type countingPolicy struct {
	n        int
	initials int
	seen     []TimeStep
}

func (p *countingPolicy) InitialState(batchSize int) PolicyState {
	p.initials++
	return 0
}

func (p *countingPolicy) Action(ctx context.Context, ts TimeStep, state PolicyState) (PolicyStep, error) {
	p.seen = append(p.seen, ts)
	count := state.(int) + 1
	return PolicyStep{Action: action.Action(count % p.n), State: count}, nil
}

func collect(out *[]Trajectory) Observer {
	return ObserverFunc(func(ctx context.Context, t Trajectory) error {
		*out = append(*out, t)
		return nil
	})
}

func TestDrive_BindsTransitions(t *testing.T) {
	e := &scriptedEnv{}
	p := &countingPolicy{n: 3}
	var trajs []Trajectory

	last, state, err := New(e, nil).Drive(context.Background(), 3, p, collect(&trajs))
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if e.resets != 0 {
		t.Error("Drive must start from a telemetry read, not a reset")
	}
	if len(trajs) != 3 {
		t.Fatalf("expected 3 trajectories, got %d", len(trajs))
	}

	first := trajs[0]
	if first.StepType != First || first.NextStepType != Mid {
		t.Errorf("first trajectory types = %s -> %s", first.StepType, first.NextStepType)
	}
	if first.Observation.ThroughputTotal() != 1 || first.NextObservation.ThroughputTotal() != 2 {
		t.Errorf("first trajectory observations = %v -> %v", first.Observation.ThroughputTotal(), first.NextObservation.ThroughputTotal())
	}
	if first.Action != 1 || first.Reward != 0.1 || first.Discount != 1 {
		t.Errorf("first trajectory = %+v", first)
	}
	for i := 1; i < len(trajs); i++ {
		if trajs[i].Observation.ThroughputTotal() != trajs[i-1].NextObservation.ThroughputTotal() {
			t.Errorf("trajectory %d does not chain from %d", i, i-1)
		}
	}

	if last.StepType != Mid || last.Observation.ThroughputTotal() != 4 {
		t.Errorf("last timestep = %+v", last)
	}
	if state.(int) != 3 {
		t.Errorf("policy state = %v, want 3", state)
	}
}

func TestRestart_CarriesNoReward(t *testing.T) {
	e := &scriptedEnv{}
	ts := Restart(e.observation())
	if ts.StepType != First || ts.Reward != 0 || ts.Discount != 1 {
		t.Errorf("Restart = %+v", ts)
	}

	p := &countingPolicy{n: 2}
	if _, _, err := New(e, nil).Drive(context.Background(), 2, p, nil); err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if got := p.seen[0]; got.StepType != First || got.Reward != 0 {
		t.Errorf("policy saw first timestep %+v, want unscored FIRST", got)
	}
	if got := p.seen[1]; got.Reward != 0.1 {
		t.Errorf("second timestep reward = %v, want 0.1", got.Reward)
	}
}

func TestContinue_ChainsDrives(t *testing.T) {
	e := &scriptedEnv{}
	p := &countingPolicy{n: 2}
	d := New(e, nil)

	ts, state, err := d.Drive(context.Background(), 2, p, nil)
	if err != nil {
		t.Fatal(err)
	}
	var trajs []Trajectory
	ts, state, err = d.Continue(context.Background(), ts, state, 2, p, collect(&trajs))
	if err != nil {
		t.Fatal(err)
	}

	if p.initials != 1 {
		t.Errorf("Continue must keep the policy state, InitialState called %d times", p.initials)
	}
	if state.(int) != 4 {
		t.Errorf("state = %v, want 4", state)
	}
	if trajs[0].StepType != Mid {
		t.Errorf("continued drive should not restart the episode, got %s", trajs[0].StepType)
	}
	if e.reads != 5 || ts.Observation.ThroughputTotal() != 5 {
		t.Errorf("reads = %d, last observation = %v", e.reads, ts.Observation.ThroughputTotal())
	}
}

func TestDrive_TruncationRestartsEpisode(t *testing.T) {
	e := &scriptedEnv{truncateAt: 2}
	p := &countingPolicy{n: 2}
	var trajs []Trajectory

	if _, _, err := New(e, nil).Drive(context.Background(), 5, p, collect(&trajs)); err != nil {
		t.Fatalf("Drive: %v", err)
	}

	wantTypes := [][2]StepType{
		{First, Mid},
		{Mid, Last},
		{First, Mid},
		{Mid, Last},
		{First, Mid},
	}
	for i, w := range wantTypes {
		if trajs[i].StepType != w[0] || trajs[i].NextStepType != w[1] {
			t.Errorf("trajectory %d: %s -> %s, want %s -> %s", i, trajs[i].StepType, trajs[i].NextStepType, w[0], w[1])
		}
	}
	if trajs[1].Discount != 1 {
		t.Error("truncation is not termination; discount must stay 1")
	}
	if trajs[2].Observation.ThroughputTotal() != trajs[1].NextObservation.ThroughputTotal() {
		t.Error("restart must reuse the LAST observation rather than re-reading")
	}
	if e.resets != 0 {
		t.Error("truncation must not reset the environment")
	}
	if p.initials != 3 {
		t.Errorf("policy state should reset per episode, InitialState called %d times", p.initials)
	}
}

func TestDrive_Errors(t *testing.T) {
	boom := errors.New("boom")

	t.Run("environment", func(t *testing.T) {
		e := &scriptedEnv{stepErr: boom}
		_, _, err := New(e, nil).Drive(context.Background(), 3, &countingPolicy{n: 2}, nil)
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	})

	t.Run("observer", func(t *testing.T) {
		e := &scriptedEnv{}
		obs := ObserverFunc(func(ctx context.Context, t Trajectory) error { return boom })
		_, _, err := New(e, nil).Drive(context.Background(), 3, &countingPolicy{n: 2}, obs)
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if e.steps != 1 {
			t.Errorf("drive should stop at the failing observer, steps=%d", e.steps)
		}
	})
}
