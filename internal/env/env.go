// Package env exposes the sizing loop as a step/reset environment.
//
// A step applies an action, waits out the dwell period, re-reads the
// telemetry window and scores it. There is no terminal state; episodes end
// only by truncation after a fixed number of steps.
package env

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fonpr/fonpr-agent/internal/action"
	"github.com/fonpr/fonpr-agent/internal/cost"
	"github.com/fonpr/fonpr-agent/internal/metrics"
	"github.com/fonpr/fonpr-agent/internal/reward"
	"github.com/fonpr/fonpr-agent/internal/telemetry"
)

// ErrNotReady is returned by Step before the first Reset or Observe.
var ErrNotReady = errors.New("env: step before reset")

// State is the environment lifecycle state.
type State int

const (
	Uninitialized State = iota
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Ready:
		return "READY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Telemetry reads one observation window.
type Telemetry interface {
	Observe(ctx context.Context) (telemetry.Observation, error)
}

// Effector applies actions to the deployment.
type Effector interface {
	Apply(ctx context.Context, a action.Action) error
	Validate(a action.Action) error
	NumActions() int
	Requested() (action.Size, bool)
}

// Scorer computes the reward of an observation.
type Scorer interface {
	Reward(obs telemetry.Observation) (reward.Breakdown, error)
}

// SizeChecker reports sizes missing from the cost table.
type SizeChecker interface {
	Check(sizes []string) error
}

// Config configures an Environment.
type Config struct {
	Telemetry Telemetry
	Effector  Effector
	Scorer    Scorer

	// Costs and Sizes, when set, are checked at construction so an
	// unpriced catalog entry fails before the first step.
	Costs SizeChecker
	Sizes []string

	Dwell              time.Duration
	TruncateAfterSteps int

	// Ledger, if set, accumulates each step's revenue and cost.
	Ledger *cost.Ledger
	Logger *slog.Logger
	// Sleep waits out the dwell. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// StepResult is the outcome of one Step.
type StepResult struct {
	Observation telemetry.Observation
	Reward      float64
	// Terminated is always false: the controlled system has no terminal state.
	Terminated bool
	Truncated  bool
	Info       Info
}

// Info carries diagnostics for a step.
type Info struct {
	Step      int
	Action    action.Action
	Requested string
	Breakdown reward.Breakdown
	Duration  time.Duration
}

// Environment is the step/reset control surface. Not safe for concurrent use.
type Environment struct {
	telemetry Telemetry
	effector  Effector
	scorer    Scorer
	dwell     time.Duration
	truncate  int
	ledger    *cost.Ledger
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	state State
	steps int
}

// New validates cfg and returns an Environment in the Uninitialized state.
func New(cfg Config) (*Environment, error) {
	if cfg.Telemetry == nil || cfg.Effector == nil || cfg.Scorer == nil {
		return nil, fmt.Errorf("telemetry, effector and scorer are required")
	}
	if cfg.Dwell < 0 {
		return nil, fmt.Errorf("dwell must be >= 0, got %s", cfg.Dwell)
	}
	if cfg.TruncateAfterSteps <= 0 {
		return nil, fmt.Errorf("truncateAfterSteps must be positive, got %d", cfg.TruncateAfterSteps)
	}
	if cfg.Costs != nil {
		if err := cfg.Costs.Check(cfg.Sizes); err != nil {
			return nil, fmt.Errorf("sizing catalog is not fully priced: %w", err)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	return &Environment{
		telemetry: cfg.Telemetry,
		effector:  cfg.Effector,
		scorer:    cfg.Scorer,
		dwell:     cfg.Dwell,
		truncate:  cfg.TruncateAfterSteps,
		ledger:    cfg.Ledger,
		logger:    logger,
		sleep:     sleep,
	}, nil
}

// State returns the lifecycle state.
func (e *Environment) State() State { return e.state }

// NumActions is the size of the action space.
func (e *Environment) NumActions() int { return e.effector.NumActions() }

// Reset re-reads telemetry and restarts the truncation count. It does not
// touch the deployment.
func (e *Environment) Reset(ctx context.Context) (telemetry.Observation, error) {
	obs, err := e.telemetry.Observe(ctx)
	if err != nil {
		return telemetry.Observation{}, fmt.Errorf("failed to observe on reset: %w", err)
	}
	e.steps = 0
	e.state = Ready
	return obs, nil
}

// Observe reads the current telemetry window without resetting the
// truncation count.
func (e *Environment) Observe(ctx context.Context) (telemetry.Observation, error) {
	obs, err := e.telemetry.Observe(ctx)
	if err != nil {
		return telemetry.Observation{}, fmt.Errorf("failed to observe: %w", err)
	}
	e.state = Ready
	return obs, nil
}

// Step applies a, waits out the dwell, re-observes and scores the new window.
// Any failure aborts the step without producing a transition; the step
// counter only advances on success.
func (e *Environment) Step(ctx context.Context, a action.Action) (StepResult, error) {
	if e.state != Ready {
		return StepResult{}, ErrNotReady
	}
	if err := e.effector.Validate(a); err != nil {
		metrics.StepsTotal.WithLabelValues("invalid_action").Inc()
		return StepResult{}, err
	}

	start := time.Now()
	log := e.logger.With("action", a.String(), "step", e.steps+1)

	if err := e.effector.Apply(ctx, a); err != nil {
		metrics.StepsTotal.WithLabelValues("apply_error").Inc()
		return StepResult{}, fmt.Errorf("failed to apply action: %w", err)
	}

	log.Debug("dwelling before re-observing", "dwell", e.dwell)
	if err := e.sleep(ctx, e.dwell); err != nil {
		metrics.StepsTotal.WithLabelValues("cancelled").Inc()
		return StepResult{}, fmt.Errorf("dwell interrupted: %w", err)
	}

	obs, err := e.telemetry.Observe(ctx)
	if err != nil {
		metrics.StepsTotal.WithLabelValues("observe_error").Inc()
		return StepResult{}, fmt.Errorf("failed to observe after action: %w", err)
	}

	breakdown, err := e.scorer.Reward(obs)
	if err != nil {
		metrics.StepsTotal.WithLabelValues("reward_error").Inc()
		return StepResult{}, fmt.Errorf("failed to compute reward: %w", err)
	}
	if e.ledger != nil {
		e.ledger.Record(breakdown.Revenue, breakdown.Cost)
	}

	e.steps++
	step := e.steps
	truncated := e.steps >= e.truncate
	if truncated {
		metrics.Truncations.Inc()
		e.steps = 0
	}

	var requested string
	if size, ok := e.effector.Requested(); ok {
		requested = size.ID
	}
	elapsed := time.Since(start)
	metrics.StepsTotal.WithLabelValues("ok").Inc()
	metrics.StepDuration.Observe(elapsed.Seconds())

	log.Info("step complete",
		"reward", breakdown.Reward,
		"revenue", breakdown.Revenue,
		"cost", breakdown.Cost,
		"requested", requested,
		"truncated", truncated,
	)

	return StepResult{
		Observation: obs,
		Reward:      breakdown.Reward,
		Truncated:   truncated,
		Info: Info{
			Step:      step,
			Action:    a,
			Requested: requested,
			Breakdown: breakdown,
			Duration:  elapsed,
		},
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
