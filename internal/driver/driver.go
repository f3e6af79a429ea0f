// Package driver runs a policy against the environment and hands each
// transition to observers.
package driver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fonpr/fonpr-agent/internal/action"
	"github.com/fonpr/fonpr-agent/internal/env"
	"github.com/fonpr/fonpr-agent/internal/telemetry"
)

// StepType marks a timestep's position in an episode.
type StepType int

const (
	First StepType = iota
	Mid
	Last
)

func (s StepType) String() string {
	switch s {
	case First:
		return "FIRST"
	case Mid:
		return "MID"
	case Last:
		return "LAST"
	default:
		return fmt.Sprintf("StepType(%d)", int(s))
	}
}

// TimeStep is what the policy sees. Reward and Discount refer to the
// transition that produced it.
type TimeStep struct {
	StepType    StepType
	Reward      float64
	Discount    float64
	Observation telemetry.Observation
}

// Restart returns the FIRST timestep for obs. It carries no reward: the
// initial read is not scored, so rewards start at the first Step.
func Restart(obs telemetry.Observation) TimeStep {
	return TimeStep{StepType: First, Discount: 1, Observation: obs}
}

// PolicyState is opaque per-policy state threaded between actions.
type PolicyState any

// PolicyStep is a policy's decision.
type PolicyStep struct {
	Action action.Action
	State  PolicyState
	// Info is policy-specific diagnostics recorded in the trajectory.
	Info map[string]float64
}

// Policy chooses actions.
type Policy interface {
	InitialState(batchSize int) PolicyState
	Action(ctx context.Context, ts TimeStep, state PolicyState) (PolicyStep, error)
}

// Trajectory binds (current, action, next) for one transition.
type Trajectory struct {
	StepType     StepType
	Observation  telemetry.Observation
	Action       action.Action
	PolicyInfo   map[string]float64
	NextStepType StepType
	Reward       float64
	Discount     float64
	// NextObservation is carried so consumers do not need the following element.
	NextObservation telemetry.Observation
}

// FromTransition builds the trajectory for current --step--> next.
func FromTransition(current TimeStep, step PolicyStep, next TimeStep) Trajectory {
	return Trajectory{
		StepType:        current.StepType,
		Observation:     current.Observation,
		Action:          step.Action,
		PolicyInfo:      step.Info,
		NextStepType:    next.StepType,
		Reward:          next.Reward,
		Discount:        next.Discount,
		NextObservation: next.Observation,
	}
}

// Observer consumes trajectories.
type Observer interface {
	Observe(ctx context.Context, t Trajectory) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, t Trajectory) error

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, t Trajectory) error { return f(ctx, t) }

// Environment is the control surface the driver steps.
type Environment interface {
	Observe(ctx context.Context) (telemetry.Observation, error)
	Step(ctx context.Context, a action.Action) (env.StepResult, error)
}

// Driver steps one environment. Not safe for concurrent use.
type Driver struct {
	env    Environment
	logger *slog.Logger
}

// New returns a Driver for e.
func New(e Environment, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{env: e, logger: logger}
}

// Drive runs maxSteps steps starting from a fresh telemetry read (not a
// Reset) and a fresh policy state. It returns the last timestep and policy
// state, which Continue accepts to chain drives.
func (d *Driver) Drive(ctx context.Context, maxSteps int, policy Policy, observer Observer) (TimeStep, PolicyState, error) {
	obs, err := d.env.Observe(ctx)
	if err != nil {
		return TimeStep{}, nil, fmt.Errorf("failed to read initial observation: %w", err)
	}
	return d.Continue(ctx, Restart(obs), policy.InitialState(1), maxSteps, policy, observer)
}

// Continue runs maxSteps steps from ts and state. A LAST timestep restarts
// the episode from its own observation and a fresh policy state; the
// environment is not reset. Errors from the policy, environment or observer
// end the drive and are returned unhandled.
func (d *Driver) Continue(ctx context.Context, ts TimeStep, state PolicyState, maxSteps int, policy Policy, observer Observer) (TimeStep, PolicyState, error) {
	for i := 0; i < maxSteps; i++ {
		if ts.StepType == Last {
			ts = Restart(ts.Observation)
			state = policy.InitialState(1)
		}

		step, err := policy.Action(ctx, ts, state)
		if err != nil {
			return ts, state, fmt.Errorf("policy failed: %w", err)
		}

		res, err := d.env.Step(ctx, step.Action)
		if err != nil {
			return ts, state, fmt.Errorf("step %d failed: %w", i+1, err)
		}

		next := TimeStep{
			StepType:    Mid,
			Reward:      res.Reward,
			Discount:    1,
			Observation: res.Observation,
		}
		if res.Terminated {
			next.StepType = Last
			next.Discount = 0
		} else if res.Truncated {
			next.StepType = Last
		}

		if observer != nil {
			if err := observer.Observe(ctx, FromTransition(ts, step, next)); err != nil {
				return ts, state, fmt.Errorf("observer failed: %w", err)
			}
		}

		d.logger.Debug("transition", "step_type", ts.StepType.String(), "action", step.Action.String(), "next", next.StepType.String(), "reward", next.Reward)
		ts, state = next, step.State
	}
	return ts, state, nil
}
