// Package policy provides action-selecting policies for the driver: fixed
// baselines, an expression rule set, a Q-network over ONNX, and an
// epsilon-greedy exploration wrapper.
package policy

import (
	"context"

	"github.com/fonpr/fonpr-agent/internal/action"
	"github.com/fonpr/fonpr-agent/internal/driver"
)

// Fixed always returns the same action.
type Fixed struct {
	A action.Action
}

// NoOp never changes the deployment.
func NoOp() Fixed { return Fixed{A: action.NoOp} }

// InitialState implements driver.Policy.
func (Fixed) InitialState(int) driver.PolicyState { return nil }

// Action implements driver.Policy.
func (f Fixed) Action(ctx context.Context, ts driver.TimeStep, state driver.PolicyState) (driver.PolicyStep, error) {
	return driver.PolicyStep{Action: f.A, State: state}, nil
}
