package policy

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/fonpr/fonpr-agent/internal/action"
	"github.com/fonpr/fonpr-agent/internal/driver"
)

// EpsilonGreedy takes a uniformly random action with probability epsilon and
// defers to the wrapped policy otherwise. The wrapped policy is always
// consulted so its state keeps advancing.
type EpsilonGreedy struct {
	policy     driver.Policy
	numActions int

	mu      sync.Mutex
	epsilon float64
	rng     *rand.Rand
}

// NewEpsilonGreedy wraps p. rng may be nil.
func NewEpsilonGreedy(p driver.Policy, numActions int, epsilon float64, rng *rand.Rand) (*EpsilonGreedy, error) {
	if p == nil {
		return nil, fmt.Errorf("policy is required")
	}
	if numActions < 1 {
		return nil, fmt.Errorf("numActions must be positive")
	}
	if epsilon < 0 || epsilon > 1 {
		return nil, fmt.Errorf("epsilon must be in [0, 1], got %v", epsilon)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &EpsilonGreedy{policy: p, numActions: numActions, epsilon: epsilon, rng: rng}, nil
}

// SetEpsilon changes the exploration rate; values are clamped to [0, 1].
func (e *EpsilonGreedy) SetEpsilon(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.epsilon = min(max(v, 0), 1)
}

// Epsilon returns the current exploration rate.
func (e *EpsilonGreedy) Epsilon() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epsilon
}

// InitialState implements driver.Policy.
func (e *EpsilonGreedy) InitialState(batchSize int) driver.PolicyState {
	return e.policy.InitialState(batchSize)
}

// Action implements driver.Policy.
func (e *EpsilonGreedy) Action(ctx context.Context, ts driver.TimeStep, state driver.PolicyState) (driver.PolicyStep, error) {
	step, err := e.policy.Action(ctx, ts, state)
	if err != nil {
		return driver.PolicyStep{}, err
	}

	e.mu.Lock()
	explore := e.rng.Float64() < e.epsilon
	var a action.Action
	if explore {
		a = action.Action(e.rng.IntN(e.numActions))
	}
	e.mu.Unlock()

	info := make(map[string]float64, len(step.Info)+1)
	for k, v := range step.Info {
		info[k] = v
	}
	info["explored"] = 0
	if explore {
		step.Action = a
		info["explored"] = 1
	}
	step.Info = info
	return step, nil
}
