package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/fonpr/fonpr-agent/internal/config"
	"github.com/fonpr/fonpr-agent/internal/driver"
	"github.com/fonpr/fonpr-agent/internal/policy"
)

const defaultPausePoll = 30 * time.Second

// driveRunner is the driver surface the loop needs.
type driveRunner interface {
	Drive(ctx context.Context, maxSteps int, p driver.Policy, o driver.Observer) (driver.TimeStep, driver.PolicyState, error)
	Continue(ctx context.Context, ts driver.TimeStep, state driver.PolicyState, maxSteps int, p driver.Policy, o driver.Observer) (driver.TimeStep, driver.PolicyState, error)
}

// agentLoop chains drives, reloading the runtime config before each one.
// A failed drive is logged and the next drive starts from a fresh
// observation after retryDelay.
type agentLoop struct {
	driver      driveRunner
	explorer    *policy.EpsilonGreedy
	observer    driver.Observer
	steps       int
	maxDrives   int // zero runs until ctx is done
	retryDelay  time.Duration
	pausePoll   time.Duration
	loadRuntime func() *config.RuntimeConfig
	logger      *slog.Logger

	baseEpsilon float64
	sleep       func(ctx context.Context, d time.Duration) error
}

func (l *agentLoop) run(ctx context.Context) error {
	if l.sleep == nil {
		l.sleep = wait
	}
	if l.pausePoll <= 0 {
		l.pausePoll = defaultPausePoll
	}
	l.baseEpsilon = l.explorer.Epsilon()

	var (
		ts      driver.TimeStep
		state   driver.PolicyState
		started bool
	)
	for drives := 0; l.maxDrives <= 0 || drives < l.maxDrives; {
		if err := ctx.Err(); err != nil {
			return err
		}

		rt := l.loadRuntime()
		if rt.Paused {
			l.logger.Info("agent paused by runtime config")
			if err := l.sleep(ctx, l.pausePoll); err != nil {
				return err
			}
			continue
		}
		p, steps := l.policyFor(rt)

		var err error
		if started {
			ts, state, err = l.driver.Continue(ctx, ts, state, steps, p, l.observer)
		} else {
			ts, state, err = l.driver.Drive(ctx, steps, p, l.observer)
		}
		drives++

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("drive failed, restarting from a fresh observation", "error", err, "retry_in", l.retryDelay)
			started = false
			if err := l.sleep(ctx, l.retryDelay); err != nil {
				return err
			}
			continue
		}
		started = true
	}
	return nil
}

// policyFor applies the runtime overrides and returns the policy and step
// count for the next drive.
func (l *agentLoop) policyFor(rt *config.RuntimeConfig) (driver.Policy, int) {
	steps := rt.Steps(l.steps)
	if rt.Holding() {
		return policy.NoOp(), steps
	}
	if rt.Epsilon != nil {
		l.explorer.SetEpsilon(*rt.Epsilon)
	} else {
		l.explorer.SetEpsilon(l.baseEpsilon)
	}
	return l.explorer, steps
}

func wait(ctx context.Context, d time.Duration) error {
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
