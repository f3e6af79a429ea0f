package policy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/fonpr/fonpr-agent/internal/action"
	"github.com/fonpr/fonpr-agent/internal/driver"
	"github.com/fonpr/fonpr-agent/internal/metrics"
)

// Rule takes Action when When evaluates true.
type Rule struct {
	When   string
	Action action.Action
}

// RulesConfig configures a RulePolicy.
type RulesConfig struct {
	Rules []Rule
	Sizes []action.Size
	// Requested reports the size last requested by the effector, if any.
	Requested func() (action.Size, bool)
	Logger    *slog.Logger
}

type compiledRule struct {
	source     string
	expression *govaluate.EvaluableExpression
	action     action.Action
}

// RulePolicy evaluates ordered expressions over the observation. The first
// rule that evaluates true picks the action; if none does the policy holds.
//
// Variables available to expressions:
//
//	throughput_total        bytes moved over the window
//	throughput_rate         bytes per second over the window
//	active_<instance type>  fraction of the window the size was running
//	requested_<size id>     1 if the size was last requested, else 0
//
// Non-identifier characters in names become underscores (m4.xlarge -> m4_xlarge).
type RulePolicy struct {
	rules     []compiledRule
	sizes     []action.Size
	requested func() (action.Size, bool)
	logger    *slog.Logger
}

// NewRulePolicy compiles every rule.
func NewRulePolicy(cfg RulesConfig) (*RulePolicy, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := checkVariableNames(cfg.Sizes); err != nil {
		return nil, err
	}
	p := &RulePolicy{sizes: cfg.Sizes, requested: cfg.Requested, logger: logger}

	for i, r := range cfg.Rules {
		if int(r.Action) < 0 || int(r.Action) > len(cfg.Sizes) {
			return nil, fmt.Errorf("rule %d: action %d out of range", i, r.Action)
		}
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(r.When, ruleFunctions)
		if err != nil {
			return nil, fmt.Errorf("rule %d: parse %q: %w", i, r.When, err)
		}
		p.rules = append(p.rules, compiledRule{source: r.When, expression: expr, action: r.Action})
	}
	return p, nil
}

// InitialState implements driver.Policy.
func (p *RulePolicy) InitialState(int) driver.PolicyState { return nil }

// Action implements driver.Policy.
func (p *RulePolicy) Action(ctx context.Context, ts driver.TimeStep, state driver.PolicyState) (driver.PolicyStep, error) {
	start := time.Now()
	defer func() {
		metrics.InferenceLatency.WithLabelValues("rules").Observe(time.Since(start).Seconds())
	}()

	params := p.variables(ts)
	for i, r := range p.rules {
		result, err := r.expression.Evaluate(params)
		if err != nil {
			return driver.PolicyStep{}, fmt.Errorf("rule %d (%s): %w", i, r.source, err)
		}
		matched, ok := result.(bool)
		if !ok {
			return driver.PolicyStep{}, fmt.Errorf("rule %d (%s): evaluated to %T, want bool", i, r.source, result)
		}
		if matched {
			p.logger.Debug("rule matched", "rule", r.source, "action", r.action.String())
			return driver.PolicyStep{
				Action: r.action,
				State:  state,
				Info:   map[string]float64{"rule": float64(i)},
			}, nil
		}
	}
	return driver.PolicyStep{Action: action.NoOp, State: state, Info: map[string]float64{"rule": -1}}, nil
}

func (p *RulePolicy) variables(ts driver.TimeStep) map[string]interface{} {
	obs := ts.Observation
	total := obs.ThroughputTotal()
	rate := 0.0
	if span := obs.Span().Seconds(); span > 0 {
		rate = total / span
	}

	params := map[string]interface{}{
		"throughput_total": total,
		"throughput_rate":  rate,
	}
	for _, s := range obs.Sizes {
		f, _ := obs.ActiveFraction(s)
		params["active_"+VariableName(s)] = f
	}

	current, haveCurrent := action.Size{}, false
	if p.requested != nil {
		current, haveCurrent = p.requested()
	}
	for _, s := range p.sizes {
		v := 0.0
		if haveCurrent && current.ID == s.ID {
			v = 1
		}
		params["requested_"+VariableName(s.ID)] = v
		if _, ok := params["active_"+VariableName(s.InstanceType)]; !ok {
			params["active_"+VariableName(s.InstanceType)] = 0.0
		}
	}
	return params
}

// checkVariableNames rejects catalogs where two distinct names map to the
// same active_ or requested_ variable.
func checkVariableNames(sizes []action.Size) error {
	seen := map[string]string{}
	claim := func(prefix, name string) error {
		v := prefix + VariableName(name)
		if prev, ok := seen[v]; ok && prev != name {
			return fmt.Errorf("sizes %q and %q share rule variable %s", prev, name, v)
		}
		seen[v] = name
		return nil
	}
	for _, s := range sizes {
		if err := claim("active_", s.InstanceType); err != nil {
			return err
		}
		if err := claim("requested_", s.ID); err != nil {
			return err
		}
	}
	return nil
}

// VariableName maps a size name to an expression identifier.
func VariableName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

var ruleFunctions = map[string]govaluate.ExpressionFunction{
	"min": func(args ...interface{}) (interface{}, error) {
		a, b, err := twoFloats(args)
		if err != nil {
			return nil, err
		}
		return math.Min(a, b), nil
	},
	"max": func(args ...interface{}) (interface{}, error) {
		a, b, err := twoFloats(args)
		if err != nil {
			return nil, err
		}
		return math.Max(a, b), nil
	},
	"gb": func(args ...interface{}) (interface{}, error) {
		v, err := toFloat(args, 0)
		if err != nil {
			return nil, err
		}
		return v / 1e9, nil
	},
}

func twoFloats(args []interface{}) (float64, float64, error) {
	a, err := toFloat(args, 0)
	if err != nil {
		return 0, 0, err
	}
	b, err := toFloat(args, 1)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func toFloat(args []interface{}, idx int) (float64, error) {
	if len(args) <= idx {
		return 0, fmt.Errorf("missing argument %d", idx)
	}
	switch v := args[idx].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("unsupported argument type %T", args[idx])
	}
}
