// Package reward scores an observation as revenue earned minus compute cost.
package reward

import (
	"fmt"
	"time"

	"github.com/fonpr/fonpr-agent/internal/metrics"
	"github.com/fonpr/fonpr-agent/internal/telemetry"
)

// CostTable is the hourly rate lookup the calculator needs.
type CostTable interface {
	HourlyRate(instanceType string) (float64, error)
}

// Config configures a Calculator.
type Config struct {
	// PricePerGigabyte is the revenue per 1e9 bytes moved.
	PricePerGigabyte float64
	// AccountingUnit is the period both revenue and cost are expressed over.
	AccountingUnit time.Duration
	// Window is the observation window the throughput total covers.
	Window time.Duration
	Costs  CostTable
}

// Calculator computes step rewards.
type Calculator struct {
	pricePerByte float64
	unit         time.Duration
	window       time.Duration
	costs        CostTable
}

// Breakdown is one step's reward and the terms it was computed from,
// all in USD per accounting unit.
type Breakdown struct {
	Revenue   float64
	Cost      float64
	Reward    float64
	Fractions map[string]float64
}

// NewCalculator validates cfg and returns a Calculator.
func NewCalculator(cfg Config) (*Calculator, error) {
	if cfg.PricePerGigabyte < 0 {
		return nil, fmt.Errorf("price per gigabyte must be >= 0, got %v", cfg.PricePerGigabyte)
	}
	if cfg.AccountingUnit <= 0 {
		return nil, fmt.Errorf("accounting unit must be positive")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}
	if cfg.Costs == nil {
		return nil, fmt.Errorf("cost table is required")
	}
	return &Calculator{
		pricePerByte: cfg.PricePerGigabyte / 1e9,
		unit:         cfg.AccountingUnit,
		window:       cfg.Window,
		costs:        cfg.Costs,
	}, nil
}

// Reward returns
//
//	throughput_total / window × price_per_byte × unit − Σ rate(size) × unit/1h × active_fraction(size)
//
// Throughput total is the window-relative byte delta. A size with no rate fails
// the whole computation rather than being priced at zero.
func (c *Calculator) Reward(obs telemetry.Observation) (Breakdown, error) {
	unitSeconds := c.unit.Seconds()
	revenue := obs.ThroughputTotal() / c.window.Seconds() * c.pricePerByte * unitSeconds

	hours := c.unit.Hours()
	fractions := make(map[string]float64, len(obs.Sizes))
	var cost float64
	for _, size := range obs.Sizes {
		frac, _ := obs.ActiveFraction(size)
		fractions[size] = frac
		rate, err := c.costs.HourlyRate(size)
		if err != nil {
			return Breakdown{}, fmt.Errorf("failed to price %s: %w", size, err)
		}
		cost += rate * hours * frac
	}

	for size, frac := range fractions {
		metrics.ActiveFraction.WithLabelValues(size).Set(frac)
	}
	metrics.RecordReward(revenue, cost)

	return Breakdown{
		Revenue:   revenue,
		Cost:      cost,
		Reward:    revenue - cost,
		Fractions: fractions,
	}, nil
}
