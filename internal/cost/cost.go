// Package cost maps instance types to hourly dollar rates.
package cost

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrNegativeRate is returned when a rate below zero is supplied.
var ErrNegativeRate = errors.New("cost: negative hourly rate")

// ErrNotOffered is returned when a rate source does not offer an instance type.
var ErrNotOffered = errors.New("cost: instance type not offered")

// UnknownSizeError is returned when a size has no entry in the table.
// Callers must treat it as fatal; a defaulted cost would corrupt the reward.
type UnknownSizeError struct {
	Size string
}

func (e *UnknownSizeError) Error() string {
	return fmt.Sprintf("cost: unknown size %q", e.Size)
}

// defaultRates are EC2 on-demand Linux rates (us-east-1) in USD/hour.
var defaultRates = map[string]string{
	"t2.micro":   "0.0116",
	"m4.large":   "0.10",
	"t3.medium":  "0.0416",
	"m4.xlarge":  "0.20",
	"m4.2xlarge": "0.40",
}

// Table is an immutable instance type to USD/hour mapping.
type Table struct {
	rates map[string]decimal.Decimal
}

// NewTable builds a table from float rates.
func NewTable(rates map[string]float64) (*Table, error) {
	t := &Table{rates: make(map[string]decimal.Decimal, len(rates))}
	for size, rate := range rates {
		if rate < 0 {
			return nil, fmt.Errorf("%w: %s=%v", ErrNegativeRate, size, rate)
		}
		t.rates[size] = decimal.NewFromFloat(rate)
	}
	return t, nil
}

// DefaultTable returns the built-in EC2 rate table.
func DefaultTable() *Table {
	t := &Table{rates: make(map[string]decimal.Decimal, len(defaultRates))}
	for size, rate := range defaultRates {
		t.rates[size] = decimal.RequireFromString(rate)
	}
	return t
}

// Merge returns a new table with overrides layered on top of t.
func (t *Table) Merge(overrides map[string]float64) (*Table, error) {
	extra, err := NewTable(overrides)
	if err != nil {
		return nil, err
	}
	out := &Table{rates: make(map[string]decimal.Decimal, len(t.rates)+len(extra.rates))}
	for k, v := range t.rates {
		out.rates[k] = v
	}
	for k, v := range extra.rates {
		out.rates[k] = v
	}
	return out, nil
}

// Rate returns the exact hourly rate for size.
func (t *Table) Rate(size string) (decimal.Decimal, error) {
	rate, ok := t.rates[size]
	if !ok {
		return decimal.Zero, &UnknownSizeError{Size: size}
	}
	return rate, nil
}

// HourlyRate returns the hourly rate for size in USD.
func (t *Table) HourlyRate(size string) (float64, error) {
	rate, err := t.Rate(size)
	if err != nil {
		return 0, err
	}
	f, _ := rate.Float64()
	return f, nil
}

// Has reports whether size has a rate.
func (t *Table) Has(size string) bool {
	_, ok := t.rates[size]
	return ok
}

// Sizes returns the known sizes in lexical order.
func (t *Table) Sizes() []string {
	out := make([]string, 0, len(t.rates))
	for k := range t.rates {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Check returns an UnknownSizeError for the first size missing from t.
func (t *Table) Check(sizes []string) error {
	for _, s := range sizes {
		if !t.Has(s) {
			return &UnknownSizeError{Size: s}
		}
	}
	return nil
}

// RateSource looks up a live hourly rate for an instance type.
type RateSource interface {
	HourlyRate(ctx context.Context, instanceType string) (float64, error)
}

// Offerings is implemented by rate sources that can list the types they sell.
type Offerings interface {
	ListMachineTypes(ctx context.Context) ([]string, error)
}

// FromSource builds a table by querying src once per instance type.
// Any lookup failure aborts construction. When src implements Offerings,
// every instance type must be offered before any rate is fetched.
func FromSource(ctx context.Context, src RateSource, instanceTypes []string) (*Table, error) {
	if o, ok := src.(Offerings); ok {
		if err := checkOffered(ctx, o, instanceTypes); err != nil {
			return nil, err
		}
	}
	rates := make(map[string]float64, len(instanceTypes))
	for _, it := range instanceTypes {
		rate, err := src.HourlyRate(ctx, it)
		if err != nil {
			return nil, fmt.Errorf("failed to get hourly rate for %s: %w", it, err)
		}
		rates[it] = rate
	}
	return NewTable(rates)
}

func checkOffered(ctx context.Context, o Offerings, instanceTypes []string) error {
	names, err := o.ListMachineTypes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list offered types: %w", err)
	}
	offered := make(map[string]bool, len(names))
	for _, n := range names {
		offered[n] = true
	}
	for _, it := range instanceTypes {
		if !offered[it] {
			return fmt.Errorf("%w: %s", ErrNotOffered, it)
		}
	}
	return nil
}
