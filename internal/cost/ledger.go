package cost

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Ledger accumulates revenue and spend across steps.
type Ledger struct {
	mu      sync.Mutex
	revenue decimal.Decimal
	spend   decimal.Decimal
	entries int
}

// LedgerTotals is a snapshot of a Ledger.
type LedgerTotals struct {
	Revenue float64 `json:"revenue_usd"`
	Spend   float64 `json:"spend_usd"`
	Net     float64 `json:"net_usd"`
	Entries int     `json:"entries"`
}

// Record adds one step's revenue and spend.
func (l *Ledger) Record(revenue, spend float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revenue = l.revenue.Add(decimal.NewFromFloat(revenue))
	l.spend = l.spend.Add(decimal.NewFromFloat(spend))
	l.entries++
}

// Totals returns the accumulated amounts rounded to six decimal places.
func (l *Ledger) Totals() LedgerTotals {
	l.mu.Lock()
	defer l.mu.Unlock()
	rev, _ := l.revenue.Round(6).Float64()
	spend, _ := l.spend.Round(6).Float64()
	net, _ := l.revenue.Sub(l.spend).Round(6).Float64()
	return LedgerTotals{Revenue: rev, Spend: spend, Net: net, Entries: l.entries}
}
