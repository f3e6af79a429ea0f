package telemetry

import "time"

// Row is one resampled instant of the observation window.
// Active holds one indicator per catalog size, in catalog order.
type Row struct {
	Time       time.Time
	Throughput float64
	Active     []float64
}

// Observation is a fixed-shape (samples × features) matrix.
// Features are the window-relative throughput followed by one is-active column per size.
type Observation struct {
	Sizes []string
	Rows  []Row
}

// Shape returns (samples, features).
func (o Observation) Shape() (int, int) {
	return len(o.Rows), 1 + len(o.Sizes)
}

// Matrix returns the observation as row-major float32 values, the layout
// policies feed to inference.
func (o Observation) Matrix() []float32 {
	samples, features := o.Shape()
	out := make([]float32, 0, samples*features)
	for _, r := range o.Rows {
		out = append(out, float32(r.Throughput))
		for _, v := range r.Active {
			out = append(out, float32(v))
		}
	}
	return out
}

// ThroughputTotal is the bytes moved over the window: the last row of the
// normalized throughput column.
func (o Observation) ThroughputTotal() float64 {
	if len(o.Rows) == 0 {
		return 0
	}
	return o.Rows[len(o.Rows)-1].Throughput
}

// Span is the time covered by the rows.
func (o Observation) Span() time.Duration {
	if len(o.Rows) < 2 {
		return 0
	}
	return o.Rows[len(o.Rows)-1].Time.Sub(o.Rows[0].Time)
}

// ActiveFraction returns the mean of size's indicator column.
// ok is false if size is not a column.
func (o Observation) ActiveFraction(size string) (fraction float64, ok bool) {
	col := -1
	for i, s := range o.Sizes {
		if s == size {
			col = i
			break
		}
	}
	if col < 0 {
		return 0, false
	}
	if len(o.Rows) == 0 {
		return 0, true
	}
	var sum float64
	for _, r := range o.Rows {
		sum += r.Active[col]
	}
	return sum / float64(len(o.Rows)), true
}

// Latest returns the sizes whose indicator is set in the last row.
func (o Observation) Latest() []string {
	if len(o.Rows) == 0 {
		return nil
	}
	last := o.Rows[len(o.Rows)-1]
	var out []string
	for i, v := range last.Active {
		if v > 0 {
			out = append(out, o.Sizes[i])
		}
	}
	return out
}
