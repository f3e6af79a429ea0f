// Package telemetry turns irregular Prometheus series into fixed-shape observations.
//
// One range query yields the primary throughput counter; a second yields pod
// membership series which are mapped pod -> node -> instance type -> catalog
// column. Both are resampled onto a common grid of period 60s/sampleRate.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fonpr/fonpr-agent/internal/metrics"
)

var (
	// ErrNoPrimarySeries is returned when the throughput query yields no samples.
	// No stand-in value exists, so the step that needed the observation fails.
	ErrNoPrimarySeries = errors.New("telemetry: primary throughput series absent")

	// ErrUnknownNode is returned by node sizers that cannot resolve a node.
	ErrUnknownNode = errors.New("telemetry: node has no instance type")
)

// RangeQuerier is the metrics backend read used by the aggregator.
type RangeQuerier interface {
	QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]metrics.Series, error)
}

// Config configures an Aggregator.
type Config struct {
	WindowMinutes int
	SampleRate    int
	// QueryStep is the raw resolution requested from the backend. Defaults to the resample period.
	QueryStep       time.Duration
	ThroughputQuery string
	PodQuery        string
	// Sizes are the catalog instance types, in column order.
	Sizes []string

	// NodeDomain completes node names derived from a host_ip label.
	NodeDomain string

	Querier   RangeQuerier
	NodeSizer NodeSizer
	Logger    *slog.Logger
	Now       func() time.Time
}

// Aggregator builds observations from the metrics backend.
// Not safe for concurrent use.
type Aggregator struct {
	window     time.Duration
	period     time.Duration
	samples    int
	step       time.Duration
	throughput string
	pods       string
	sizes      []string
	column     map[string]int
	nodeDomain string

	querier RangeQuerier
	sizer   NodeSizer
	logger  *slog.Logger
	now     func() time.Time
}

// NewAggregator validates cfg and returns an Aggregator.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.WindowMinutes <= 0 || cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("window and sample rate must be positive, got %d and %d", cfg.WindowMinutes, cfg.SampleRate)
	}
	if cfg.Querier == nil {
		return nil, fmt.Errorf("querier is required")
	}
	if cfg.ThroughputQuery == "" {
		return nil, fmt.Errorf("throughput query is required")
	}
	if cfg.PodQuery != "" && cfg.NodeSizer == nil {
		return nil, fmt.Errorf("node sizer is required when a pod query is set")
	}
	if len(cfg.Sizes) == 0 {
		return nil, fmt.Errorf("at least one size is required")
	}

	column := make(map[string]int, len(cfg.Sizes))
	for i, s := range cfg.Sizes {
		if _, dup := column[s]; dup {
			return nil, fmt.Errorf("duplicate size %s", s)
		}
		column[s] = i
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	period := time.Minute / time.Duration(cfg.SampleRate)
	step := cfg.QueryStep
	if step <= 0 {
		step = period
	}

	return &Aggregator{
		window:     time.Duration(cfg.WindowMinutes) * time.Minute,
		period:     period,
		samples:    cfg.WindowMinutes * cfg.SampleRate,
		step:       step,
		throughput: cfg.ThroughputQuery,
		pods:       cfg.PodQuery,
		sizes:      append([]string(nil), cfg.Sizes...),
		column:     column,
		nodeDomain: cfg.NodeDomain,
		querier:    cfg.Querier,
		sizer:      cfg.NodeSizer,
		logger:     logger,
		now:        now,
	}, nil
}

// Samples is the fixed row count of every observation.
func (a *Aggregator) Samples() int { return a.samples }

// Features is the fixed column count of every observation.
func (a *Aggregator) Features() int { return 1 + len(a.sizes) }

// Window is the observation window length.
func (a *Aggregator) Window() time.Duration { return a.window }

// Period is the resample period.
func (a *Aggregator) Period() time.Duration { return a.period }

// Sizes returns the catalog instance types in column order.
func (a *Aggregator) Sizes() []string { return append([]string(nil), a.sizes...) }

// Observe reads the last window of telemetry and returns a fixed-shape observation.
func (a *Aggregator) Observe(ctx context.Context) (Observation, error) {
	end := a.now()
	start := end.Add(-a.window)

	primary, err := a.querier.QueryRange(ctx, a.throughput, start, end, a.step)
	if err != nil {
		return Observation{}, fmt.Errorf("failed to query throughput: %w", err)
	}
	throughput := mergePrimary(primary)
	if len(throughput) == 0 {
		return Observation{}, ErrNoPrimarySeries
	}

	var members []membership
	if a.pods != "" {
		podSeries, err := a.querier.QueryRange(ctx, a.pods, start, end, a.step)
		switch {
		case err != nil && ctx.Err() != nil:
			return Observation{}, fmt.Errorf("failed to query pods: %w", err)
		case err != nil:
			a.logger.Warn("pod membership query failed; indicator columns zero-filled", "error", err)
			metrics.TelemetrySkipped.WithLabelValues("query_error").Inc()
		default:
			members = a.resolve(ctx, podSeries)
		}
	}

	return a.assemble(throughput, members), nil
}

// membership is one pod series resolved to a catalog column.
type membership struct {
	pod     string
	column  int
	samples []metrics.Sample
}

// resolve maps pod series to catalog columns, skipping records it cannot place.
func (a *Aggregator) resolve(ctx context.Context, series []metrics.Series) []membership {
	out := make([]membership, 0, len(series))
	for _, s := range series {
		pod := s.Labels["pod"]
		if pod == "" {
			a.skip("missing_label", "pod membership record without pod label", "labels", s.Labels)
			continue
		}
		samples := finite(s.Samples)
		if len(samples) == 0 {
			a.skip("empty", "pod membership series has no samples", "pod", pod)
			continue
		}
		node := a.nodeName(s.Labels)
		if node == "" {
			a.skip("missing_label", "pod membership record without node or host_ip label", "pod", pod)
			continue
		}
		instanceType, err := a.sizer.InstanceType(ctx, node)
		if err != nil {
			a.skip("unknown_node", "cannot resolve node instance type", "pod", pod, "node", node, "error", err)
			continue
		}
		col, ok := a.column[instanceType]
		if !ok {
			a.skip("uncatalogued", "node instance type not in sizing catalog", "pod", pod, "node", node, "instance_type", instanceType)
			continue
		}
		out = append(out, membership{pod: pod, column: col, samples: samples})
	}
	return out
}

func (a *Aggregator) skip(reason, msg string, args ...any) {
	metrics.TelemetrySkipped.WithLabelValues(reason).Inc()
	a.logger.Warn(msg, args...)
}

// nodeName prefers the node label and falls back to the EC2 private DNS name
// derived from host_ip.
func (a *Aggregator) nodeName(labels map[string]string) string {
	if node := labels["node"]; node != "" {
		return node
	}
	if ip := labels["host_ip"]; ip != "" {
		return NodeNameFromHostIP(ip, a.nodeDomain)
	}
	return ""
}

// NodeNameFromHostIP returns the EC2 private DNS name for ip, e.g.
// 10.0.1.5 -> ip-10-0-1-5.ec2.internal.
func NodeNameFromHostIP(ip, domain string) string {
	if domain == "" {
		domain = "ec2.internal"
	}
	return "ip-" + strings.ReplaceAll(ip, ".", "-") + "." + domain
}

// assemble resamples, joins and pads into exactly a.samples rows.
// throughput must be non-empty.
func (a *Aggregator) assemble(throughput []metrics.Sample, members []membership) Observation {
	p := a.period.Nanoseconds()

	// Normalize to the first sample, then mean-reduce into buckets.
	origin := throughput[0].Value
	primary := make(map[int64]*meanAcc)
	for _, s := range throughput {
		k := bucketOf(s.Time, p)
		acc, ok := primary[k]
		if !ok {
			acc = &meanAcc{}
			primary[k] = acc
		}
		acc.add(s.Value - origin)
	}
	keys := make([]int64, 0, len(primary))
	for k := range primary {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	first, last := keys[0], keys[len(keys)-1]
	n := int(last-first) + 1

	known := make([]float64, n)
	present := make([]bool, n)
	for k, acc := range primary {
		known[k-first] = acc.mean()
		present[k-first] = true
	}
	thr := interpolate(known, present, false)

	// Join each membership series onto the grid by bucket key; pods sharing a
	// column combine with max.
	cols := make([][]float64, len(a.sizes))
	colPresent := make([][]bool, len(a.sizes))
	for i := range cols {
		cols[i] = make([]float64, n)
		colPresent[i] = make([]bool, n)
	}
	for _, m := range members {
		buckets := make(map[int64]*meanAcc)
		for _, s := range m.samples {
			k := bucketOf(s.Time, p)
			if k < first || k > last {
				continue
			}
			acc, ok := buckets[k]
			if !ok {
				acc = &meanAcc{}
				buckets[k] = acc
			}
			acc.add(s.Value)
		}
		for k, acc := range buckets {
			i := int(k - first)
			v := acc.mean()
			if !colPresent[m.column][i] || v > cols[m.column][i] {
				cols[m.column][i] = v
			}
			colPresent[m.column][i] = true
		}
	}
	for c := range cols {
		cols[c] = interpolate(cols[c], colPresent[c], true)
	}

	rows := make([]Row, 0, a.samples)
	start := 0
	if n > a.samples {
		start = n - a.samples
	}
	for i := start; i < n; i++ {
		active := make([]float64, len(a.sizes))
		for c := range cols {
			active[c] = cols[c][i]
		}
		rows = append(rows, Row{
			Time:       time.Unix(0, (first+int64(i))*p).UTC(),
			Throughput: thr[i],
			Active:     active,
		})
	}

	// Pad backward by duplicating the earliest row.
	if missing := a.samples - len(rows); missing > 0 {
		head := rows[0]
		padded := make([]Row, 0, a.samples)
		for i := missing; i > 0; i-- {
			padded = append(padded, Row{
				Time:       head.Time.Add(-time.Duration(i) * a.period),
				Throughput: head.Throughput,
				Active:     append([]float64(nil), head.Active...),
			})
		}
		rows = append(padded, rows...)
	}

	return Observation{Sizes: a.Sizes(), Rows: rows}
}

// mergePrimary sums all primary series sample-wise by timestamp and drops
// non-finite values.
func mergePrimary(series []metrics.Series) []metrics.Sample {
	sums := make(map[int64]float64)
	for _, s := range series {
		for _, smp := range finite(s.Samples) {
			sums[smp.Time.UnixNano()] += smp.Value
		}
	}
	out := make([]metrics.Sample, 0, len(sums))
	for ts, v := range sums {
		out = append(out, metrics.Sample{Time: time.Unix(0, ts).UTC(), Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

func finite(in []metrics.Sample) []metrics.Sample {
	out := make([]metrics.Sample, 0, len(in))
	for _, s := range in {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// bucketOf returns floor(t / period) for period in nanoseconds.
func bucketOf(t time.Time, period int64) int64 {
	ns := t.UnixNano()
	k := ns / period
	if ns%period < 0 {
		k--
	}
	return k
}

type meanAcc struct {
	sum   float64
	count int
}

func (m *meanAcc) add(v float64) {
	m.sum += v
	m.count++
}

func (m *meanAcc) mean() float64 {
	return m.sum / float64(m.count)
}

// interpolate fills interior gaps linearly between the nearest known values.
// Leading and trailing gaps take the nearest known value, or zero when
// zeroEdges is set; an all-missing input stays zero.
func interpolate(values []float64, present []bool, zeroEdges bool) []float64 {
	out := make([]float64, len(values))
	prev := -1
	for i := range values {
		if !present[i] {
			continue
		}
		out[i] = values[i]
		if prev >= 0 && i-prev > 1 {
			span := float64(i - prev)
			for j := prev + 1; j < i; j++ {
				frac := float64(j-prev) / span
				out[j] = values[prev] + (values[i]-values[prev])*frac
			}
		}
		if prev < 0 && !zeroEdges {
			for j := 0; j < i; j++ {
				out[j] = values[i]
			}
		}
		prev = i
	}
	if prev >= 0 && !zeroEdges {
		for j := prev + 1; j < len(out); j++ {
			out[j] = values[prev]
		}
	}
	return out
}
