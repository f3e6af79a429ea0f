package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StepsTotal counts environment steps by outcome (ok, apply_error, observe_error).
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fonpr",
			Name:      "env_steps_total",
			Help:      "Total number of environment steps by outcome",
		},
		[]string{"outcome"},
	)

	// ActionTaken counts actions chosen by the policy.
	ActionTaken = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fonpr",
			Name:      "action_taken_total",
			Help:      "Total number of actions chosen, by action",
		},
		[]string{"action"},
	)

	// StepReward tracks the most recent reward.
	StepReward = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fonpr",
			Name:      "step_reward_usd",
			Help:      "Reward of the most recent step (revenue minus cost, USD)",
		},
	)

	// StepRevenue and StepCost break the reward down.
	StepRevenue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fonpr",
			Name:      "step_revenue_usd",
			Help:      "Throughput revenue of the most recent step (USD per accounting unit)",
		},
	)
	StepCost = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fonpr",
			Name:      "step_cost_usd",
			Help:      "Apportioned infrastructure cost of the most recent step (USD per accounting unit)",
		},
	)

	// RequestedSize is 1 for the size most recently pushed, 0 for the others.
	RequestedSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fonpr",
			Name:      "requested_size",
			Help:      "Currently requested size (1=requested)",
		},
		[]string{"size"},
	)

	// ActiveFraction tracks the fraction of the last window each size was active.
	ActiveFraction = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fonpr",
			Name:      "active_fraction",
			Help:      "Fraction of the observation window each size was active",
		},
		[]string{"size"},
	)

	// TelemetrySkipped counts membership records dropped during aggregation.
	TelemetrySkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fonpr",
			Name:      "telemetry_skipped_total",
			Help:      "Membership records skipped during aggregation, by reason",
		},
		[]string{"reason"},
	)

	// ConfigPushes counts config repository pushes by result (pushed, unchanged, error, dry_run).
	ConfigPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fonpr",
			Name:      "config_pushes_total",
			Help:      "Config repository push attempts by result",
		},
		[]string{"result"},
	)

	// Truncations counts soft episode boundaries.
	Truncations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fonpr",
			Name:      "truncations_total",
			Help:      "Total number of truncated steps",
		},
	)

	// InferenceLatency tracks policy inference duration.
	InferenceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fonpr",
			Name:      "inference_latency_seconds",
			Help:      "Latency of policy inference",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"policy"},
	)

	// StepDuration tracks the wall time of a full step including dwell.
	StepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fonpr",
			Name:      "step_duration_seconds",
			Help:      "Duration of a complete environment step",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	// ReplaySize tracks the number of trajectories held in the replay buffer.
	ReplaySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fonpr",
			Name:      "replay_buffer_size",
			Help:      "Number of trajectories in the replay buffer",
		},
	)

	// SinkBatches counts remote experience sink uploads by result.
	SinkBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fonpr",
			Name:      "sink_batches_total",
			Help:      "Experience batches posted to the remote sink, by result",
		},
		[]string{"result"},
	)
)

// RecordReward publishes a step's reward breakdown.
func RecordReward(revenue, cost float64) {
	StepRevenue.Set(revenue)
	StepCost.Set(cost)
	StepReward.Set(revenue - cost)
}

// RecordRequestedSize marks size as the requested one among sizes.
func RecordRequestedSize(sizes []string, size string) {
	for _, s := range sizes {
		if s == size {
			RequestedSize.WithLabelValues(s).Set(1)
		} else {
			RequestedSize.WithLabelValues(s).Set(0)
		}
	}
}
