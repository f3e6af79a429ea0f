// Package metrics provides a Prometheus query client and the agent's own metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ErrUnexpectedResult is returned when a query yields a value type that cannot be
// represented as series (e.g. a string result).
var ErrUnexpectedResult = errors.New("metrics: unexpected prometheus result type")

// Sample is one timestamped value.
type Sample struct {
	Time  time.Time
	Value float64
}

// Series is a labeled, time-ordered run of samples.
// Instant vectors produce single-sample series.
type Series struct {
	Labels  map[string]string
	Samples []Sample
}

// Client wraps the Prometheus API for range and instant queries.
type Client struct {
	api     v1.API
	timeout time.Duration
	logger  *slog.Logger
}

// ClientConfig holds configuration for the metrics client.
type ClientConfig struct {
	PrometheusURL string
	// Timeout bounds each query; zero leaves the caller's context as the only bound.
	Timeout time.Duration
	Logger  *slog.Logger
	// API is an optional Prometheus API client. If nil, one will be created from PrometheusURL.
	// Useful for testing.
	API v1.API
}

// NewClient creates a new Prometheus metrics client.
func NewClient(cfg ClientConfig) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var v1api v1.API
	if cfg.API != nil {
		v1api = cfg.API
	} else {
		if cfg.PrometheusURL == "" {
			return nil, fmt.Errorf("PrometheusURL is required")
		}

		client, err := api.NewClient(api.Config{
			Address: cfg.PrometheusURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus client: %w", err)
		}
		v1api = v1.NewAPI(client)
	}

	return &Client{
		api:     v1api,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// QueryRange evaluates query over [start, end] at the given resolution.
func (c *Client) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Series, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	result, warnings, err := c.api.QueryRange(ctx, query, v1.Range{Start: start, End: end, Step: step})
	if err != nil {
		return nil, fmt.Errorf("failed to query range %q: %w", query, err)
	}
	if len(warnings) > 0 {
		c.logger.Warn("prometheus query warnings", "query", query, "warnings", warnings)
	}

	return ToSeries(result)
}

// Query evaluates query at ts.
func (c *Client) Query(ctx context.Context, query string, ts time.Time) ([]Series, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	result, warnings, err := c.api.Query(ctx, query, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", query, err)
	}
	if len(warnings) > 0 {
		c.logger.Warn("prometheus query warnings", "query", query, "warnings", warnings)
	}

	return ToSeries(result)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// ToSeries flattens a Prometheus result into series with time-ordered samples.
func ToSeries(result model.Value) ([]Series, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case model.Matrix:
		out := make([]Series, 0, len(v))
		for _, stream := range v {
			samples := make([]Sample, 0, len(stream.Values))
			for _, p := range stream.Values {
				samples = append(samples, Sample{Time: p.Timestamp.Time(), Value: float64(p.Value)})
			}
			sort.Slice(samples, func(i, j int) bool { return samples[i].Time.Before(samples[j].Time) })
			out = append(out, Series{Labels: labelMap(stream.Metric), Samples: samples})
		}
		return out, nil
	case model.Vector:
		out := make([]Series, 0, len(v))
		for _, s := range v {
			out = append(out, Series{
				Labels:  labelMap(s.Metric),
				Samples: []Sample{{Time: s.Timestamp.Time(), Value: float64(s.Value)}},
			})
		}
		return out, nil
	case *model.Scalar:
		return []Series{{
			Labels:  map[string]string{},
			Samples: []Sample{{Time: v.Timestamp.Time(), Value: float64(v.Value)}},
		}}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedResult, result.Type())
	}
}

func labelMap(m model.Metric) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[string(k)] = string(v)
	}
	return out
}
