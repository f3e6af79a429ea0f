package replay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fonpr/fonpr-agent/internal/driver"
	"github.com/fonpr/fonpr-agent/internal/metrics"
	"github.com/fonpr/fonpr-agent/internal/telemetry"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Fonpr-Signature"

// Record is the wire form of one trajectory.
type Record struct {
	StepType        string             `json:"step_type"`
	Observation     Matrix             `json:"observation"`
	Action          int                `json:"action"`
	PolicyInfo      map[string]float64 `json:"policy_info,omitempty"`
	NextStepType    string             `json:"next_step_type"`
	Reward          float64            `json:"reward"`
	Discount        float64            `json:"discount"`
	NextObservation Matrix             `json:"next_observation"`
}

// Matrix is a row-major observation with its shape and time range.
type Matrix struct {
	Samples  int       `json:"samples"`
	Features int       `json:"features"`
	Sizes    []string  `json:"sizes"`
	Start    time.Time `json:"start"`
	Values   []float32 `json:"values"`
}

func toMatrix(o telemetry.Observation) Matrix {
	samples, features := o.Shape()
	m := Matrix{Samples: samples, Features: features, Sizes: o.Sizes, Values: o.Matrix()}
	if len(o.Rows) > 0 {
		m.Start = o.Rows[0].Time
	}
	return m
}

// NewRecord converts a trajectory to its wire form.
func NewRecord(t driver.Trajectory) Record {
	return Record{
		StepType:        t.StepType.String(),
		Observation:     toMatrix(t.Observation),
		Action:          int(t.Action),
		PolicyInfo:      t.PolicyInfo,
		NextStepType:    t.NextStepType.String(),
		Reward:          t.Reward,
		Discount:        t.Discount,
		NextObservation: toMatrix(t.NextObservation),
	}
}

// Batch is one POST body.
type Batch struct {
	AgentID string    `json:"agent_id"`
	SentAt  time.Time `json:"sent_at"`
	Records []Record  `json:"records"`
}

// SinkConfig configures an HTTPSink.
type SinkConfig struct {
	Endpoint   string
	SigningKey string
	AgentID    string
	BatchSize  int
	DryRun     bool
	Logger     *slog.Logger
}

// HTTPSink batches trajectories and POSTs them as signed JSON. A batch is
// sent when it reaches BatchSize or on Flush/Close. A failed batch is
// dropped; the control loop never blocks on the sink.
type HTTPSink struct {
	endpoint  string
	key       []byte
	agentID   string
	batchSize int
	dryRun    bool
	logger    *slog.Logger
	client    *http.Client
	now       func() time.Time

	mu      sync.Mutex
	pending []Record
}

// NewHTTPSink returns a sink posting to cfg.Endpoint.
func NewHTTPSink(cfg SinkConfig) (*HTTPSink, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("sink endpoint is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPSink{
		endpoint:  cfg.Endpoint,
		key:       []byte(cfg.SigningKey),
		agentID:   cfg.AgentID,
		batchSize: cfg.BatchSize,
		dryRun:    cfg.DryRun,
		logger:    cfg.Logger,
		client:    &http.Client{Timeout: 10 * time.Second},
		now:       time.Now,
	}, nil
}

// Observe implements driver.Observer. Send failures are logged, not returned.
func (s *HTTPSink) Observe(ctx context.Context, t driver.Trajectory) error {
	s.mu.Lock()
	s.pending = append(s.pending, NewRecord(t))
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		if err := s.Flush(ctx); err != nil {
			s.logger.Warn("dropped experience batch", "error", err)
		}
	}
	return nil
}

// Flush sends any pending records.
func (s *HTTPSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	records := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(records) == 0 {
		return nil
	}
	err := s.send(ctx, Batch{AgentID: s.agentID, SentAt: s.now().UTC(), Records: records})
	switch {
	case err != nil:
		metrics.SinkBatches.WithLabelValues("error").Inc()
	case s.dryRun:
		metrics.SinkBatches.WithLabelValues("dry_run").Inc()
	default:
		metrics.SinkBatches.WithLabelValues("sent").Inc()
	}
	return err
}

// Close flushes pending records.
func (s *HTTPSink) Close(ctx context.Context) error {
	return s.Flush(ctx)
}

func (s *HTTPSink) send(ctx context.Context, batch Batch) error {
	if s.dryRun {
		s.logger.Info("DRY-RUN: would send experience batch",
			"records", len(batch.Records),
			"endpoint", s.endpoint,
		)
		return nil
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(s.key) > 0 {
		req.Header.Set(SignatureHeader, Sign(s.key, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("experience sink returned status %d", resp.StatusCode)
	}

	s.logger.Debug("experience batch sent", "records", len(batch.Records))
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under key.
func Sign(key, body []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches body under key.
func Verify(key, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(key, body)), []byte(signature))
}
