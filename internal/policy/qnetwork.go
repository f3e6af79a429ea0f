package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/fonpr/fonpr-agent/internal/action"
	"github.com/fonpr/fonpr-agent/internal/driver"
	"github.com/fonpr/fonpr-agent/internal/metrics"
)

const (
	// ObservationInput is the model input name, shaped [1, samples, features].
	ObservationInput = "observation"
	// QValuesOutput is the model output name, shaped [1, num_actions].
	QValuesOutput = "q_values"
)

// QNetwork scores every action for one observation.
type QNetwork interface {
	QValues(ctx context.Context, observation []float32, samples, features int) ([]float32, error)
}

// QPolicy acts greedily on a QNetwork.
type QPolicy struct {
	net        QNetwork
	numActions int
	label      string
	logger     *slog.Logger
}

// NewQPolicy returns a greedy policy over net. label tags latency metrics.
func NewQPolicy(net QNetwork, numActions int, label string, logger *slog.Logger) (*QPolicy, error) {
	if net == nil {
		return nil, fmt.Errorf("q-network is required")
	}
	if numActions < 1 {
		return nil, fmt.Errorf("numActions must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QPolicy{net: net, numActions: numActions, label: label, logger: logger}, nil
}

// InitialState implements driver.Policy.
func (p *QPolicy) InitialState(int) driver.PolicyState { return nil }

// Action implements driver.Policy.
func (p *QPolicy) Action(ctx context.Context, ts driver.TimeStep, state driver.PolicyState) (driver.PolicyStep, error) {
	samples, features := ts.Observation.Shape()

	start := time.Now()
	q, err := p.net.QValues(ctx, ts.Observation.Matrix(), samples, features)
	metrics.InferenceLatency.WithLabelValues(p.label).Observe(time.Since(start).Seconds())
	if err != nil {
		return driver.PolicyStep{}, fmt.Errorf("q-network inference failed: %w", err)
	}
	if len(q) < p.numActions {
		return driver.PolicyStep{}, fmt.Errorf("q-network returned %d values for %d actions", len(q), p.numActions)
	}

	best := 0
	for i := 1; i < p.numActions; i++ {
		if q[i] > q[best] {
			best = i
		}
	}
	a := action.Action(best)

	p.logger.Debug("q-network action", "action", a.String(), "q", q[best])
	return driver.PolicyStep{
		Action: a,
		State:  state,
		Info:   map[string]float64{"q": float64(q[best])},
	}, nil
}

// ONNXQNetwork runs a Q-network exported to ONNX.
type ONNXQNetwork struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

// ONNXConfig configures an ONNXQNetwork.
type ONNXConfig struct {
	ModelPath string
	// ManifestPath, if set, must list a matching SHA-256 for the model.
	ManifestPath string
	// SharedLibraryPath overrides onnxruntime library discovery.
	SharedLibraryPath string
	Logger            *slog.Logger
}

// NewONNXQNetwork initializes the ONNX runtime if needed and loads the model.
func NewONNXQNetwork(cfg ONNXConfig) (*ONNXQNetwork, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.ManifestPath != "" {
		if err := VerifyManifest(cfg.ManifestPath, cfg.ModelPath); err != nil {
			return nil, fmt.Errorf("model verification failed: %w", err)
		}
	}

	if !ort.IsInitialized() {
		lib := sharedLibraryPath(cfg.SharedLibraryPath)
		ort.SetSharedLibraryPath(lib)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize onnxruntime from %s: %w", lib, err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, []string{ObservationInput}, []string{QValuesOutput}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", cfg.ModelPath, err)
	}
	logger.Info("loaded q-network", "model", cfg.ModelPath, "verified", cfg.ManifestPath != "")
	return &ONNXQNetwork{session: session}, nil
}

// QValues implements QNetwork.
func (n *ONNXQNetwork) QValues(ctx context.Context, observation []float32, samples, features int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	input, err := ort.NewTensor(ort.NewShape(1, int64(samples), int64(features)), observation)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	n.mu.Lock()
	defer n.mu.Unlock()

	outputs := []ort.Value{nil}
	if err := n.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer outputs[0].Destroy()

	q, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T for %s", outputs[0], QValuesOutput)
	}
	return append([]float32(nil), q.GetData()...), nil
}

// Close releases the session.
func (n *ONNXQNetwork) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.session == nil {
		return nil
	}
	err := n.session.Destroy()
	n.session = nil
	return err
}

// sharedLibraryPath returns the first existing onnxruntime library among the
// override, $ORT_SHARED_LIBRARY_PATH and common install locations, or the
// bare library name for the dynamic loader to resolve.
func sharedLibraryPath(override string) string {
	candidates := []string{override, os.Getenv("ORT_SHARED_LIBRARY_PATH")}
	candidates = append(candidates,
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.dylib",
	)
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "onnxruntime"
}
