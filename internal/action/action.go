// Package action turns discrete policy actions into config repository edits.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/fonpr/fonpr-agent/internal/configrepo"
	"github.com/fonpr/fonpr-agent/internal/metrics"
)

// ErrInvalidAction is returned for actions outside [0, NumActions).
var ErrInvalidAction = errors.New("action: out of range")

// Action indexes the action space: 0 keeps the current size, i >= 1 requests
// catalog entry i-1.
type Action int

// NoOp leaves the deployment untouched.
const NoOp Action = 0

// Resize returns the action requesting catalog entry index.
func Resize(index int) Action { return Action(index + 1) }

// IsNoOp reports whether a is the no-op action.
func (a Action) IsNoOp() bool { return a == NoOp }

func (a Action) String() string {
	if a == NoOp {
		return "noop"
	}
	return "resize_" + strconv.Itoa(int(a)-1)
}

// Size is one catalog entry.
type Size struct {
	// ID is written to the config repository.
	ID string
	// InstanceType keys the cost table and the telemetry columns.
	InstanceType string
	// Requests and Limits, when both set, make resizes write a resource block
	// instead of the size ID.
	Requests *configrepo.ResourceSpec
	Limits   *configrepo.ResourceSpec
}

// Pusher is the config repository write the effector needs.
type Pusher interface {
	ApplyAndPush(ctx context.Context, req configrepo.Request) error
}

// Config configures an Effector.
type Config struct {
	Sizes    []Size
	Resource string
	Pusher   Pusher
	Logger   *slog.Logger
}

// Effector applies actions. It owns the sizing state: the size most recently
// requested, which changes only after a successful push.
type Effector struct {
	sizes    []Size
	resource string
	pusher   Pusher
	logger   *slog.Logger

	mu        sync.RWMutex
	requested int // catalog index, -1 until the first successful resize
}

// NewEffector validates cfg and returns an Effector.
func NewEffector(cfg Config) (*Effector, error) {
	if len(cfg.Sizes) == 0 {
		return nil, fmt.Errorf("at least one size is required")
	}
	if cfg.Resource == "" {
		return nil, fmt.Errorf("resource is required")
	}
	if cfg.Pusher == nil {
		return nil, fmt.Errorf("pusher is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Effector{
		sizes:     append([]Size(nil), cfg.Sizes...),
		resource:  cfg.Resource,
		pusher:    cfg.Pusher,
		logger:    logger,
		requested: -1,
	}, nil
}

// NumActions is the size of the action space.
func (e *Effector) NumActions() int { return len(e.sizes) + 1 }

// Sizes returns the catalog.
func (e *Effector) Sizes() []Size { return append([]Size(nil), e.sizes...) }

// Validate returns ErrInvalidAction if a is outside the action space.
func (e *Effector) Validate(a Action) error {
	if a < 0 || int(a) >= e.NumActions() {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidAction, a, e.NumActions())
	}
	return nil
}

// Requested returns the most recently requested size, if any.
func (e *Effector) Requested() (Size, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.requested < 0 {
		return Size{}, false
	}
	return e.sizes[e.requested], true
}

// Apply submits a's change and returns once the config repository accepted
// it. It does not wait for the infrastructure to converge and does not retry.
func (e *Effector) Apply(ctx context.Context, a Action) error {
	if err := e.Validate(a); err != nil {
		return err
	}
	metrics.ActionTaken.WithLabelValues(a.String()).Inc()
	if a.IsNoOp() {
		e.logger.Debug("no-op action, leaving deployment unchanged")
		return nil
	}

	idx := int(a) - 1
	size := e.sizes[idx]
	req := e.request(size)

	e.logger.Info("requesting resize", "action", a.String(), "resource", e.resource, "size", size.ID, "instance_type", size.InstanceType)
	if err := e.pusher.ApplyAndPush(ctx, req); err != nil {
		return fmt.Errorf("failed to apply %s: %w", a, err)
	}

	e.mu.Lock()
	e.requested = idx
	e.mu.Unlock()

	ids := make([]string, len(e.sizes))
	for i, s := range e.sizes {
		ids[i] = s.ID
	}
	metrics.RecordRequestedSize(ids, size.ID)
	return nil
}

func (e *Effector) request(size Size) configrepo.Request {
	if size.Requests != nil && size.Limits != nil {
		return configrepo.LimitsRequest{
			Resource: e.resource,
			Requests: *size.Requests,
			Limits:   *size.Limits,
		}
	}
	return configrepo.ResizeRequest{Resource: e.resource, Size: size.ID}
}
