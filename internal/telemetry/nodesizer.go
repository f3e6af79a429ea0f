package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/fonpr/fonpr-agent/internal/metrics"
)

// NodeSizer resolves a node name to its instance type.
// Implementations return an error wrapping ErrUnknownNode when the node is not known.
type NodeSizer interface {
	InstanceType(ctx context.Context, node string) (string, error)
}

// InstantQuerier is the metrics backend instant read.
type InstantQuerier interface {
	Query(ctx context.Context, query string, ts time.Time) ([]metrics.Series, error)
}

// PrometheusNodeSizer reads the instance type from kube-state-metrics node labels.
type PrometheusNodeSizer struct {
	querier InstantQuerier
	// query is a format string with a single %q verb for the node name.
	query string
	label string
	now   func() time.Time
}

// NewPrometheusNodeSizer returns a sizer issuing fmt.Sprintf(query, node) and reading label.
func NewPrometheusNodeSizer(q InstantQuerier, query, label string) *PrometheusNodeSizer {
	return &PrometheusNodeSizer{querier: q, query: query, label: label, now: time.Now}
}

// InstanceType implements NodeSizer.
func (p *PrometheusNodeSizer) InstanceType(ctx context.Context, node string) (string, error) {
	series, err := p.querier.Query(ctx, fmt.Sprintf(p.query, node), p.now())
	if err != nil {
		return "", fmt.Errorf("failed to query node labels for %s: %w", node, err)
	}
	for _, s := range series {
		if it := s.Labels[p.label]; it != "" {
			return it, nil
		}
	}
	return "", fmt.Errorf("%w: %s has no %s label", ErrUnknownNode, node, p.label)
}

// KubeNodeSizer reads the well-known instance type label from the Node object.
type KubeNodeSizer struct {
	client kubernetes.Interface
}

// NewKubeNodeSizer returns a sizer backed by the Kubernetes API.
func NewKubeNodeSizer(client kubernetes.Interface) *KubeNodeSizer {
	return &KubeNodeSizer{client: client}
}

// InstanceType implements NodeSizer.
func (k *KubeNodeSizer) InstanceType(ctx context.Context, node string) (string, error) {
	n, err := k.client.CoreV1().Nodes().Get(ctx, node, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", fmt.Errorf("%w: node %s not found", ErrUnknownNode, node)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get node %s: %w", node, err)
	}
	if it := n.Labels[corev1.LabelInstanceTypeStable]; it != "" {
		return it, nil
	}
	if it := n.Labels[corev1.LabelInstanceType]; it != "" {
		return it, nil
	}
	return "", fmt.Errorf("%w: node %s has no instance type label", ErrUnknownNode, node)
}

// CachedNodeSizer memoizes successful lookups for a TTL.
// Failures are not cached so a node that appears later resolves on the next observation.
type CachedNodeSizer struct {
	next NodeSizer
	ttl  time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedType
}

type cachedType struct {
	instanceType string
	expires      time.Time
}

// NewCachedNodeSizer wraps next with a TTL cache.
func NewCachedNodeSizer(next NodeSizer, ttl time.Duration) *CachedNodeSizer {
	return &CachedNodeSizer{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedType),
	}
}

// InstanceType implements NodeSizer.
func (c *CachedNodeSizer) InstanceType(ctx context.Context, node string) (string, error) {
	c.mu.RLock()
	if e, ok := c.entries[node]; ok && c.now().Before(e.expires) {
		c.mu.RUnlock()
		return e.instanceType, nil
	}
	c.mu.RUnlock()

	it, err := c.next.InstanceType(ctx, node)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[node] = cachedType{instanceType: it, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return it, nil
}
