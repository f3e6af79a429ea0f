// Package configrepo reads and writes the deployment values document that
// the cluster's delivery pipeline reconciles from.
//
// The agent never talks to the cloud control plane directly: a resize is a
// committed edit to a values file, and the physical change follows later.
package configrepo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fonpr/fonpr-agent/internal/metrics"
)

// Document is one fetched revision of the values file.
// SHA identifies the revision a push must replace.
type Document struct {
	Path    string
	SHA     string
	Content []byte
}

// Repository is a versioned store for the values document.
type Repository interface {
	Fetch(ctx context.Context) (Document, error)
	// Push replaces the revision identified by doc.SHA with doc.Content.
	Push(ctx context.Context, doc Document, message string) error
}

// Client edits the values document through a Repository.
type Client struct {
	repo    Repository
	sizeKey string
	message string
	timeout time.Duration
	logger  *slog.Logger
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Repository    Repository
	SizeKey       string
	CommitMessage string
	// Timeout bounds one ApplyAndPush; zero leaves the caller's context as the only bound.
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewClient returns a Client for cfg.Repository.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sizeKey := cfg.SizeKey
	if sizeKey == "" {
		sizeKey = "size"
	}
	message := cfg.CommitMessage
	if message == "" {
		message = "auto-update"
	}
	return &Client{
		repo:    cfg.Repository,
		sizeKey: sizeKey,
		message: message,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// Fetch returns the current revision of the values document.
func (c *Client) Fetch(ctx context.Context) (Document, error) {
	doc, err := c.repo.Fetch(ctx)
	if err != nil {
		return Document{}, fmt.Errorf("failed to fetch values: %w", err)
	}
	return doc, nil
}

// Update applies req to doc in memory. The returned document keeps doc's SHA.
func (c *Client) Update(doc Document, req Request) (Document, bool, error) {
	content, changed, err := ApplyRequest(doc.Content, req, c.sizeKey)
	if err != nil {
		return Document{}, false, fmt.Errorf("failed to update %s: %w", doc.Path, err)
	}
	return Document{Path: doc.Path, SHA: doc.SHA, Content: content}, changed, nil
}

// Push writes doc back to the repository.
func (c *Client) Push(ctx context.Context, doc Document) error {
	if err := c.repo.Push(ctx, doc, c.message); err != nil {
		return fmt.Errorf("failed to push %s: %w", doc.Path, err)
	}
	return nil
}

// ApplyAndPush fetches, edits and pushes in one call. The push is skipped when
// the edit leaves the document unchanged. It does not retry.
func (c *Client) ApplyAndPush(ctx context.Context, req Request) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	doc, err := c.Fetch(ctx)
	if err != nil {
		metrics.ConfigPushes.WithLabelValues("error").Inc()
		return err
	}

	updated, changed, err := c.Update(doc, req)
	if err != nil {
		metrics.ConfigPushes.WithLabelValues("error").Inc()
		return err
	}
	if !changed {
		c.logger.Info("values already match request, skipping push", "path", doc.Path, "target", req.Target())
		metrics.ConfigPushes.WithLabelValues("unchanged").Inc()
		return nil
	}

	if err := c.Push(ctx, updated); err != nil {
		metrics.ConfigPushes.WithLabelValues("error").Inc()
		return err
	}

	result := "pushed"
	if dr, ok := c.repo.(*DryRunRepository); ok && dr.Enabled() {
		result = "dry_run"
	}
	metrics.ConfigPushes.WithLabelValues(result).Inc()
	c.logger.Info("values pushed", "path", doc.Path, "target", req.Target(), "result", result)
	return nil
}

// DryRunRepository reads through to the wrapped repository but only logs pushes
// while dry-run is enabled.
type DryRunRepository struct {
	next   Repository
	dryRun bool
	logger *slog.Logger
}

// NewDryRunRepository wraps next.
func NewDryRunRepository(next Repository, dryRun bool, logger *slog.Logger) *DryRunRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRunRepository{next: next, dryRun: dryRun, logger: logger}
}

// Enabled reports whether pushes are suppressed.
func (d *DryRunRepository) Enabled() bool { return d.dryRun }

// Fetch implements Repository.
func (d *DryRunRepository) Fetch(ctx context.Context) (Document, error) {
	return d.next.Fetch(ctx)
}

// Push implements Repository.
func (d *DryRunRepository) Push(ctx context.Context, doc Document, message string) error {
	if d.dryRun {
		d.logger.Info("DRY-RUN: would push values",
			"path", doc.Path,
			"sha", doc.SHA,
			"message", message,
			"bytes", len(doc.Content),
		)
		return nil
	}
	return d.next.Push(ctx, doc, message)
}
