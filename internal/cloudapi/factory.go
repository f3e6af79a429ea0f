package cloudapi

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fonpr/fonpr-agent/internal/cloudapi/aws"
	"github.com/fonpr/fonpr-agent/internal/cloudapi/gcp"
)

// RateSource returns a live on-demand hourly rate for an instance or machine type.
type RateSource interface {
	HourlyRate(ctx context.Context, instanceType string) (float64, error)
}

// SourceConfig selects and parameterizes a rate source.
type SourceConfig struct {
	// Cloud is "aws", "gcp" or "auto".
	Cloud   string
	Region  string
	Project string
	Zone    string
	Logger  *slog.Logger
}

// NewRateSource builds the rate source named by cfg.Cloud, detecting the cloud for "auto".
func NewRateSource(ctx context.Context, cfg SourceConfig) (RateSource, CloudType, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cloud := CloudType(cfg.Cloud)
	if cfg.Cloud == "auto" {
		cloud = DetectCloud(ctx)
		logger.Info("detected cloud for pricing", "cloud", cloud)
	}

	switch cloud {
	case CloudTypeAWS:
		client, err := aws.NewPriceClient(ctx, awsRegion(cfg.Region), logger)
		if err != nil {
			return nil, cloud, fmt.Errorf("failed to create AWS price client: %w", err)
		}
		return client, cloud, nil

	case CloudTypeGCP:
		project := gcpProject(cfg.Project)
		if project == "" {
			return nil, cloud, ErrMissingProject
		}
		client, err := gcp.NewPriceClient(ctx, project, cfg.Zone, logger)
		if err != nil {
			return nil, cloud, fmt.Errorf("failed to create GCP price client: %w", err)
		}
		return client, cloud, nil

	default:
		return nil, cloud, fmt.Errorf("%w: %s", ErrUnsupportedCloud, cloud)
	}
}
