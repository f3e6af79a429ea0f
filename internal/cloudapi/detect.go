// Package cloudapi selects a live pricing backend for the cost table.
package cloudapi

import (
	"context"
	"net/http"
	"os"
	"time"
)

// CloudType represents a cloud provider.
type CloudType string

const (
	CloudTypeAWS     CloudType = "aws"
	CloudTypeGCP     CloudType = "gcp"
	CloudTypeUnknown CloudType = "unknown"
)

// Metadata endpoints probed during detection. Variables so tests can point them at httptest.
var (
	awsIMDSEndpoint = "http://169.254.169.254/latest/meta-data/"
	gcpIMDSEndpoint = "http://metadata.google.internal/computeMetadata/v1/"
)

// DetectCloud reports the cloud the agent runs in, checking environment
// variables before probing metadata endpoints.
func DetectCloud(ctx context.Context) CloudType {
	if cloud := detectFromEnv(); cloud != CloudTypeUnknown {
		return cloud
	}
	return detectFromIMDS(ctx)
}

func detectFromEnv() CloudType {
	if os.Getenv("AWS_REGION") != "" || os.Getenv("AWS_DEFAULT_REGION") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return CloudTypeAWS
	}
	if os.Getenv("GOOGLE_CLOUD_PROJECT") != "" || os.Getenv("GCP_PROJECT") != "" {
		return CloudTypeGCP
	}
	return CloudTypeUnknown
}

func detectFromIMDS(ctx context.Context) CloudType {
	client := &http.Client{Timeout: 2 * time.Second}

	// GCP first: its metadata server requires a header AWS ignores.
	if probe(ctx, client, gcpIMDSEndpoint+"project/project-id", map[string]string{"Metadata-Flavor": "Google"}) {
		return CloudTypeGCP
	}
	if probe(ctx, client, awsIMDSEndpoint, nil) {
		return CloudTypeAWS
	}
	return CloudTypeUnknown
}

func probe(ctx context.Context, client *http.Client, url string, headers map[string]string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// awsRegion returns the AWS region from environment or fallback.
func awsRegion(fallback string) string {
	if region := os.Getenv("AWS_REGION"); region != "" {
		return region
	}
	if region := os.Getenv("AWS_DEFAULT_REGION"); region != "" {
		return region
	}
	if fallback != "" {
		return fallback
	}
	return "us-east-1"
}

// gcpProject returns the GCP project from environment or fallback.
func gcpProject(fallback string) string {
	if fallback != "" {
		return fallback
	}
	if project := os.Getenv("GOOGLE_CLOUD_PROJECT"); project != "" {
		return project
	}
	return os.Getenv("GCP_PROJECT")
}
