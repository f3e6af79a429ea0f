package cloudapi

import "errors"

// Sentinel errors for rate source construction.
var (
	// ErrUnsupportedCloud is returned when no rate source exists for the detected cloud.
	ErrUnsupportedCloud = errors.New("cloudapi: unsupported cloud for live pricing")

	// ErrMissingProject is returned when GCP pricing is requested without a project.
	ErrMissingProject = errors.New("cloudapi: gcp project is required")
)
