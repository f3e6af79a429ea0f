package cloudapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func clearCloudEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"AWS_REGION", "AWS_DEFAULT_REGION", "AWS_EXECUTION_ENV", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		t.Setenv(k, "")
	}
}

func TestDetectFromEnv(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want CloudType
	}{
		{name: "aws region", env: map[string]string{"AWS_REGION": "us-east-1"}, want: CloudTypeAWS},
		{name: "gcp project", env: map[string]string{"GOOGLE_CLOUD_PROJECT": "fonpr-lab"}, want: CloudTypeGCP},
		{name: "nothing", env: nil, want: CloudTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearCloudEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if got := detectFromEnv(); got != tt.want {
				t.Errorf("detectFromEnv() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDetectFromIMDS(t *testing.T) {
	gcpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Metadata-Flavor") != "Google" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte("fonpr-lab"))
	}))
	defer gcpSrv.Close()
	awsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ami-id"))
	}))
	defer awsSrv.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer down.Close()

	origAWS, origGCP := awsIMDSEndpoint, gcpIMDSEndpoint
	defer func() { awsIMDSEndpoint, gcpIMDSEndpoint = origAWS, origGCP }()

	awsIMDSEndpoint, gcpIMDSEndpoint = down.URL+"/", gcpSrv.URL+"/"
	if got := detectFromIMDS(context.Background()); got != CloudTypeGCP {
		t.Errorf("expected gcp, got %s", got)
	}

	awsIMDSEndpoint, gcpIMDSEndpoint = awsSrv.URL+"/", down.URL+"/"
	if got := detectFromIMDS(context.Background()); got != CloudTypeAWS {
		t.Errorf("expected aws, got %s", got)
	}

	awsIMDSEndpoint = down.URL + "/"
	if got := detectFromIMDS(context.Background()); got != CloudTypeUnknown {
		t.Errorf("expected unknown, got %s", got)
	}
}

func TestNewRateSource_Unsupported(t *testing.T) {
	_, cloud, err := NewRateSource(context.Background(), SourceConfig{Cloud: "azure"})
	if !errors.Is(err, ErrUnsupportedCloud) {
		t.Fatalf("expected ErrUnsupportedCloud, got %v", err)
	}
	if cloud != "azure" {
		t.Errorf("expected cloud azure echoed back, got %s", cloud)
	}
}

func TestNewRateSource_GCPNeedsProject(t *testing.T) {
	clearCloudEnv(t)
	_, _, err := NewRateSource(context.Background(), SourceConfig{Cloud: "gcp", Zone: "us-central1-a"})
	if !errors.Is(err, ErrMissingProject) {
		t.Fatalf("expected ErrMissingProject, got %v", err)
	}
}

func TestRegionAndProjectFallbacks(t *testing.T) {
	clearCloudEnv(t)
	if got := awsRegion(""); got != "us-east-1" {
		t.Errorf("awsRegion default = %s", got)
	}
	t.Setenv("AWS_REGION", "us-west-2")
	if got := awsRegion("eu-west-1"); got != "us-west-2" {
		t.Errorf("env region should win, got %s", got)
	}
	t.Setenv("GCP_PROJECT", "from-env")
	if got := gcpProject(""); got != "from-env" {
		t.Errorf("gcpProject env fallback = %s", got)
	}
	if got := gcpProject("explicit"); got != "explicit" {
		t.Errorf("gcpProject explicit = %s", got)
	}
}
