package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestValidate_AppliesDefaults(t *testing.T) {
	cfg := &Config{
		Prometheus: PrometheusConfig{URL: "http://prometheus:9090"},
		Repository: RepositoryConfig{
			ValueFileURL: "https://github.com/DISHDevEx/napp/blob/main/napp/open5gs_values/values.yaml",
			DirName:      "napp",
		},
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Telemetry.WindowMinutes != 15 || cfg.Telemetry.SampleRate != 4 {
		t.Errorf("expected 15m window at 4/min, got %dm at %d/min", cfg.Telemetry.WindowMinutes, cfg.Telemetry.SampleRate)
	}
	if cfg.Telemetry.NodeSizer != "prometheus" {
		t.Errorf("expected prometheus node sizer, got %q", cfg.Telemetry.NodeSizer)
	}
	if cfg.Environment.Dwell() != 5*time.Minute {
		t.Errorf("expected 5m dwell, got %v", cfg.Environment.Dwell())
	}
	if cfg.Environment.TruncateAfterSteps != 6 {
		t.Errorf("expected truncation every 6 steps, got %d", cfg.Environment.TruncateAfterSteps)
	}
	if got := cfg.InstanceTypes(); len(got) != 2 || got[0] != "m4.xlarge" || got[1] != "t3.medium" {
		t.Errorf("unexpected default catalog: %v", got)
	}
	if cfg.Cost.Source != "static" {
		t.Errorf("expected static cost source, got %q", cfg.Cost.Source)
	}
	if cfg.Reward.PricePerGigabyte != 3.33 || cfg.Reward.AccountingUnit() != time.Hour {
		t.Errorf("unexpected reward defaults: %+v", cfg.Reward)
	}
	if cfg.Repository.Backend != "github" || cfg.Repository.TargetResource != "upf" || cfg.Repository.SizeKey != "size" {
		t.Errorf("unexpected repository defaults: %+v", cfg.Repository)
	}
	if cfg.Repository.CommitMessage != "auto-update" {
		t.Errorf("expected auto-update commit message, got %q", cfg.Repository.CommitMessage)
	}
	if cfg.Policy.Type != "noop" {
		t.Errorf("expected noop policy, got %q", cfg.Policy.Type)
	}
	if cfg.Replay.Capacity != 100000 {
		t.Errorf("expected replay capacity 100000, got %d", cfg.Replay.Capacity)
	}
	if cfg.Driver.StepsPerDrive != 1 {
		t.Errorf("expected 1 step per drive, got %d", cfg.Driver.StepsPerDrive)
	}
}

func TestValidate_Errors(t *testing.T) {
	base := func() *Config {
		return &Config{
			Prometheus: PrometheusConfig{URL: "http://prometheus:9090"},
			Repository: RepositoryConfig{Backend: "configmap", ConfigMapName: "upf-values"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing prometheus url",
			mutate:  func(c *Config) { c.Prometheus.URL = "" },
			wantErr: "prometheus.url",
		},
		{
			name:    "sample rate must divide a minute",
			mutate:  func(c *Config) { c.Telemetry.SampleRate = 7 },
			wantErr: "sampleRate",
		},
		{
			name:    "unknown node sizer",
			mutate:  func(c *Config) { c.Telemetry.NodeSizer = "azure" },
			wantErr: "nodeSizer",
		},
		{
			name:    "duplicate instance type",
			mutate:  func(c *Config) { c.Sizes = []SizeConfig{{ID: "A", InstanceType: "m4.large"}, {ID: "B", InstanceType: "m4.large"}} },
			wantErr: "duplicate",
		},
		{
			name:    "github backend needs url",
			mutate:  func(c *Config) { c.Repository = RepositoryConfig{Backend: "github"} },
			wantErr: "valueFileUrl",
		},
		{
			name:    "onnx needs model",
			mutate:  func(c *Config) { c.Policy.Type = "onnx" },
			wantErr: "modelPath",
		},
		{
			name:    "rule action out of range",
			mutate:  func(c *Config) { c.Policy.Rules = []RuleConfig{{When: "true", Action: 9}} },
			wantErr: "out of range",
		},
		{
			name:    "bad cost source",
			mutate:  func(c *Config) { c.Cost.Source = "azure" },
			wantErr: "cost.source",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")

	content := `
prometheus:
  url: "http://10.0.104.52:9090"
  timeoutSeconds: 10
telemetry:
  windowMinutes: 10
  sampleRate: 2
environment:
  dwellSeconds: 60
sizes:
  - id: Large
    instanceType: m4.xlarge
    limits:
      cpu: "4"
      memory: 16Gi
  - id: Small
    instanceType: t3.medium
repository:
  backend: configmap
  namespace: open5gs
  configMapName: upf-values
policy:
  type: rules
  rules:
    - when: "throughput_rate > 1e6"
      action: 1
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Prometheus.Timeout() != 10*time.Second {
		t.Errorf("expected 10s timeout, got %v", cfg.Prometheus.Timeout())
	}
	if cfg.Telemetry.WindowMinutes != 10 || cfg.Telemetry.SampleRate != 2 {
		t.Errorf("unexpected telemetry config: %+v", cfg.Telemetry)
	}
	if cfg.Sizes[0].Limits == nil || cfg.Sizes[0].Limits.Memory != "16Gi" {
		t.Errorf("expected limits on Large, got %+v", cfg.Sizes[0])
	}
	if cfg.Repository.ConfigMapKey != "values.yaml" {
		t.Errorf("expected default configmap key, got %q", cfg.Repository.ConfigMapKey)
	}
	if len(cfg.Policy.Rules) != 1 || cfg.Policy.Rules[0].Action != 1 {
		t.Errorf("unexpected rules: %+v", cfg.Policy.Rules)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_ShippedDefault(t *testing.T) {
	cfg, err := Load("../../config/default.yaml")
	if err != nil {
		t.Fatalf("shipped config does not load: %v", err)
	}
	if cfg.Policy.Type != "rules" || len(cfg.Policy.Rules) != 2 {
		t.Errorf("policy = %+v", cfg.Policy)
	}
	if got := cfg.InstanceTypes(); len(got) != 2 || got[0] != "m4.xlarge" || got[1] != "t3.medium" {
		t.Errorf("instance types = %v", got)
	}
	if cfg.Environment.TruncateAfterSteps != 6 || cfg.Reward.PricePerGigabyte != 3.33 {
		t.Errorf("environment/reward = %+v / %+v", cfg.Environment, cfg.Reward)
	}
}
