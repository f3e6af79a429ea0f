// Package config provides configuration loading for the fonpr agent.
// Values are loaded from a YAML file; Validate fills defaults for optional fields.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all agent configuration.
type Config struct {
	Prometheus  PrometheusConfig  `yaml:"prometheus"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Environment EnvironmentConfig `yaml:"environment"`
	Sizes       []SizeConfig      `yaml:"sizes"`
	Cost        CostConfig        `yaml:"cost"`
	Reward      RewardConfig      `yaml:"reward"`
	Repository  RepositoryConfig  `yaml:"repository"`
	Policy      PolicyConfig      `yaml:"policy"`
	Replay      ReplayConfig      `yaml:"replay"`
	Driver      DriverConfig      `yaml:"driver"`
}

// PrometheusConfig configures the metrics backend client.
type PrometheusConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// TelemetryConfig configures the observation window and the queries feeding it.
type TelemetryConfig struct {
	WindowMinutes    int    `yaml:"windowMinutes"`
	SampleRate       int    `yaml:"sampleRate"`
	QueryStepSeconds int    `yaml:"queryStepSeconds"`
	ThroughputQuery  string `yaml:"throughputQuery"`
	PodQuery         string `yaml:"podQuery"`

	// NodeSizer selects how a pod's node is resolved to an instance type:
	// "prometheus" (kube_node_labels), "kubernetes" (node labels via the API
	// server) or "ec2" (DescribeInstances by private DNS name).
	NodeSizer         string `yaml:"nodeSizer"`
	NodeLabelQuery    string `yaml:"nodeLabelQuery"`
	InstanceTypeLabel string `yaml:"instanceTypeLabel"`
	NodeDomain        string `yaml:"nodeDomain"`
	NodeCacheSeconds  int    `yaml:"nodeCacheSeconds"`
	Kubeconfig        string `yaml:"kubeconfig"`
	Region            string `yaml:"region"`
}

// EnvironmentConfig configures step semantics.
type EnvironmentConfig struct {
	DwellSeconds       int `yaml:"dwellSeconds"`
	TruncateAfterSteps int `yaml:"truncateAfterSteps"`
}

// SizeConfig is one entry of the sizing catalog.
// ID is the value written to the config repository; InstanceType keys the cost table.
type SizeConfig struct {
	ID           string        `yaml:"id"`
	InstanceType string        `yaml:"instanceType"`
	Requests     *ResourceSpec `yaml:"requests,omitempty"`
	Limits       *ResourceSpec `yaml:"limits,omitempty"`
}

// ResourceSpec mirrors a Kubernetes container resource block.
type ResourceSpec struct {
	CPU    string `yaml:"cpu,omitempty"`
	Memory string `yaml:"memory,omitempty"`
}

// CostConfig configures where hourly rates come from.
type CostConfig struct {
	// Source is "static", "aws", "gcp" or "auto".
	Source  string             `yaml:"source"`
	Rates   map[string]float64 `yaml:"rates"`
	Region  string             `yaml:"region"`
	Project string             `yaml:"project"`
	Zone    string             `yaml:"zone"`
}

// RewardConfig configures throughput monetization.
type RewardConfig struct {
	PricePerGigabyte      float64 `yaml:"pricePerGigabyte"`
	AccountingUnitSeconds int     `yaml:"accountingUnitSeconds"`
}

// RepositoryConfig configures the config repository the effector writes to.
type RepositoryConfig struct {
	// Backend is "github" or "configmap".
	Backend        string `yaml:"backend"`
	ValueFileURL   string `yaml:"valueFileUrl"`
	DirName        string `yaml:"dirName"`
	TargetResource string `yaml:"targetResource"`
	SizeKey        string `yaml:"sizeKey"`
	CommitMessage  string `yaml:"commitMessage"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`

	TokenSecretID     string `yaml:"tokenSecretId"`
	TokenSecretKey    string `yaml:"tokenSecretKey"`
	TokenSecretRegion string `yaml:"tokenSecretRegion"`

	Namespace     string `yaml:"namespace"`
	ConfigMapName string `yaml:"configMapName"`
	ConfigMapKey  string `yaml:"configMapKey"`
}

// PolicyConfig configures the action-selecting policy.
type PolicyConfig struct {
	// Type is "noop", "rules" or "onnx".
	Type              string       `yaml:"type"`
	ModelPath         string       `yaml:"modelPath"`
	ManifestPath      string       `yaml:"manifestPath"`
	SharedLibraryPath string       `yaml:"sharedLibraryPath"`
	Rules             []RuleConfig `yaml:"rules"`
	Epsilon           float64      `yaml:"epsilon"`
}

// RuleConfig binds an expression to the action taken when it evaluates true.
type RuleConfig struct {
	When   string `yaml:"when"`
	Action int    `yaml:"action"`
}

// ReplayConfig configures the experience sinks.
type ReplayConfig struct {
	Capacity   int    `yaml:"capacity"`
	SinkURL    string `yaml:"sinkUrl"`
	SigningKey string `yaml:"signingKey"`
	BatchSize  int    `yaml:"batchSize"`
}

// DriverConfig configures the trajectory driver loop.
type DriverConfig struct {
	StepsPerDrive int `yaml:"stepsPerDrive"`
	MaxDrives     int `yaml:"maxDrives"`
}

// Load reads configuration from a YAML file.
// Returns an error if file is missing or invalid.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks required fields and applies defaults for optional ones.
func (c *Config) Validate() error {
	if c.Prometheus.URL == "" {
		return fmt.Errorf("prometheus.url is required")
	}

	t := &c.Telemetry
	if t.WindowMinutes == 0 {
		t.WindowMinutes = 15
	}
	if t.SampleRate == 0 {
		t.SampleRate = 4
	}
	if t.WindowMinutes < 0 || t.SampleRate < 0 {
		return fmt.Errorf("telemetry.windowMinutes and telemetry.sampleRate must be positive")
	}
	if 60%t.SampleRate != 0 {
		return fmt.Errorf("telemetry.sampleRate must divide 60, got %d", t.SampleRate)
	}
	if t.QueryStepSeconds == 0 {
		t.QueryStepSeconds = 15
	}
	if t.ThroughputQuery == "" {
		t.ThroughputQuery = `sum(container_network_transmit_bytes_total{pod=~"open5gs-upf.*", interface=~"eth.*"})`
	}
	if t.PodQuery == "" {
		t.PodQuery = `kube_pod_info{pod=~"open5gs-upf.*"}`
	}
	switch t.NodeSizer {
	case "":
		t.NodeSizer = "prometheus"
	case "prometheus", "kubernetes", "ec2":
	default:
		return fmt.Errorf("telemetry.nodeSizer must be prometheus, kubernetes or ec2, got %q", t.NodeSizer)
	}
	if t.NodeLabelQuery == "" {
		t.NodeLabelQuery = `kube_node_labels{node=%q}`
	}
	if t.InstanceTypeLabel == "" {
		t.InstanceTypeLabel = "label_node_kubernetes_io_instance_type"
	}
	if t.NodeDomain == "" {
		t.NodeDomain = "ec2.internal"
	}
	if t.NodeCacheSeconds == 0 {
		t.NodeCacheSeconds = 300
	}

	if c.Environment.DwellSeconds == 0 {
		c.Environment.DwellSeconds = 300
	}
	if c.Environment.DwellSeconds < 0 {
		return fmt.Errorf("environment.dwellSeconds must be >= 0")
	}
	if c.Environment.TruncateAfterSteps == 0 {
		c.Environment.TruncateAfterSteps = 6
	}

	if len(c.Sizes) == 0 {
		c.Sizes = []SizeConfig{
			{ID: "Large", InstanceType: "m4.xlarge"},
			{ID: "Small", InstanceType: "t3.medium"},
		}
	}
	seen := make(map[string]bool, len(c.Sizes))
	for i, s := range c.Sizes {
		if s.ID == "" || s.InstanceType == "" {
			return fmt.Errorf("sizes[%d]: id and instanceType are required", i)
		}
		if seen[s.InstanceType] {
			return fmt.Errorf("sizes[%d]: duplicate instanceType %s", i, s.InstanceType)
		}
		seen[s.InstanceType] = true
	}

	switch c.Cost.Source {
	case "":
		c.Cost.Source = "static"
	case "static", "aws", "gcp", "auto":
	default:
		return fmt.Errorf("cost.source must be static, aws, gcp or auto, got %q", c.Cost.Source)
	}
	if c.Cost.Region == "" {
		c.Cost.Region = "us-east-1"
	}

	if c.Reward.PricePerGigabyte == 0 {
		c.Reward.PricePerGigabyte = 3.33
	}
	if c.Reward.AccountingUnitSeconds == 0 {
		c.Reward.AccountingUnitSeconds = 3600
	}

	r := &c.Repository
	switch r.Backend {
	case "", "github":
		r.Backend = "github"
		if r.ValueFileURL == "" {
			return fmt.Errorf("repository.valueFileUrl is required for the github backend")
		}
		if r.DirName == "" {
			return fmt.Errorf("repository.dirName is required for the github backend")
		}
	case "configmap":
		if r.ConfigMapName == "" {
			return fmt.Errorf("repository.configMapName is required for the configmap backend")
		}
		if r.Namespace == "" {
			r.Namespace = "default"
		}
		if r.ConfigMapKey == "" {
			r.ConfigMapKey = "values.yaml"
		}
	default:
		return fmt.Errorf("repository.backend must be github or configmap, got %q", r.Backend)
	}
	if r.TargetResource == "" {
		r.TargetResource = "upf"
	}
	if r.SizeKey == "" {
		r.SizeKey = "size"
	}
	if r.CommitMessage == "" {
		r.CommitMessage = "auto-update"
	}
	if r.TokenSecretKey == "" {
		r.TokenSecretKey = "token"
	}
	if r.TokenSecretRegion == "" {
		r.TokenSecretRegion = "us-east-1"
	}

	switch c.Policy.Type {
	case "":
		c.Policy.Type = "noop"
	case "noop", "rules", "onnx":
	default:
		return fmt.Errorf("policy.type must be noop, rules or onnx, got %q", c.Policy.Type)
	}
	if c.Policy.Type == "onnx" && c.Policy.ModelPath == "" {
		return fmt.Errorf("policy.modelPath is required for the onnx policy")
	}
	if c.Policy.Epsilon < 0 || c.Policy.Epsilon > 1 {
		return fmt.Errorf("policy.epsilon must be between 0 and 1")
	}
	for i, rule := range c.Policy.Rules {
		if rule.Action < 0 || rule.Action > len(c.Sizes) {
			return fmt.Errorf("policy.rules[%d]: action %d out of range [0, %d]", i, rule.Action, len(c.Sizes))
		}
	}

	if c.Replay.Capacity == 0 {
		c.Replay.Capacity = 100000
	}
	if c.Replay.BatchSize == 0 {
		c.Replay.BatchSize = 16
	}

	if c.Driver.StepsPerDrive == 0 {
		c.Driver.StepsPerDrive = 1
	}

	return nil
}

// Timeout returns the per-query timeout; zero means no timeout.
func (c *PrometheusConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// QueryStep returns the raw resolution requested from the backend.
func (t *TelemetryConfig) QueryStep() time.Duration {
	return time.Duration(t.QueryStepSeconds) * time.Second
}

// NodeCacheTTL returns how long node sizing lookups are cached.
func (t *TelemetryConfig) NodeCacheTTL() time.Duration {
	return time.Duration(t.NodeCacheSeconds) * time.Second
}

// Dwell returns the wait between applying an action and re-observing.
func (e *EnvironmentConfig) Dwell() time.Duration {
	return time.Duration(e.DwellSeconds) * time.Second
}

// Timeout returns the per-push timeout; zero means no timeout.
func (r *RepositoryConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// AccountingUnit returns the reward accounting unit as a duration.
func (r *RewardConfig) AccountingUnit() time.Duration {
	return time.Duration(r.AccountingUnitSeconds) * time.Second
}

// InstanceTypes returns the catalog's instance types in catalog order.
func (c *Config) InstanceTypes() []string {
	out := make([]string, len(c.Sizes))
	for i, s := range c.Sizes {
		out[i] = s.InstanceType
	}
	return out
}
