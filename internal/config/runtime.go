package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	// PolicyModeConfigured keeps the policy selected in the static config.
	PolicyModeConfigured = "configured"
	// PolicyModeHold forces the no-op action while still observing and recording.
	PolicyModeHold = "hold"
)

// RuntimeConfig holds dynamic configuration that can be changed without restarting the agent.
// It is reloaded before every drive call.
type RuntimeConfig struct {
	// Paused skips drive calls entirely until cleared.
	Paused bool `json:"paused"`

	// PolicyMode is "configured" or "hold".
	PolicyMode string `json:"policy_mode"`

	// Epsilon overrides the exploration rate when set (0..1).
	Epsilon *float64 `json:"epsilon,omitempty"`

	// StepsPerDrive overrides driver.stepsPerDrive when > 0.
	StepsPerDrive int `json:"steps_per_drive"`
}

// LoadRuntimeConfig loads the runtime configuration from the specified path.
func LoadRuntimeConfig(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runtime config: %w", err)
	}

	var cfg RuntimeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse runtime config: %w", err)
	}

	applyRuntimeDefaults(&cfg)
	return &cfg, nil
}

// DefaultRuntimeConfig returns the runtime config used when no file is present.
func DefaultRuntimeConfig() *RuntimeConfig {
	cfg := RuntimeConfig{}
	applyRuntimeDefaults(&cfg)
	return &cfg
}

func applyRuntimeDefaults(cfg *RuntimeConfig) {
	switch strings.ToLower(strings.TrimSpace(cfg.PolicyMode)) {
	case PolicyModeHold:
		cfg.PolicyMode = PolicyModeHold
	default:
		cfg.PolicyMode = PolicyModeConfigured
	}
	if cfg.Epsilon != nil {
		e := clampFloat(*cfg.Epsilon, 0, 1)
		cfg.Epsilon = &e
	}
	if cfg.StepsPerDrive < 0 {
		cfg.StepsPerDrive = 0
	}
}

// clampFloat clamps a value to the given range [min, max].
func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Holding reports whether the policy should be bypassed with the no-op action.
func (c *RuntimeConfig) Holding() bool {
	if c == nil {
		return false
	}
	return c.PolicyMode == PolicyModeHold
}

// Steps returns the number of steps for the next drive call.
func (c *RuntimeConfig) Steps(fallback int) int {
	if c == nil || c.StepsPerDrive <= 0 {
		return fallback
	}
	return c.StepsPerDrive
}
