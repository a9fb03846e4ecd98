// Package config loads the detection pipeline configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every operational knob of the detection core. Zero values
// are filled from Default before a file is applied on top.
type Config struct {
	Models struct {
		// Dir is where fitted model bundles are persisted.
		Dir string `yaml:"dir"`
	} `yaml:"models"`

	Detection struct {
		// Threshold is the default decision boundary in (0, 1).
		Threshold float64 `yaml:"threshold"`
		// Contamination is the assumed anomaly fraction in training data.
		Contamination float64 `yaml:"contamination"`
		// Fusion combines the two model scores: or, and, weighted.
		Fusion string `yaml:"fusion"`
		// MinTrainingSamples rejects training sets smaller than this.
		MinTrainingSamples int `yaml:"min_training_samples"`
	} `yaml:"detection"`

	IsolationForest struct {
		Trees      int   `yaml:"trees"`
		SampleSize int   `yaml:"sample_size"`
		Seed       int64 `yaml:"seed"`
	} `yaml:"isolation_forest"`

	LOF struct {
		Neighbors int `yaml:"neighbors"`
	} `yaml:"lof"`

	PCAP struct {
		// SessionTimeoutSeconds is the flow inactivity window; see the
		// pcap adapter default for rationale.
		SessionTimeoutSeconds int `yaml:"session_timeout_seconds"`
	} `yaml:"pcap"`
}

// Default returns the documented defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.Models.Dir = "models"
	cfg.Detection.Threshold = 0.7
	cfg.Detection.Contamination = 0.1
	cfg.Detection.Fusion = "or"
	cfg.Detection.MinTrainingSamples = 100
	cfg.IsolationForest.Trees = 100
	cfg.IsolationForest.SampleSize = 256
	cfg.IsolationForest.Seed = 42
	cfg.LOF.Neighbors = 20
	cfg.PCAP.SessionTimeoutSeconds = 300
	return cfg
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Detection.Threshold <= 0 || c.Detection.Threshold >= 1 {
		return fmt.Errorf("detection.threshold %v not in (0, 1)", c.Detection.Threshold)
	}
	if c.Detection.Contamination <= 0 || c.Detection.Contamination >= 0.5 {
		return fmt.Errorf("detection.contamination %v not in (0, 0.5)", c.Detection.Contamination)
	}
	switch c.Detection.Fusion {
	case "or", "and", "weighted":
	default:
		return fmt.Errorf("detection.fusion %q not one of or, and, weighted", c.Detection.Fusion)
	}
	if c.LOF.Neighbors < 1 {
		return fmt.Errorf("lof.neighbors must be positive")
	}
	if c.IsolationForest.Trees < 1 || c.IsolationForest.SampleSize < 2 {
		return fmt.Errorf("isolation_forest.trees and sample_size must be positive")
	}
	if c.PCAP.SessionTimeoutSeconds < 1 {
		return fmt.Errorf("pcap.session_timeout_seconds must be positive")
	}
	return nil
}

// SessionTimeout returns the pcap flow window as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.PCAP.SessionTimeoutSeconds) * time.Second
}
