package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hakro/netsentry/pkg/config"
)

func TestResolveThreshold(t *testing.T) {
	cfg := config.Default()

	tests := []struct {
		name     string
		explicit bool
		flag     float64
		want     float64
	}{
		{"unset flag uses configured default", false, 0, 0.7},
		{"explicit zero keeps calibrated boundaries", true, 0, 0},
		{"explicit value wins over config", true, 0.9, 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveThreshold(tt.explicit, tt.flag, cfg))
		})
	}
}

func TestResolveThresholdHonorsConfigOverride(t *testing.T) {
	cfg := config.Default()
	cfg.Detection.Threshold = 0.85

	assert.Equal(t, 0.85, resolveThreshold(false, 0, cfg))
}
