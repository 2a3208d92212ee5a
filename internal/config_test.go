package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"defaults are valid", func(*Config) {}, nil},
		{"zero window", func(c *Config) { c.WindowSize = 0 }, ErrInvalidWindow},
		{"negative window", func(c *Config) { c.WindowSize = -3 }, ErrInvalidWindow},
		{"no cameras", func(c *Config) { c.NumCameras = 0 }, ErrInvalidCameras},
		{"too many cameras", func(c *Config) { c.NumCameras = 3 }, ErrInvalidCameras},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestNewEstimatorRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 0
	_, err := NewEstimator(cfg)
	assert.ErrorIs(t, err, ErrInvalidWindow)
}
