package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "GIN_MODE", "PORT", "STORAGE_ROOT", "UPLOAD_DIR", "OUTPUT_DIR",
		"CAPTURE_BATCH_SIZE", "CAPTURE_SESSION_TTL", "CONVERSION_MAX_RETRY",
		"DISK_TARGET_PERCENT", "DISK_AGGRESSIVE_PERCENT", "DISK_EMERGENCY_PERCENT",
		"RETENTION_FAILURE_GRACE")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "data/uploads", cfg.UploadDir)
	assert.Equal(t, "data/outputs", cfg.OutputDir)
	assert.Equal(t, 10, cfg.CaptureBatchSize)
	assert.Equal(t, 2*time.Hour, cfg.CaptureSessionTTL)
	assert.Equal(t, 1, cfg.ConversionRetry)
	assert.Equal(t, 5*time.Minute, cfg.Retention.FailureGrace)
	assert.Equal(t, 70.0, cfg.Retention.TargetPercent)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t, "GIN_MODE")
	t.Setenv("STORAGE_ROOT", "/srv/docuflux")
	t.Setenv("UPLOAD_DIR", "")
	t.Setenv("CAPTURE_BATCH_SIZE", "4")
	t.Setenv("CAPTURE_SESSION_TTL", "90")
	t.Setenv("RETENTION_FAILURE_GRACE", "30s")
	t.Setenv("MAX_PDF_PAGES", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/srv/docuflux/uploads", cfg.UploadDir)
	assert.Equal(t, 4, cfg.CaptureBatchSize)
	assert.Equal(t, 90*time.Second, cfg.CaptureSessionTTL)
	assert.Equal(t, 30*time.Second, cfg.Retention.FailureGrace)
	assert.Equal(t, 500, cfg.MaxPDFPages)
}

func validConfig() *Config {
	return &Config{
		GinMode:          "debug",
		CaptureBatchSize: 10,
		MaxCapturePages:  500,
		RedisURL:         "redis://localhost:6379/0",
		Retention: RetentionConfig{
			TargetPercent:    70,
			AggressivePct:    80,
			EmergencyPercent: 95,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "zero batch size", mutate: func(c *Config) { c.CaptureBatchSize = 0 }, wantErr: "CAPTURE_BATCH_SIZE"},
		{name: "zero page limit", mutate: func(c *Config) { c.MaxCapturePages = 0 }, wantErr: "MAX_CAPTURE_PAGES"},
		{name: "thresholds out of order", mutate: func(c *Config) { c.Retention.AggressivePct = 96 }, wantErr: "disk thresholds"},
		{name: "release without credentials", mutate: func(c *Config) { c.GinMode = "release" }, wantErr: "APP_USERNAME"},
		{
			name: "release with credentials",
			mutate: func(c *Config) {
				c.GinMode = "release"
				c.AppUsername = "admin"
				c.AppPasswordHash = "$2a$10$hash"
				c.SessionSecret = "secret"
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
