package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("DB_HOST", "localhost")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "katiba")
	t.Setenv("DB_NAME", "katiba")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "katiba", cfg.AppName)
	assert.Equal(t, "8080", cfg.AppPort)
	assert.Equal(t, "disable", cfg.DBSSLMode)
	assert.Equal(t, 4, cfg.AnalysisWorkers)
	assert.Equal(t, "72h0m0s", cfg.ExpertReviewDeadline.String())
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("APP_ENV", "qa")
	t.Setenv("DB_HOST", "localhost")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "katiba")
	t.Setenv("DB_NAME", "katiba")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadInt(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("DB_HOST", "localhost")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "katiba")
	t.Setenv("DB_NAME", "katiba")
	t.Setenv("ANALYSIS_WORKERS", "many")

	_, err := Load()
	assert.Error(t, err)
}
