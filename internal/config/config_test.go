package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 5*time.Minute, cfg.UnansweredTimeout)
	assert.Equal(t, 5*time.Second, cfg.ScorerTimeout)
	assert.Equal(t, "auto", cfg.ScorerProvider)
	assert.Equal(t, "vigil/sirens", cfg.MQTTTopicPrefix)
	assert.Positive(t, cfg.MaxRequestBodyBytes)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("VIGIL_PORT", "9090")
	t.Setenv("VIGIL_UNANSWERED_TIMEOUT", "90s")
	t.Setenv("VIGIL_HIGH_RISK_THRESHOLD", "5")
	t.Setenv("VIGIL_RATE_LIMIT_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 90*time.Second, cfg.UnansweredTimeout)
	assert.Equal(t, 5, cfg.HighRiskThreshold)
	assert.False(t, cfg.RateLimitEnabled)
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	bad := cfg
	bad.DatabaseURL = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.ScorerTimeout = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.HighRiskThreshold = 0
	assert.Error(t, bad.Validate())
}
