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

	assert.Equal(t, "terraform", cfg.TerraformBin)
	assert.Equal(t, 60*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 120*time.Second, cfg.PlanTimeout)
	assert.Equal(t, 300*time.Second, cfg.ApplyTimeout)
	assert.Equal(t, 300*time.Second, cfg.DestroyTimeout)
	assert.Equal(t, "http://localhost:4566", cfg.AWSEndpoint)
	assert.Equal(t, "us-east-1", cfg.AWSRegion)
	assert.Equal(t, "test", cfg.AWSAccessKey)
	assert.Equal(t, "test", cfg.AWSSecretKey)
	assert.GreaterOrEqual(t, cfg.Workers, 1)
	assert.LessOrEqual(t, cfg.Workers, 4)
	assert.Empty(t, cfg.DatabaseDSN)
	assert.Empty(t, cfg.NATSURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BENCH_APPLY_TIMEOUT", "30")
	t.Setenv("BENCH_WORKERS", "2")
	t.Setenv("BENCH_AWS_ENDPOINT", "http://sandbox:4566")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.ApplyTimeout)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "http://sandbox:4566", cfg.AWSEndpoint)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "timeout not a number", key: "BENCH_PLAN_TIMEOUT", value: "soon"},
		{name: "timeout zero", key: "BENCH_STAGE_TIMEOUT", value: "0"},
		{name: "workers zero", key: "BENCH_WORKERS", value: "0"},
		{name: "signing key missing", key: "BENCH_SIGNING_KEY", value: "/nonexistent/key.age"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}
