package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSandboxConfigIsValid(t *testing.T) {
	cfg := DefaultSandboxConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateAggregatesAllInvalidFields(t *testing.T) {
	cfg := SandboxConfig{
		MemoryLimit:    "not-a-size",
		CPULimit:       0,
		TimeoutSeconds: -1,
		Backend:        "not-a-backend",
	}
	err := cfg.Validate()
	require.Error(t, err)

	cfgErr, ok := err.(*SandboxConfigError)
	require.True(t, ok)
	assert.True(t, cfgErr.HasErrors())
	assert.Len(t, cfgErr.Fields, 4)
}

func TestValidateAcceptsAllBackends(t *testing.T) {
	for _, b := range []Backend{BackendDirect, BackendContainer, BackendPod, BackendPodlike} {
		cfg := DefaultSandboxConfig()
		cfg.Backend = b
		assert.NoErrorf(t, cfg.Validate(), "backend %q should be valid", b)
	}
}

func TestMemoryLimitBytes(t *testing.T) {
	cases := map[string]int64{
		"256m": 256 * 1024 * 1024,
		"1g":   1024 * 1024 * 1024,
		"512k": 512 * 1024,
	}
	for limit, want := range cases {
		cfg := DefaultSandboxConfig()
		cfg.MemoryLimit = limit
		got, err := cfg.MemoryLimitBytes()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestFromEnvOverridesDefaults(t *testing.T) {
	os.Setenv("SANDBOX_BACKEND", "container")
	os.Setenv("SANDBOX_MEMORY_LIMIT", "512m")
	os.Setenv("SANDBOX_TIMEOUT_SECONDS", "60")
	defer func() {
		os.Unsetenv("SANDBOX_BACKEND")
		os.Unsetenv("SANDBOX_MEMORY_LIMIT")
		os.Unsetenv("SANDBOX_TIMEOUT_SECONDS")
	}()

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, BackendContainer, cfg.Backend)
	assert.Equal(t, "512m", cfg.MemoryLimit)
	assert.Equal(t, 60, cfg.TimeoutSeconds)
}

func TestFromEnvRejectsInvalidBackend(t *testing.T) {
	os.Setenv("SANDBOX_BACKEND", "bogus")
	defer os.Unsetenv("SANDBOX_BACKEND")

	_, err := FromEnv()
	require.Error(t, err)
}

func TestGetEnvironmentDefaultsToDevelopment(t *testing.T) {
	os.Unsetenv("ENVIRONMENT")
	assert.Equal(t, EnvDevelopment, GetEnvironment())
	assert.False(t, IsProductionEnvironment())
}
