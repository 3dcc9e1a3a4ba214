package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	assert.Greater(t, l.MemoryBytes, float64(0))
	assert.Greater(t, l.CPUSeconds, float64(0))
	assert.Greater(t, l.WallSeconds, float64(0))
	assert.Greater(t, l.OutputBytes, float64(0))
	assert.Greater(t, l.GracePeriod.Seconds(), 0.0)
}

func TestNewFacadeDefaultsFactory(t *testing.T) {
	f, err := New(Config{})
	require.NoError(t, err)
	require.NotNil(t, f)
	defer f.Cleanup()

	assert.NotNil(t, f.Capabilities().SupportedLanguages)
}

func TestExecuteRejectsUnsupportedLanguage(t *testing.T) {
	f, err := New(Config{})
	require.NoError(t, err)
	defer f.Cleanup()

	_, err = f.Execute(context.Background(), Request{Language: "not-a-real-language", Code: "x"})
	require.Error(t, err)
}

func TestFacadePodUnavailableByDefault(t *testing.T) {
	f, err := New(Config{})
	require.NoError(t, err)
	defer f.Cleanup()

	assert.False(t, f.IsPodAvailable())

	_, err = f.Execute(context.Background(), Request{Language: "python", Code: "print(1)", Backend: BackendPod})
	require.Error(t, err)
}

func TestFacadeWithPodBackendReportsAvailable(t *testing.T) {
	pod := NewPodBackend(PodBackendConfig{APIServerURL: "https://127.0.0.1:6443"})
	f, err := New(Config{PodBackend: pod})
	require.NoError(t, err)
	defer f.Cleanup()

	assert.True(t, f.IsPodAvailable())
}
