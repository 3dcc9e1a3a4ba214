package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitFiresOnceOnRisingEdge(t *testing.T) {
	limit := NewLimit("memory", 100)
	var fires int
	var lastCurrent float64
	fn := func(name string, l, current float64) {
		fires++
		lastCurrent = current
	}

	assert.False(t, limit.Check(50, fn))
	assert.False(t, limit.Check(100, fn))
	assert.True(t, limit.Check(150, fn))
	assert.True(t, limit.Check(200, fn))

	assert.Equal(t, 1, fires, "exceeded callback should fire exactly once")
	assert.Equal(t, float64(150), lastCurrent)
	assert.True(t, limit.Exceeded())
}

func TestLimitUnlimitedWhenZero(t *testing.T) {
	limit := NewLimit("cpu", 0)
	assert.False(t, limit.Check(1e9, func(string, float64, float64) { t.Fatal("should never fire") }))
}

func TestNewFailureMessage(t *testing.T) {
	f := NewFailure("output", 1024, 2048)
	assert.False(t, f.Success)
	assert.Equal(t, -1, f.ExitCode)
	assert.Contains(t, f.Error, "output")
	assert.Contains(t, f.Error, "1024")
	assert.Contains(t, f.Error, "2048")
}

func TestEnforcerRecordsFirstBreachOnly(t *testing.T) {
	var names []string
	e := NewEnforcer(100, 10, 5, 1000, func(name string, limit, current float64) {
		names = append(names, name)
	})

	assert.Nil(t, e.Breach())

	e.CheckMemory(150)
	e.CheckCPU(20)

	require.NotNil(t, e.Breach())
	assert.Contains(t, e.Breach().Error, "memory") // breach captured as the first exceeded quota
	assert.Equal(t, []string{"memory", "cpu"}, names)
}

func TestEnforcerUnenforcedLimitsNeverBreach(t *testing.T) {
	e := NewEnforcer(0, 0, 0, 0, func(string, float64, float64) {
		t.Fatal("should never fire when all limits are 0")
	})
	e.CheckMemory(1e12)
	e.CheckCPU(1e12)
	e.CheckOutput(1e12)
	e.CheckElapsed()
	assert.Nil(t, e.Breach())
}

func TestProcessLimiterFiresOnce(t *testing.T) {
	pl := NewProcessLimiter()
	// pgid 0 would signal the caller's own process group; use a pgid that
	// cannot match any real process so the syscalls are harmless no-ops.
	pl.Trigger(999999, time.Millisecond)
	pl.Trigger(999999, time.Millisecond)
	assert.True(t, pl.fired)
}

func TestOutputLimiterAllowsWithinBurst(t *testing.T) {
	ol := NewOutputLimiter(1024, 2048)
	assert.True(t, ol.Allow(1024))
}
