package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/relaycore/relaycore"
)

func newTestBreaker(t *testing.T, config *Config) (*Breaker, *clock.Mock) {
	mock := clock.NewMock()
	return NewWithClock(config, zaptest.NewLogger(t).Sugar(), mock), mock
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, &Config{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
	})

	assert.False(t, b.RecordFailure("mcp"))
	assert.False(t, b.RecordFailure("mcp"))
	assert.True(t, b.RecordFailure("mcp"), "third failure should trip")

	assert.True(t, b.IsOpen("mcp"))
	assert.False(t, b.Allow("mcp"))

	m := b.Metrics("mcp")
	assert.Equal(t, StateOpen, m.State)
	assert.Equal(t, 3, m.ConsecutiveFailures)
	assert.Equal(t, int64(1), m.Trips)
}

func TestBreaker_ExecuteFailsFastWhileOpen(t *testing.T) {
	b, _ := newTestBreaker(t, &Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
	})

	require.Error(t, b.Execute("direct", func() error {
		return relaycore.NewError(relaycore.KindConnection, "connection refused")
	}))

	calls := 0
	err := b.Execute("direct", func() error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, relaycore.KindCircuitOpen, relaycore.KindOf(err))
	assert.Equal(t, 0, calls, "open circuit must not invoke fn")
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, mock := newTestBreaker(t, &Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
	})

	b.RecordFailure("mcp")
	assert.False(t, b.Allow("mcp"))

	mock.Add(time.Minute)

	assert.True(t, b.Allow("mcp"), "expired open circuit admits a trial call")
	b.RecordSuccess("mcp")

	m := b.Metrics("mcp")
	assert.Equal(t, StateClosed, m.State)
	assert.Equal(t, 0, m.ConsecutiveFailures)
	assert.False(t, b.IsOpen("mcp"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, mock := newTestBreaker(t, &Config{
		FailureThreshold: 1,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
	})

	b.RecordFailure("mcp")
	mock.Add(30 * time.Second)
	require.True(t, b.Allow("mcp"))

	assert.True(t, b.RecordFailure("mcp"), "half-open failure reopens")
	assert.True(t, b.IsOpen("mcp"))
	assert.False(t, b.Allow("mcp"), "fresh timer after reopen")

	mock.Add(30 * time.Second)
	assert.True(t, b.Allow("mcp"))
}

func TestBreaker_HalfOpenLimitsTrialCalls(t *testing.T) {
	b, mock := newTestBreaker(t, &Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		HalfOpenMaxCalls: 2,
	})

	b.RecordFailure("mcp")
	mock.Add(time.Second)

	assert.True(t, b.Allow("mcp"))
	assert.True(t, b.Allow("mcp"))
	assert.False(t, b.Allow("mcp"), "trial budget exhausted")
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t, &Config{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
	})

	b.RecordFailure("direct")
	b.RecordFailure("direct")
	b.RecordSuccess("direct")

	m := b.Metrics("direct")
	assert.Equal(t, 0, m.ConsecutiveFailures)
	assert.Equal(t, StateClosed, m.State)

	// Threshold counts consecutive failures only.
	b.RecordFailure("direct")
	b.RecordFailure("direct")
	assert.False(t, b.IsOpen("direct"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(t, &Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
	})

	b.RecordFailure("mcp")
	assert.True(t, b.IsOpen("mcp"))
	assert.False(t, b.IsOpen("direct"))
	assert.True(t, b.Allow("direct"))
}

func TestBreaker_ForceCloseAndResetAll(t *testing.T) {
	b, _ := newTestBreaker(t, &Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
		HalfOpenMaxCalls: 1,
	})

	b.RecordFailure("mcp")
	b.RecordFailure("direct")
	require.True(t, b.IsOpen("mcp"))
	require.True(t, b.IsOpen("direct"))

	b.ForceClose("mcp")
	assert.False(t, b.IsOpen("mcp"))
	assert.True(t, b.IsOpen("direct"))

	b.ResetAll()
	assert.False(t, b.IsOpen("direct"))
	assert.Equal(t, int64(1), b.Metrics("direct").TotalFailures, "totals survive reset")
}

func TestBreaker_ConcurrentFailuresTripOnce(t *testing.T) {
	b, _ := newTestBreaker(t, &Config{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
	})

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			done <- b.RecordFailure("mcp")
		}()
	}
	trips := 0
	for i := 0; i < 10; i++ {
		if <-done {
			trips++
		}
	}
	assert.Equal(t, 1, trips, "exactly one failure observes the threshold crossing")
	assert.Equal(t, int64(1), b.Metrics("mcp").Trips)
}

func TestBreaker_ExecuteRecordsOutcome(t *testing.T) {
	b, _ := newTestBreaker(t, nil)

	require.NoError(t, b.Execute("mcp", func() error { return nil }))
	assert.Equal(t, int64(1), b.Metrics("mcp").TotalSuccesses)

	wantErr := errors.New("boom")
	err := b.Execute("mcp", func() error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, int64(1), b.Metrics("mcp").TotalFailures)
}
