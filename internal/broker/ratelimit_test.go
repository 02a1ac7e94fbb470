package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitedSession_SpacesCalls(t *testing.T) {
	s := NewRateLimitedSession(NewPaperSession(PaperConfig{InitialCash: 100}), RateLimits{RequestsPerSecond: 20, Burst: 1})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		cash, err := s.GetAvailableCash(ctx)
		require.NoError(t, err)
		assert.Equal(t, 100.0, cash)
	}
	// Four waits of 50ms after the first token.
	assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)
}

func TestRateLimitedSession_WaitErrors(t *testing.T) {
	s := NewRateLimitedSession(NewPaperSession(PaperConfig{}), RateLimits{RequestsPerSecond: 1, Burst: 1})
	_, err := s.GetPositions(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.GetPositions(ctx)
	require.Error(t, err)
	assert.True(t, IsTransient(err), "a token beyond the deadline is retried, got %v", err)

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	_, err = s.GetOrderStatus(cancelled, "ref")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, IsTransient(err))
}

func TestRateLimitedSession_Defaults(t *testing.T) {
	s := NewRateLimitedSession(NewPaperSession(PaperConfig{}))
	assert.InDelta(t, DefaultRequestsPerSecond, float64(s.limiter.Limit()), 0.001)
	assert.Equal(t, DefaultBurst, s.limiter.Burst())

	assert.Panics(t, func() { NewRateLimitedSession(nil) })
}
