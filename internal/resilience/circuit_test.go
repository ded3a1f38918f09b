package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transientErr() error {
	return NewTransientError(eris.New("http 503"), 503)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func(ctx context.Context) error { return transientErr() })
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	ctx := context.Background()

	_ = cb.Execute(ctx, func(ctx context.Context) error { return transientErr() })
	_ = cb.Execute(ctx, func(ctx context.Context) error { return nil })
	_ = cb.Execute(ctx, func(ctx context.Context) error { return transientErr() })

	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbeRecovers(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 30 * time.Second})
	cb.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.Execute(ctx, func(ctx context.Context) error { return transientErr() })
	assert.Equal(t, CircuitOpen, cb.State())

	// Advance past the reset timeout; the next call is the probe.
	now = now.Add(31 * time.Second)
	val, err := ExecuteVal(ctx, cb, func(ctx context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, val)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_TerminalDoesNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	ctx := context.Background()

	err := cb.Execute(ctx, func(ctx context.Context) error {
		return NewTerminalError(eris.New("http 400"), 400)
	})
	require.Error(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return transientErr() })
	assert.Equal(t, []string{"closed->open"}, transitions)
}
