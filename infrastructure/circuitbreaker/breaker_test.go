package circuitbreaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/node-index/infrastructure/circuitbreaker"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newBreaker(c *clock, transitions *[]string) *circuitbreaker.Breaker {
	return circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 3,
		OpenTimeout:      time.Minute,
		Now:              c.Now,
		OnStateChange: func(from, to circuitbreaker.State) {
			*transitions = append(*transitions, from.String()+">"+to.String())
		},
	})
}

func fail(t *testing.T, b *circuitbreaker.Breaker, n int) {
	t.Helper()
	for range n {
		require.NoError(t, b.Allow())
		b.Record(false)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	c := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	var transitions []string
	b := newBreaker(c, &transitions)

	fail(t, b, 2)
	assert.Equal(t, circuitbreaker.StateClosed, b.State())

	fail(t, b, 1)
	assert.Equal(t, circuitbreaker.StateOpen, b.State())
	require.ErrorIs(t, b.Allow(), circuitbreaker.ErrOpen)
	assert.Equal(t, []string{"closed>open"}, transitions)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	c := &clock{now: time.Now()}
	var transitions []string
	b := newBreaker(c, &transitions)

	fail(t, b, 2)
	require.NoError(t, b.Allow())
	b.Record(true)
	fail(t, b, 2)

	assert.Equal(t, circuitbreaker.StateClosed, b.State())
	assert.Empty(t, transitions)
}

func TestBreaker_HalfOpenTrialCall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		success bool
		want    circuitbreaker.State
	}{
		{name: "trial call succeeds", success: true, want: circuitbreaker.StateClosed},
		{name: "trial call fails", success: false, want: circuitbreaker.StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
			var transitions []string
			b := newBreaker(c, &transitions)
			fail(t, b, 3)

			c.now = c.now.Add(time.Minute)
			require.NoError(t, b.Allow())
			assert.Equal(t, circuitbreaker.StateHalfOpen, b.State())
			require.ErrorIs(t, b.Allow(), circuitbreaker.ErrOpen, "only one trial call at a time")

			b.Record(tt.success)
			assert.Equal(t, tt.want, b.State())
		})
	}
}
