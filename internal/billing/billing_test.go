package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
)

func TestComputeCostNinetyMinutes(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	cost, err := ComputeCost(start, start.Add(90*time.Minute), 2.0)

	require.NoError(t, err)
	assert.InDelta(t, 3.0, cost, 1e-9)
}

func TestComputeCostZeroInterval(t *testing.T) {
	start := time.Now()

	cost, err := ComputeCost(start, start, 5)

	require.NoError(t, err)
	assert.Zero(t, cost)
}

func TestComputeCostRejectsReversedInterval(t *testing.T) {
	start := time.Now()

	_, err := ComputeCost(start, start.Add(-time.Second), 1)

	assert.ErrorIs(t, err, apperr.ErrInvalidInterval)
}

func TestComputeCostRejectsNegativePrice(t *testing.T) {
	start := time.Now()

	_, err := ComputeCost(start, start.Add(time.Hour), -1)

	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestComputeCostMonotonic(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := -1.0
	for _, d := range []time.Duration{0, time.Millisecond, time.Second, time.Minute, 59 * time.Minute, 3 * time.Hour, 72 * time.Hour} {
		cost, err := ComputeCost(start, start.Add(d), 1.75)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, cost, prev, "cost decreased at %s", d)
		assert.GreaterOrEqual(t, cost, 0.0)
		prev = cost
	}
}

func TestHoursElapsedIgnoresSubMillisecond(t *testing.T) {
	start := time.Unix(0, 0)

	assert.Zero(t, HoursElapsed(start, start.Add(999*time.Microsecond)))
	assert.InDelta(t, 0.5, HoursElapsed(start, start.Add(30*time.Minute)), 1e-12)
}
