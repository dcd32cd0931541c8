// SPDX-License-Identifier: MIT

package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/reconciler/internal/errs"
)

func TestGuard_ExceedsCeilingWithoutIssuingRequest(t *testing.T) {
	g := NewGuard("test", Daily, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, g.CheckAndIncrement())
	}
	err := g.CheckAndIncrement()
	assert.ErrorIs(t, err, errs.ErrQuotaExceeded)
}

func TestGuard_RemainingDecreases(t *testing.T) {
	g := NewGuard("test", Daily, 5)
	assert.Equal(t, 5, g.Remaining())
	require.NoError(t, g.CheckAndIncrement())
	assert.Equal(t, 4, g.Remaining())
}

func TestGuard_RemainingNeverNegative(t *testing.T) {
	g := NewGuard("test", Daily, 1)
	require.NoError(t, g.CheckAndIncrement())
	_ = g.CheckAndIncrement()
	_ = g.CheckAndIncrement()
	assert.Equal(t, 0, g.Remaining())
}

func TestGuard_RecordSaturationSignalExhaustsImmediately(t *testing.T) {
	g := NewGuard("secondary", Daily, 100)
	g.RecordSaturationSignal()
	assert.Equal(t, 0, g.Remaining())
	assert.ErrorIs(t, g.CheckAndIncrement(), errs.ErrQuotaExceeded)
}

func TestGuard_SaturatedViaAuthAmbiguityTracksSaturationSignalOnly(t *testing.T) {
	g := NewGuard("secondary", Daily, 100)
	assert.False(t, g.SaturatedViaAuthAmbiguity())

	g.RecordSaturationSignal()
	assert.True(t, g.SaturatedViaAuthAmbiguity())
}

func TestGuard_SaturatedViaAuthAmbiguityFalseWhenCounterDrivesExhaustion(t *testing.T) {
	g := NewGuard("tertiary", Daily, 1)
	require.NoError(t, g.CheckAndIncrement())
	assert.ErrorIs(t, g.CheckAndIncrement(), errs.ErrQuotaExceeded)
	assert.False(t, g.SaturatedViaAuthAmbiguity(), "an ordinary ceiling hit is not an auth-ambiguous saturation")
}

func TestGuard_MonthlyPeriodKeyFormat(t *testing.T) {
	g := NewGuard("tertiary", Monthly, 10)
	assert.Len(t, g.currentKey, 7) // "YYYY-MM"
}

func TestGuard_DailyPeriodKeyFormat(t *testing.T) {
	g := NewGuard("secondary", Daily, 10)
	assert.Len(t, g.currentKey, 8) // "YYYY-DDD" (year + day-of-year)
}
