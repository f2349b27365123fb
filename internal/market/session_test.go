package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ist(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return loc
}

func TestClockPhases(t *testing.T) {
	loc := ist(t)
	clock, err := NewClock("15:15")
	require.NoError(t, err)

	// Monday 2024-06-03
	cases := []struct {
		name string
		at   time.Time
		want Phase
	}{
		{"before pre-open", time.Date(2024, 6, 3, 8, 59, 0, 0, loc), PhaseClosed},
		{"pre-open", time.Date(2024, 6, 3, 9, 5, 0, 0, loc), PhasePreOpen},
		{"open boundary", time.Date(2024, 6, 3, 9, 15, 0, 0, loc), PhaseNormal},
		{"mid session", time.Date(2024, 6, 3, 12, 0, 0, 0, loc), PhaseNormal},
		{"last minute", time.Date(2024, 6, 3, 15, 29, 59, 0, loc), PhaseNormal},
		{"close boundary", time.Date(2024, 6, 3, 15, 30, 0, 0, loc), PhaseClosed},
		{"saturday", time.Date(2024, 6, 1, 12, 0, 0, 0, loc), PhaseClosed},
		{"sunday", time.Date(2024, 6, 2, 12, 0, 0, 0, loc), PhaseClosed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, clock.PhaseAt(tc.at))
		})
	}
}

func TestClockHoliday(t *testing.T) {
	loc := ist(t)
	clock, err := NewClock("15:15")
	require.NoError(t, err)

	day := time.Date(2024, 8, 15, 11, 0, 0, 0, loc) // Independence Day
	assert.True(t, clock.IsOpenAt(day))

	clock.AddHoliday(day)
	assert.False(t, clock.IsOpenAt(day))
	assert.Equal(t, PhaseClosed, clock.PhaseAt(day))
}

func TestClockSquareOff(t *testing.T) {
	loc := ist(t)
	clock, err := NewClock("15:15")
	require.NoError(t, err)

	before := time.Date(2024, 6, 3, 15, 14, 59, 0, loc)
	at := time.Date(2024, 6, 3, 15, 15, 0, 0, loc)

	assert.False(t, clock.PastSquareOff(before))
	assert.True(t, clock.PastSquareOff(at))

	// Square-off never fires on a non-trading day.
	sat := time.Date(2024, 6, 1, 15, 20, 0, 0, loc)
	assert.False(t, clock.PastSquareOff(sat))
}

func TestClockSquareOffValidation(t *testing.T) {
	_, err := NewClock("09:00")
	assert.Error(t, err)

	_, err = NewClock("16:00")
	assert.Error(t, err)

	_, err = NewClock("not-a-time")
	assert.Error(t, err)
}

func TestClockNextOpen(t *testing.T) {
	loc := ist(t)
	clock, err := NewClock("15:15")
	require.NoError(t, err)

	// Friday afternoon rolls over the weekend to Monday 9:15.
	fri := time.Date(2024, 6, 7, 16, 0, 0, 0, loc)
	next := clock.NextOpen(fri)
	assert.Equal(t, time.Date(2024, 6, 10, 9, 15, 0, 0, loc), next)

	// Early morning on a trading day opens the same day.
	mon := time.Date(2024, 6, 10, 7, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 6, 10, 9, 15, 0, 0, loc), clock.NextOpen(mon))
}

func TestSessionDate(t *testing.T) {
	loc := ist(t)
	clock, err := NewClock("15:15")
	require.NoError(t, err)

	at := time.Date(2024, 6, 3, 10, 0, 0, 0, loc)
	assert.Equal(t, "2024-06-03", clock.SessionDate(at))

	// A UTC instant late on the 3rd is already the 4th in IST.
	utc := time.Date(2024, 6, 3, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-06-04", clock.SessionDate(utc))
}
