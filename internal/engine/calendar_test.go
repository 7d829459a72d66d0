package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSchoolDay(t *testing.T) {
	rules := testRules(t)
	rules.Holidays = NewHolidaySet("2025-01-14")

	day := func(date string) time.Time {
		d, err := ParseDate(date, rules.Location)
		require.NoError(t, err)
		return d
	}

	// Holiday overrides everything.
	assert.False(t, rules.IsSchoolDay(day("2025-01-14"), []int{0, 1, 2, 3, 4, 5, 6}))

	// Explicit study-day list.
	monToFri := []int{1, 2, 3, 4, 5}
	assert.True(t, rules.IsSchoolDay(day("2025-01-13"), monToFri))  // Monday
	assert.False(t, rules.IsSchoolDay(day("2025-01-11"), monToFri)) // Saturday
	assert.False(t, rules.IsSchoolDay(day("2025-01-12"), monToFri)) // Sunday

	// No list configured: every day but Sunday.
	assert.True(t, rules.IsSchoolDay(day("2025-01-11"), nil))  // Saturday
	assert.False(t, rules.IsSchoolDay(day("2025-01-12"), nil)) // Sunday
}

func TestMonthWindow(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Phnom_Penh")
	require.NoError(t, err)

	now := time.Date(2025, time.January, 15, 12, 0, 0, 0, loc)

	// Current month stops at today.
	win, err := monthWindow("2025-01", now, loc)
	require.NoError(t, err)
	assert.Equal(t, 15, win.LastDay)

	// A past month covers all its days.
	win, err = monthWindow("2024-12", now, loc)
	require.NoError(t, err)
	assert.Equal(t, 31, win.LastDay)

	// February length respects leap years.
	win, err = monthWindow("2024-02", now, loc)
	require.NoError(t, err)
	assert.Equal(t, 29, win.LastDay)

	_, err = monthWindow("2024-13", now, loc)
	assert.Error(t, err)
}
