package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsecutiveAbsences(t *testing.T) {
	rules := testRules(t)
	rules.Holidays = NewHolidaySet("2025-01-13")
	configs := ClassConfigs{
		"5A": {
			Name:      "5A",
			StudyDays: []int{0, 1, 2, 3, 4, 5, 6},
			Shifts:    map[string]ShiftConfig{"morning": {StartTime: "07:00"}},
		},
	}
	st := testStudent()
	now := at(t, rules, "2025-01-15", "12:00")

	// 15th, 14th absent; 13th is a holiday and is skipped without breaking
	// the streak; 12th absent; 11th present terminates.
	records := []Record{
		{ID: "p1", StudentID: st.ID, Date: "2025-01-11", Status: TagPresent},
	}
	res := ConsecutiveAbsences(st, records, configs, nil, rules, now)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, "3 consecutive day absences", res.Details)

	// A late today breaks the streak immediately.
	records = append(records, Record{ID: "p2", StudentID: st.ID, Date: "2025-01-15", Status: TagLate})
	res = ConsecutiveAbsences(st, records, configs, nil, rules, now)
	assert.Equal(t, 0, res.Count)

	// An approved permission also terminates.
	perms := []Permission{{StudentID: st.ID, StartDate: "2025-01-14", EndDate: "2025-01-14", Status: "approved"}}
	res = ConsecutiveAbsences(st, records[:1], configs, perms, rules, now)
	assert.Equal(t, 1, res.Count)
}

func TestConsecutiveAbsencesAcrossMonthBoundary(t *testing.T) {
	rules := testRules(t)
	configs := ClassConfigs{
		"5A": {
			Name:      "5A",
			StudyDays: []int{0, 1, 2, 3, 4, 5, 6},
			Shifts:    map[string]ShiftConfig{"morning": {StartTime: "07:00"}},
		},
	}
	st := testStudent()
	now := at(t, rules, "2025-01-03", "12:00")

	// Attendance from the prior month must terminate the streak; fetching
	// records from the month boundary only would misread these days as
	// absences.
	records := []Record{
		{ID: "x1", StudentID: st.ID, Date: "2024-12-30", Status: TagPresent},
		{ID: "x2", StudentID: st.ID, Date: "2024-12-31", Status: TagPresent},
	}
	res := ConsecutiveAbsences(st, records, configs, nil, rules, now)
	assert.Equal(t, 3, res.Count)

	// The record window reaches back far enough to include those days.
	start := RecordWindowStart("2025-01", now, rules)
	assert.LessOrEqual(t, start, "2024-12-30")
}

func TestRecordWindowStart(t *testing.T) {
	rules := testRules(t)
	rules.LookbackDays = 14

	// Early in the month the lookback reaches into the prior month.
	now := at(t, rules, "2025-01-03", "12:00")
	assert.Equal(t, "2024-12-21", RecordWindowStart("2025-01", now, rules))

	// Late in the month the month start is earlier.
	now = at(t, rules, "2025-01-20", "12:00")
	assert.Equal(t, "2025-01-01", RecordWindowStart("2025-01", now, rules))
}

func TestMonthlyAbsences(t *testing.T) {
	rules := testRules(t)
	configs := testConfigs()
	st := testStudent()
	// 2025-01-06 is a Monday; Jan 1-3 are school days, 4-5 the weekend.
	now := at(t, rules, "2025-01-06", "12:00")

	res, err := MonthlyAbsences(st, nil, "2025-01", configs, nil, rules, now)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Count)
	assert.Equal(t, "4 absences in January 2025", res.Details)

	records := []Record{{ID: "m1", StudentID: st.ID, Date: "2025-01-02", Status: TagPresent}}
	res, err = MonthlyAbsences(st, records, "2025-01", configs, nil, rules, now)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)

	_, err = MonthlyAbsences(st, nil, "2025-13", configs, nil, rules, now)
	assert.Error(t, err)
}

func TestMonthlyLates(t *testing.T) {
	rules := testRules(t)
	st := testStudent()
	records := []Record{
		{ID: "l1", StudentID: st.ID, Date: "2025-01-02", Status: TagLate},
		{ID: "l2", StudentID: st.ID, Date: "2025-01-03", Status: TagLate},
		{ID: "l3", StudentID: st.ID, Date: "2025-01-04", Status: TagPresent},
		{ID: "l4", StudentID: st.ID, Date: "2024-12-30", Status: TagLate},
	}

	res, err := MonthlyLates(st, records, "2025-01", rules)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, "2 lates in January 2025", res.Details)
}

func TestAverageArrival(t *testing.T) {
	records := []Record{
		// -45 clamps to -30.
		{Date: "2025-01-02", Status: TagPresent, TimeIn: "06:15", StartTime: "07:00"},
		// +10.
		{Date: "2025-01-03", Status: TagLate, TimeIn: "07:10", StartTime: "07:00"},
		// Skipped: wrong month.
		{Date: "2024-12-30", Status: TagLate, TimeIn: "08:00", StartTime: "07:00"},
		// Skipped: no start time.
		{Date: "2025-01-04", Status: TagPresent, TimeIn: "07:00"},
	}

	res := AverageArrival(records, "2025-01")
	assert.Equal(t, 2, res.Samples)
	assert.InDelta(t, -10, res.AverageDifference, 0.001)
	assert.Equal(t, "10m early", res.AverageTime)

	res = AverageArrival(nil, "2025-01")
	assert.Equal(t, 0, res.Samples)
	assert.Equal(t, "N/A", res.AverageTime)
}

func TestFormatDeviation(t *testing.T) {
	assert.Equal(t, "on time", FormatDeviation(0.2))
	assert.Equal(t, "5m late", FormatDeviation(5))
	assert.Equal(t, "5m early", FormatDeviation(-5))
	assert.Equal(t, "1h 10m late", FormatDeviation(70))
}

func TestShiftLeaderboard(t *testing.T) {
	students := []Student{
		{ID: "s1", FullName: "A", Shift: "morning"},
		{ID: "s2", FullName: "B", Shift: "morning"},
		{ID: "s3", FullName: "C", Shift: "morning"},
		{ID: "s4", FullName: "D", Shift: "morning"},
		{ID: "s5", FullName: "E", Shift: "morning"}, // too few samples
		{ID: "s6", FullName: "F", Shift: "afternoon"},
	}

	mk := func(n int, timeIn string) []Record {
		out := make([]Record, n)
		for i := range out {
			out[i] = Record{
				Date:      "2025-01-0" + string(rune('1'+i)),
				Status:    TagPresent,
				TimeIn:    timeIn,
				StartTime: "07:00",
			}
		}
		return out
	}
	byStudent := map[string][]Record{
		"s1": mk(5, "06:50"), // -10
		"s2": mk(5, "07:05"), // +5
		"s3": mk(5, "07:20"), // +20
		"s4": mk(5, "07:00"), // 0
		"s5": mk(4, "06:40"),
		"s6": mk(5, "07:30"), // +30
	}

	board := ShiftLeaderboard(students, byStudent, "2025-01", 5)

	earliest := board.Earliest["morning"]
	require.Len(t, earliest, 3)
	assert.Equal(t, "s1", earliest[0].StudentID)
	assert.Equal(t, "s4", earliest[1].StudentID)
	assert.Equal(t, "s2", earliest[2].StudentID)

	latest := board.Latest["morning"]
	require.Len(t, latest, 3)
	assert.Equal(t, "s3", latest[0].StudentID)
	assert.Equal(t, "s2", latest[1].StudentID)
	assert.Equal(t, "s4", latest[2].StudentID)

	require.Len(t, board.Earliest["afternoon"], 1)
	assert.Equal(t, "s6", board.Earliest["afternoon"][0].StudentID)
}

func TestCollectWarnings(t *testing.T) {
	rules := testRules(t)
	configs := testConfigs()
	st := testStudent()
	now := at(t, rules, "2025-01-10", "12:00")

	th := WarningThresholds{ConsecutiveAbsences: 3, MonthlyAbsences: 5, MonthlyLates: 2}
	records := []Record{
		{ID: "w1", StudentID: st.ID, Date: "2025-01-02", Status: TagLate},
		{ID: "w2", StudentID: st.ID, Date: "2025-01-03", Status: TagLate},
	}

	warnings := CollectWarnings(st, records, "2025-01", configs, nil, rules, now, th)

	types := make(map[WarningType]bool, len(warnings))
	for _, w := range warnings {
		types[w.Type] = true
		assert.Equal(t, st.ID, w.StudentID)
	}
	// Jan 6-10 unrecorded school days: a live 5-day streak and 5 monthly
	// absences, plus the 2 lates.
	assert.True(t, types[WarnConsecutiveAbsence])
	assert.True(t, types[WarnTotalAbsence])
	assert.True(t, types[WarnTotalLate])
}
