package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRules(t *testing.T) Rules {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Phnom_Penh")
	require.NoError(t, err)
	return DefaultRules(loc)
}

func testConfigs() ClassConfigs {
	return ClassConfigs{
		"5A": {
			Name:      "5A",
			StudyDays: []int{1, 2, 3, 4, 5},
			Shifts: map[string]ShiftConfig{
				"morning": {StartTime: "07:00"},
			},
		},
	}
}

func testStudent() Student {
	return Student{
		ID:         "stu-1",
		FullName:   "Sok Dara",
		Class:      "5A",
		Shift:      "morning",
		EnrolledAt: "2024-12-01",
	}
}

func at(t *testing.T, rules Rules, date, clock string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", date+" "+clock, rules.Location)
	require.NoError(t, err)
	return ts
}

func TestClassifyDayEnrollmentAndCalendar(t *testing.T) {
	rules := testRules(t)
	configs := testConfigs()
	st := testStudent()
	st.EnrolledAt = "2025-01-10"
	now := at(t, rules, "2025-01-20", "12:00")

	// Before enrollment, whatever the calendar says.
	day := ClassifyDay(st, "2025-01-09", nil, configs, nil, rules, now)
	assert.Equal(t, StatusNotYetEnrolled, day.Status)

	// Enrollment date itself is still pre-enrollment.
	day = ClassifyDay(st, "2025-01-10", nil, configs, nil, rules, now)
	assert.Equal(t, StatusNotYetEnrolled, day.Status)

	// A present record on a pre-enrollment day wins over the registry.
	rec := &Record{ID: "r1", StudentID: st.ID, Date: "2025-01-09", Status: TagPresent}
	day = ClassifyDay(st, "2025-01-09", rec, configs, nil, rules, now)
	assert.Equal(t, StatusPresent, day.Status)

	// 2025-01-11 is a Saturday and the class studies Mon-Fri.
	day = ClassifyDay(st, "2025-01-11", nil, configs, nil, rules, now)
	assert.Equal(t, StatusNoSchool, day.Status)

	// Holidays override study days.
	rules.Holidays = NewHolidaySet("2025-01-13")
	day = ClassifyDay(st, "2025-01-13", nil, configs, nil, rules, now)
	assert.Equal(t, StatusNoSchool, day.Status)
}

func TestClassifyDayPermissionBeatsRecord(t *testing.T) {
	rules := testRules(t)
	configs := testConfigs()
	st := testStudent()
	now := at(t, rules, "2025-01-20", "12:00")
	perms := []Permission{
		{StudentID: st.ID, StartDate: "2025-01-13", EndDate: "2025-01-15", Status: "approved"},
		{StudentID: st.ID, StartDate: "2025-01-16", EndDate: "2025-01-16", Status: "pending"},
	}

	day := ClassifyDay(st, "2025-01-14", nil, configs, perms, rules, now)
	assert.Equal(t, StatusPermission, day.Status)

	// A stray late record inside the approved range stays excused.
	rec := &Record{ID: "r2", StudentID: st.ID, Date: "2025-01-14", Status: TagLate}
	day = ClassifyDay(st, "2025-01-14", rec, configs, perms, rules, now)
	assert.Equal(t, StatusPermission, day.Status)

	// Unapproved permission does not excuse.
	day = ClassifyDay(st, "2025-01-16", nil, configs, perms, rules, now)
	assert.Equal(t, StatusAbsent, day.Status)

	// Another student's permission never excuses.
	other := []Permission{{StudentID: "stu-2", StartDate: "2025-01-14", EndDate: "2025-01-14", Status: "approved"}}
	day = ClassifyDay(st, "2025-01-14", nil, configs, other, rules, now)
	assert.Equal(t, StatusAbsent, day.Status)
}

func TestClassifyDayRecordMapping(t *testing.T) {
	rules := testRules(t)
	configs := testConfigs()
	st := testStudent()
	now := at(t, rules, "2025-01-20", "12:00")

	ts := at(t, rules, "2025-01-14", "07:05")
	rec := &Record{ID: "r3", StudentID: st.ID, Date: "2025-01-14", Status: TagPresent, Timestamp: &ts}
	day := ClassifyDay(st, "2025-01-14", rec, configs, nil, rules, now)
	assert.Equal(t, StatusPresent, day.Status)
	assert.Equal(t, "7:05 AM", day.Time)

	rec.Status = TagLate
	day = ClassifyDay(st, "2025-01-14", rec, configs, nil, rules, now)
	assert.Equal(t, StatusLate, day.Status)

	rec.Status = "garbage"
	day = ClassifyDay(st, "2025-01-14", rec, configs, nil, rules, now)
	assert.Equal(t, StatusUnknown, day.Status)
}

func TestClassifyDayLiveWindow(t *testing.T) {
	rules := testRules(t)
	rules.GraceMinutes = 15
	rules.LateWindowMinutes = 15
	configs := testConfigs()
	st := testStudent()

	// Start 07:00, grace to 07:15, late window to 07:30.
	day := ClassifyDay(st, "2025-01-14", nil, configs, nil, rules, at(t, rules, "2025-01-14", "06:30"))
	assert.Equal(t, StatusPending, day.Status)

	day = ClassifyDay(st, "2025-01-14", nil, configs, nil, rules, at(t, rules, "2025-01-14", "07:29"))
	assert.Equal(t, StatusPending, day.Status)

	day = ClassifyDay(st, "2025-01-14", nil, configs, nil, rules, at(t, rules, "2025-01-14", "07:31"))
	assert.Equal(t, StatusAbsent, day.Status)
}

func TestClassifyDayConfigMissing(t *testing.T) {
	rules := testRules(t)
	st := testStudent()
	st.Shift = "evening"
	now := at(t, rules, "2025-01-15", "12:00")

	// Today without a configured shift start.
	day := ClassifyDay(st, "2025-01-15", nil, testConfigs(), nil, rules, now)
	assert.Equal(t, StatusAbsentConfigMissing, day.Status)

	// Past school day without a configured shift start.
	day = ClassifyDay(st, "2025-01-14", nil, testConfigs(), nil, rules, now)
	assert.Equal(t, StatusAbsentConfigMissing, day.Status)
}

func TestClassifyDayPastAndFuture(t *testing.T) {
	rules := testRules(t)
	configs := testConfigs()
	st := testStudent()
	now := at(t, rules, "2025-01-15", "12:00")

	day := ClassifyDay(st, "2025-01-14", nil, configs, nil, rules, now)
	assert.Equal(t, StatusAbsent, day.Status)

	day = ClassifyDay(st, "2025-01-16", nil, configs, nil, rules, now)
	assert.Equal(t, StatusNone, day.Status)

	day = ClassifyDay(st, "not-a-date", nil, configs, nil, rules, now)
	assert.Equal(t, StatusUnknown, day.Status)
}

func TestClassifyDayDeterministic(t *testing.T) {
	rules := testRules(t)
	rules.Holidays = NewHolidaySet("2025-01-13")
	configs := testConfigs()
	st := testStudent()
	now := at(t, rules, "2025-01-15", "07:20")
	perms := []Permission{{StudentID: st.ID, StartDate: "2025-01-09", EndDate: "2025-01-10", Status: "approved"}}
	ts := at(t, rules, "2025-01-14", "07:30")
	rec := &Record{ID: "r4", StudentID: st.ID, Date: "2025-01-14", Status: TagLate, Timestamp: &ts}

	dates := []string{"2025-01-09", "2025-01-13", "2025-01-14", "2025-01-15", "2025-01-16"}
	first := make(map[string]DayStatus, len(dates))
	for _, d := range dates {
		var r *Record
		if d == rec.Date {
			r = rec
		}
		first[d] = ClassifyDay(st, d, r, configs, perms, rules, now)
	}
	for i := 0; i < 50; i++ {
		for _, d := range dates {
			var r *Record
			if d == rec.Date {
				r = rec
			}
			assert.Equal(t, first[d], ClassifyDay(st, d, r, configs, perms, rules, now))
		}
	}
}

func TestCheckInTag(t *testing.T) {
	rules := testRules(t)
	configs := testConfigs()
	st := testStudent()

	tag, start, err := CheckInTag(st, configs, rules, at(t, rules, "2025-01-14", "07:14"))
	require.NoError(t, err)
	assert.Equal(t, TagPresent, tag)
	assert.Equal(t, "07:00", start)

	tag, _, err = CheckInTag(st, configs, rules, at(t, rules, "2025-01-14", "07:15"))
	require.NoError(t, err)
	assert.Equal(t, TagPresent, tag)

	tag, _, err = CheckInTag(st, configs, rules, at(t, rules, "2025-01-14", "07:16"))
	require.NoError(t, err)
	assert.Equal(t, TagLate, tag)

	// Well past the late cutoff a check-in is still accepted as late.
	tag, _, err = CheckInTag(st, configs, rules, at(t, rules, "2025-01-14", "11:00"))
	require.NoError(t, err)
	assert.Equal(t, TagLate, tag)

	// Per-student grace override.
	grace := 30
	st.GraceMinutes = &grace
	tag, _, err = CheckInTag(st, configs, rules, at(t, rules, "2025-01-14", "07:25"))
	require.NoError(t, err)
	assert.Equal(t, TagPresent, tag)

	st.Shift = "evening"
	_, _, err = CheckInTag(st, configs, rules, at(t, rules, "2025-01-14", "07:00"))
	assert.ErrorIs(t, err, ErrShiftConfigMissing)
}
