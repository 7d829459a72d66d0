package engine

import (
	"errors"
	"log"
	"time"
)

// ErrShiftConfigMissing marks a shift with no configured start time.
// It is a configuration gap that downstream surfaces flag for admin action,
// never an error blamed on the student.
var ErrShiftConfigMissing = errors.New("shift start time not configured")

// ClassifyDay returns the status of one student on one calendar date.
//
// The evaluation order is the business rule and must not be rearranged:
// enrollment, school calendar, approved permission, recorded attendance,
// then the live grace/late window when the date is today. Given fixed
// inputs (now included) the result is deterministic.
func ClassifyDay(st Student, date string, rec *Record, configs ClassConfigs, perms []Permission, rules Rules, now time.Time) DayStatus {
	now = now.In(rules.Location)
	checkDate, err := ParseDate(date, rules.Location)
	if err != nil {
		log.Printf("engine: unparseable date %q for student %s", date, st.ID)
		return DayStatus{Status: StatusUnknown}
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, rules.Location)

	// A present record overrides the enrollment-date guard: the student was
	// demonstrably there, whatever the registry says.
	if st.EnrolledAt != "" && date <= st.EnrolledAt {
		if rec == nil || rec.Status != TagPresent {
			return DayStatus{Status: StatusNotYetEnrolled}
		}
	}

	cfg, hasCfg := configs[st.Class]
	var studyDays []int
	if hasCfg {
		studyDays = cfg.StudyDays
	}
	if !rules.IsSchoolDay(checkDate, studyDays) {
		return DayStatus{Status: StatusNoSchool}
	}

	// Permission wins over any record so an administrator can retroactively
	// excuse a day even when a stray row exists.
	for _, p := range perms {
		if p.StudentID != st.ID {
			continue
		}
		if p.Approved() && p.Contains(date) {
			return DayStatus{Status: StatusPermission}
		}
	}

	if rec != nil {
		var status Status
		switch rec.Status {
		case TagPresent:
			status = StatusPresent
		case TagLate:
			status = StatusLate
		default:
			log.Printf("engine: record %s has unrecognized status %q, classifying Unknown", rec.ID, rec.Status)
			status = StatusUnknown
		}
		return DayStatus{Status: status, Time: formatArrival(rec, rules.Location)}
	}

	switch {
	case checkDate.Equal(today):
		start, err := shiftStart(st, cfg, hasCfg, today, rules.Location)
		if err != nil {
			return DayStatus{Status: StatusAbsentConfigMissing}
		}
		if now.Before(start) {
			return DayStatus{Status: StatusPending}
		}
		deadline := start.Add(time.Duration(rules.grace(st)) * time.Minute)
		cutoff := deadline.Add(time.Duration(rules.LateWindowMinutes) * time.Minute)
		if now.After(cutoff) {
			return DayStatus{Status: StatusAbsent}
		}
		return DayStatus{Status: StatusPending}
	case checkDate.Before(today):
		// A past day with no record is only the student's fault when the
		// shift was actually configured; otherwise flag the config gap so
		// dashboards can exclude it.
		if _, err := shiftStart(st, cfg, hasCfg, checkDate, rules.Location); err != nil {
			return DayStatus{Status: StatusAbsentConfigMissing}
		}
		return DayStatus{Status: StatusAbsent}
	default:
		return DayStatus{Status: StatusNone}
	}
}

// CheckInTag decides the status tag for a check-in happening now and returns
// the shift's HH:MM start string for storage alongside the record. The same
// grace rule drives ClassifyDay's live window, so the two cannot diverge.
func CheckInTag(st Student, configs ClassConfigs, rules Rules, now time.Time) (tag, startTime string, err error) {
	now = now.In(rules.Location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, rules.Location)
	cfg, hasCfg := configs[st.Class]
	start, err := shiftStart(st, cfg, hasCfg, today, rules.Location)
	if err != nil {
		return "", "", err
	}
	deadline := start.Add(time.Duration(rules.grace(st)) * time.Minute)
	tag = TagPresent
	if now.After(deadline) {
		tag = TagLate
	}
	return tag, start.Format("15:04"), nil
}

// shiftStart resolves the configured start time of the student's shift on a
// given day.
func shiftStart(st Student, cfg ClassConfig, hasCfg bool, day time.Time, loc *time.Location) (time.Time, error) {
	if !hasCfg {
		return time.Time{}, ErrShiftConfigMissing
	}
	shift, ok := cfg.Shifts[st.Shift]
	if !ok || shift.StartTime == "" {
		return time.Time{}, ErrShiftConfigMissing
	}
	h, m, err := ParseClock(shift.StartTime)
	if err != nil {
		return time.Time{}, ErrShiftConfigMissing
	}
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, loc), nil
}

// formatArrival renders the record's check-in moment for display.
func formatArrival(rec *Record, loc *time.Location) string {
	if rec.Timestamp == nil {
		return ""
	}
	return rec.Timestamp.In(loc).Format("3:04 PM")
}
