package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the engine's classification of one (student, date) pair.
type Status string

const (
	StatusPresent             Status = "Present"
	StatusLate                Status = "Late"
	StatusAbsent              Status = "Absent"
	StatusPermission          Status = "Permission"
	StatusNoSchool            Status = "No School"
	StatusNotYetEnrolled      Status = "Not Yet Enrolled"
	StatusPending             Status = "Pending"
	StatusUnknown             Status = "Unknown"
	StatusAbsentConfigMissing Status = "Absent (Config Missing)"

	// StatusNone marks a future school day that has no outcome yet.
	StatusNone Status = ""
)

// Valid reports whether s is a status the engine can produce.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent, StatusPermission,
		StatusNoSchool, StatusNotYetEnrolled, StatusPending, StatusUnknown,
		StatusAbsentConfigMissing, StatusNone:
		return true
	default:
		return false
	}
}

// Raw record status tags as written by the recorder.
const (
	TagPresent   = "present"
	TagLate      = "late"
	TagRequested = "requested"
)

// Student is a read-only view of the student registry.
type Student struct {
	ID           string `json:"id"`
	FullName     string `json:"full_name"`
	Class        string `json:"class"`
	Shift        string `json:"shift"`
	EnrolledAt   string `json:"enrolled_at"` // YYYY-MM-DD, empty if unknown
	GraceMinutes *int   `json:"grace_minutes,omitempty"`
	OnBreak      bool   `json:"on_break,omitempty"`
	Dropped      bool   `json:"dropped,omitempty"`
	Flagged      bool   `json:"flagged,omitempty"`
}

// ShiftConfig holds the configured start time for one shift of a class.
// A missing or empty StartTime is a configuration gap, not absence of school.
type ShiftConfig struct {
	StartTime string `json:"start_time"` // HH:MM, 24-hour, school-local
}

// ClassConfig describes one class: its study days and shift start times.
type ClassConfig struct {
	Name      string                 `json:"name"`
	StudyDays []int                  `json:"study_days"` // 0=Sunday..6=Saturday; empty means every day but Sunday
	Shifts    map[string]ShiftConfig `json:"shifts"`
}

// ClassConfigs maps class identifier to its configuration.
type ClassConfigs map[string]ClassConfig

// Record is one raw attendance row: one per (student, date, shift).
type Record struct {
	ID          string     `json:"id"`
	StudentID   string     `json:"student_id"`
	StudentName string     `json:"student_name,omitempty"`
	Date        string     `json:"date"` // YYYY-MM-DD
	Status      string     `json:"status"`
	Shift       string     `json:"shift,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	TimeIn      string     `json:"time_in,omitempty"`    // HH:MM actual clock-in
	StartTime   string     `json:"start_time,omitempty"` // HH:MM shift start at write time
	Method      string     `json:"method,omitempty"`
	NotifyError string     `json:"notify_error,omitempty"`
}

// Permission is an approved absence range, inclusive on both ends.
type Permission struct {
	StudentID string `json:"student_id"`
	StartDate string `json:"start_date"` // YYYY-MM-DD
	EndDate   string `json:"end_date"`   // YYYY-MM-DD
	Status    string `json:"status"`
}

// Approved reports whether the permission has been granted.
func (p Permission) Approved() bool { return p.Status == "approved" }

// Contains reports whether the ISO date falls inside the range.
// Lexicographic comparison is exact for YYYY-MM-DD strings.
func (p Permission) Contains(date string) bool {
	return date >= p.StartDate && date <= p.EndDate
}

// DayStatus is the classifier output: a status plus an optional formatted
// arrival time. It is a value, recomputed on every query.
type DayStatus struct {
	Status Status `json:"status"`
	Time   string `json:"time,omitempty"`
}

// HolidaySet is an immutable set of YYYY-MM-DD dates with no school.
type HolidaySet map[string]struct{}

// NewHolidaySet builds a set from date strings.
func NewHolidaySet(dates ...string) HolidaySet {
	s := make(HolidaySet, len(dates))
	for _, d := range dates {
		s[d] = struct{}{}
	}
	return s
}

// Has reports whether date is a holiday.
func (h HolidaySet) Has(date string) bool {
	_, ok := h[date]
	return ok
}

// Rules carries the classification policy: timezone, holiday calendar and
// the grace/late windows. All configuration is passed in, never cached.
type Rules struct {
	Location          *time.Location
	Holidays          HolidaySet
	GraceMinutes      int
	LateWindowMinutes int
	LookbackDays      int
}

// Defaults for the classification policy.
const (
	DefaultGraceMinutes      = 15
	DefaultLateWindowMinutes = 60
	DefaultLookbackDays      = 14
)

// DefaultRules returns the standard policy in the given school timezone.
func DefaultRules(loc *time.Location) Rules {
	return Rules{
		Location:          loc,
		Holidays:          HolidaySet{},
		GraceMinutes:      DefaultGraceMinutes,
		LateWindowMinutes: DefaultLateWindowMinutes,
		LookbackDays:      DefaultLookbackDays,
	}
}

// grace resolves the per-student override against the standard default.
func (r Rules) grace(st Student) int {
	if st.GraceMinutes != nil {
		return *st.GraceMinutes
	}
	return r.GraceMinutes
}

// DateString formats t as a school-local calendar date.
func DateString(t time.Time) string { return t.Format("2006-01-02") }

// ParseDate parses a YYYY-MM-DD string in the given location.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", s, loc)
}

// ParseClock splits an HH:MM string into hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock string %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock string %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock string %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("clock string %q out of range", s)
	}
	return hour, minute, nil
}

// minutesOfDay converts HH:MM to minutes since midnight.
func minutesOfDay(s string) (int, error) {
	h, m, err := ParseClock(s)
	if err != nil {
		return 0, err
	}
	return h*60 + m, nil
}
