package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// CountResult is the `{count, details}` shape consumed by dashboards.
type CountResult struct {
	Count   int    `json:"count"`
	Details string `json:"details"`
}

// recordsByDate indexes a student's records by calendar date. When a day has
// several shift rows the first one wins, matching the classifier's
// one-record-per-day view.
func recordsByDate(records []Record) map[string]*Record {
	m := make(map[string]*Record, len(records))
	for i := range records {
		if _, ok := m[records[i].Date]; !ok {
			m[records[i].Date] = &records[i]
		}
	}
	return m
}

// ConsecutiveAbsences walks backward from today counting the current absence
// streak. Present, Late and Permission days terminate the streak; No School
// and Not Yet Enrolled days are skipped without breaking it, so weekends and
// holidays never interrupt a run of real absences.
func ConsecutiveAbsences(st Student, records []Record, configs ClassConfigs, perms []Permission, rules Rules, now time.Time) CountResult {
	lookback := rules.LookbackDays
	if lookback <= 0 {
		lookback = DefaultLookbackDays
	}
	now = now.In(rules.Location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, rules.Location)
	byDate := recordsByDate(records)

	count := 0
walk:
	for i := 0; i < lookback; i++ {
		date := DateString(today.AddDate(0, 0, -i))
		day := ClassifyDay(st, date, byDate[date], configs, perms, rules, now)
		switch day.Status {
		case StatusAbsent:
			count++
		case StatusPresent, StatusLate, StatusPermission:
			break walk
		}
		// Everything else (No School, Not Yet Enrolled, Pending, ...) is
		// neither an absence nor attendance: keep walking.
	}
	return CountResult{
		Count:   count,
		Details: fmt.Sprintf("%d consecutive day absences", count),
	}
}

// RecordWindowStart returns the earliest record date a month's aggregations
// need: the first of the month or the start of the streak lookback,
// whichever is earlier. Fetching from the month boundary alone would hide
// prior-month attendance from the streak walk and inflate it.
func RecordWindowStart(month string, now time.Time, rules Rules) string {
	lookback := rules.LookbackDays
	if lookback <= 0 {
		lookback = DefaultLookbackDays
	}
	now = now.In(rules.Location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, rules.Location)
	start := DateString(today.AddDate(0, 0, -(lookback - 1)))
	if first := month + "-01"; first < start {
		return first
	}
	return start
}

// MonthlyAbsences classifies every day of a YYYY-MM month (up to today for
// the current month) and counts Absent outcomes. Warning thresholds are the
// caller's policy.
func MonthlyAbsences(st Student, records []Record, month string, configs ClassConfigs, perms []Permission, rules Rules, now time.Time) (CountResult, error) {
	now = now.In(rules.Location)
	win, err := monthWindow(month, now, rules.Location)
	if err != nil {
		return CountResult{}, fmt.Errorf("monthly absences: %w", err)
	}
	byDate := recordsByDate(records)

	count := 0
	for day := 1; day <= win.LastDay; day++ {
		date := DateString(time.Date(win.Year, win.Month, day, 0, 0, 0, 0, rules.Location))
		if ClassifyDay(st, date, byDate[date], configs, perms, rules, now).Status == StatusAbsent {
			count++
		}
	}
	return CountResult{
		Count:   count,
		Details: fmt.Sprintf("%d absences in %s", count, monthLabel(win)),
	}, nil
}

// MonthlyLates counts raw late records inside a YYYY-MM month. A physical
// record already exists for each late, so no classification pass is needed.
func MonthlyLates(st Student, records []Record, month string, rules Rules) (CountResult, error) {
	first, err := time.ParseInLocation("2006-01", month, rules.Location)
	if err != nil {
		return CountResult{}, fmt.Errorf("monthly lates: %w", err)
	}
	count := 0
	for _, rec := range records {
		if rec.Status == TagLate && strings.HasPrefix(rec.Date, month+"-") {
			count++
		}
	}
	return CountResult{
		Count:   count,
		Details: fmt.Sprintf("%d lates in %s", count, first.Format("January 2006")),
	}, nil
}

// EarlyClampMinutes floors arrival deltas so one very early outlier cannot
// dominate an average.
const EarlyClampMinutes = -30

// ArrivalResult carries the average arrival deviation for a month.
// AverageDifference is in minutes; negative means early.
type ArrivalResult struct {
	AverageTime       string  `json:"average_time"`
	Details           string  `json:"details"`
	AverageDifference float64 `json:"average_difference"`
	Samples           int     `json:"samples"`
}

// AverageArrival averages clock-in deviation from shift start over a YYYY-MM
// month. Only present/late records carrying both the raw clock-in and the
// shift start qualify; early arrivals are clamped at EarlyClampMinutes.
func AverageArrival(records []Record, month string) ArrivalResult {
	var sum float64
	var n int
	for _, rec := range records {
		if rec.Status != TagPresent && rec.Status != TagLate {
			continue
		}
		if !strings.HasPrefix(rec.Date, month+"-") || rec.TimeIn == "" || rec.StartTime == "" {
			continue
		}
		in, err := minutesOfDay(rec.TimeIn)
		if err != nil {
			continue
		}
		start, err := minutesOfDay(rec.StartTime)
		if err != nil {
			continue
		}
		delta := float64(in - start)
		if delta < EarlyClampMinutes {
			delta = EarlyClampMinutes
		}
		sum += delta
		n++
	}
	if n == 0 {
		return ArrivalResult{AverageTime: "N/A", Details: "no qualifying records"}
	}
	avg := sum / float64(n)
	return ArrivalResult{
		AverageTime:       FormatDeviation(avg),
		Details:           fmt.Sprintf("average over %d records", n),
		AverageDifference: avg,
		Samples:           n,
	}
}

// FormatDeviation renders a minute deviation as "5m early", "1h 10m late"
// or "on time".
func FormatDeviation(minutes float64) string {
	rounded := int(math.Round(math.Abs(minutes)))
	if rounded == 0 {
		return "on time"
	}
	suffix := "late"
	if minutes < 0 {
		suffix = "early"
	}
	if rounded >= 60 {
		return fmt.Sprintf("%dh %dm %s", rounded/60, rounded%60, suffix)
	}
	return fmt.Sprintf("%dm %s", rounded, suffix)
}

// DefaultMinLeaderboardSamples is the qualifying-day floor before a student
// appears on a shift leaderboard.
const DefaultMinLeaderboardSamples = 5

// Ranking is one leaderboard row.
type Ranking struct {
	StudentID         string  `json:"student_id"`
	FullName          string  `json:"full_name"`
	Shift             string  `json:"shift"`
	AverageDifference float64 `json:"average_difference"`
	AverageTime       string  `json:"average_time"`
	Samples           int     `json:"samples"`
}

// Leaderboard holds per-shift top-3 rankings: earliest average arrivals and
// latest average arrivals, ranked independently.
type Leaderboard struct {
	Earliest map[string][]Ranking `json:"earliest"`
	Latest   map[string][]Ranking `json:"latest"`
}

// ShiftLeaderboard groups students by shift and ranks them by average
// arrival deviation over a YYYY-MM month. minSamples guards against
// one-off flukes; pass 0 for the default.
func ShiftLeaderboard(students []Student, recordsByStudent map[string][]Record, month string, minSamples int) Leaderboard {
	if minSamples <= 0 {
		minSamples = DefaultMinLeaderboardSamples
	}
	byShift := make(map[string][]Ranking)
	for _, st := range students {
		if st.Shift == "" {
			continue
		}
		res := AverageArrival(recordsByStudent[st.ID], month)
		if res.Samples < minSamples {
			continue
		}
		byShift[st.Shift] = append(byShift[st.Shift], Ranking{
			StudentID:         st.ID,
			FullName:          st.FullName,
			Shift:             st.Shift,
			AverageDifference: res.AverageDifference,
			AverageTime:       res.AverageTime,
			Samples:           res.Samples,
		})
	}

	board := Leaderboard{
		Earliest: make(map[string][]Ranking, len(byShift)),
		Latest:   make(map[string][]Ranking, len(byShift)),
	}
	for shift, rankings := range byShift {
		board.Earliest[shift] = topThree(rankings, func(a, b Ranking) bool {
			if a.AverageDifference != b.AverageDifference {
				return a.AverageDifference < b.AverageDifference
			}
			return a.StudentID < b.StudentID
		})
		board.Latest[shift] = topThree(rankings, func(a, b Ranking) bool {
			if a.AverageDifference != b.AverageDifference {
				return a.AverageDifference > b.AverageDifference
			}
			return a.StudentID < b.StudentID
		})
	}
	return board
}

func topThree(rankings []Ranking, less func(a, b Ranking) bool) []Ranking {
	sorted := make([]Ranking, len(rankings))
	copy(sorted, rankings)
	sort.Slice(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	if len(sorted) > 3 {
		sorted = sorted[:3]
	}
	return sorted
}

// WarningType labels a dashboard attendance warning.
type WarningType string

const (
	WarnConsecutiveAbsence WarningType = "consecutiveAbsence"
	WarnTotalAbsence       WarningType = "totalAbsence"
	WarnTotalLate          WarningType = "totalLate"
)

// Warning is a threshold breach surfaced for dashboard rendering.
type Warning struct {
	StudentID string      `json:"student_id"`
	FullName  string      `json:"full_name"`
	Class     string      `json:"class,omitempty"`
	Shift     string      `json:"shift,omitempty"`
	Type      WarningType `json:"type"`
	Value     int         `json:"value"`
	Details   string      `json:"details,omitempty"`
}

// WarningThresholds is caller policy; zero disables a check.
type WarningThresholds struct {
	ConsecutiveAbsences int
	MonthlyAbsences     int
	MonthlyLates        int
}

// CollectWarnings evaluates one student against the thresholds for a month.
func CollectWarnings(st Student, records []Record, month string, configs ClassConfigs, perms []Permission, rules Rules, now time.Time, th WarningThresholds) []Warning {
	var warnings []Warning
	add := func(t WarningType, res CountResult) {
		warnings = append(warnings, Warning{
			StudentID: st.ID,
			FullName:  st.FullName,
			Class:     st.Class,
			Shift:     st.Shift,
			Type:      t,
			Value:     res.Count,
			Details:   res.Details,
		})
	}

	if th.ConsecutiveAbsences > 0 {
		if res := ConsecutiveAbsences(st, records, configs, perms, rules, now); res.Count >= th.ConsecutiveAbsences {
			add(WarnConsecutiveAbsence, res)
		}
	}
	if th.MonthlyAbsences > 0 {
		if res, err := MonthlyAbsences(st, records, month, configs, perms, rules, now); err == nil && res.Count >= th.MonthlyAbsences {
			add(WarnTotalAbsence, res)
		}
	}
	if th.MonthlyLates > 0 {
		if res, err := MonthlyLates(st, records, month, rules); err == nil && res.Count >= th.MonthlyLates {
			add(WarnTotalLate, res)
		}
	}
	return warnings
}
