package engine

import "time"

// IsSchoolDay decides whether date is a school day for a class.
// Holidays override everything. A class with an explicit study-day list
// follows that list; otherwise every weekday except Sunday is a school day.
func (r Rules) IsSchoolDay(date time.Time, studyDays []int) bool {
	if r.Holidays.Has(DateString(date)) {
		return false
	}
	weekday := int(date.Weekday())
	if len(studyDays) > 0 {
		for _, d := range studyDays {
			if d == weekday {
				return true
			}
		}
		return false
	}
	return weekday != int(time.Sunday)
}

// MonthWindow bounds a month's day range for aggregation: the current month
// only counts up to today, past months count in full.
type MonthWindow struct {
	Year      int
	Month     time.Month
	LastDay   int
	StartDate string
	EndDate   string
}

// monthLabel renders a window's month for display, e.g. "January 2025".
func monthLabel(w MonthWindow) string {
	return time.Date(w.Year, w.Month, 1, 0, 0, 0, 0, time.UTC).Format("January 2006")
}

// monthWindow computes the window for a YYYY-MM string relative to now.
func monthWindow(month string, now time.Time, loc *time.Location) (MonthWindow, error) {
	first, err := time.ParseInLocation("2006-01", month, loc)
	if err != nil {
		return MonthWindow{}, err
	}
	lastOfMonth := first.AddDate(0, 1, -1).Day()
	last := lastOfMonth
	if first.Year() == now.Year() && first.Month() == now.Month() {
		last = now.Day()
	}
	return MonthWindow{
		Year:      first.Year(),
		Month:     first.Month(),
		LastDay:   last,
		StartDate: DateString(first),
		EndDate:   DateString(time.Date(first.Year(), first.Month(), last, 0, 0, 0, 0, loc)),
	}, nil
}
