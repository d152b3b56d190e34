package models

import "time"

const dateLayout = "2006-01-02"

// Date is a calendar day with no time-of-day or time zone
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar day t falls on in loc
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return Date{Year: y, Month: m, Day: d}
}

// Time returns midnight UTC of the day
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// AddDays returns the day n calendar days after d (n may be negative)
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC), time.UTC)
}

// Equal reports whether d and o are the same day
func (d Date) Equal(o Date) bool {
	return d == o
}

// Before reports whether d is earlier than o
func (d Date) Before(o Date) bool {
	return d.Time().Before(o.Time())
}

// After reports whether d is later than o
func (d Date) After(o Date) bool {
	return d.Time().After(o.Time())
}

func (d Date) String() string {
	return d.Time().Format(dateLayout)
}
