// Package markethours is the NSE trading calendar: trading days, session
// hours and the last session whose daily bar is final.
package markethours

import "time"

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Session close in IST.
const (
	CloseHour   = 15
	CloseMinute = 30
)

// IsWeekday returns true if t is Mon–Fri in IST.
func IsWeekday(t time.Time) bool {
	wd := t.In(IST).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	return IsWeekday(ist) && !IsHoliday(ist)
}

// TodayClose returns the session close on t's IST date.
func TodayClose(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// LastClosedSession returns the date, as UTC midnight, of the most recent
// trading day whose session had closed by t. A daily bar for any later date
// is still forming.
func LastClosedSession(t time.Time) time.Time {
	ist := t.In(IST)
	d := ist
	if !ist.After(TodayClose(ist)) {
		d = d.AddDate(0, 0, -1)
	}
	return TradingDayOnOrBefore(d)
}

// TradingDayOnOrBefore returns the latest trading day not after t's IST date,
// as UTC midnight.
func TradingDayOnOrBefore(t time.Time) time.Time {
	return stepToTradingDay(t, -1)
}

// TradingDayOnOrAfter returns the earliest trading day not before t's IST
// date, as UTC midnight.
func TradingDayOnOrAfter(t time.Time) time.Time {
	return stepToTradingDay(t, 1)
}

// stepToTradingDay walks from t's IST date in direction dir. No NSE closure
// has lasted two weeks, so the walk is bounded.
func stepToTradingDay(t time.Time, dir int) time.Time {
	d := t.In(IST)
	for i := 0; i < 15 && !IsTradingDay(d); i++ {
		d = d.AddDate(0, 0, dir)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}
