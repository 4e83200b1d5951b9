package shared

import (
	"fmt"
	"time"
)

// DateLayout is the wire and storage format for business dates.
const DateLayout = "2006-01-02"

// BusinessZone is the fixed UTC+05:30 offset every business day is evaluated in.
var BusinessZone = time.FixedZone("IST", 5*60*60+30*60)

// BusinessToday returns the business date of now.
func BusinessToday(now time.Time) string {
	return now.In(BusinessZone).Format(DateLayout)
}

// ParseBusinessDate validates s and returns it normalised to YYYY-MM-DD.
func ParseBusinessDate(s string) (string, error) {
	t, err := time.ParseInLocation(DateLayout, s, BusinessZone)
	if err != nil {
		return "", fmt.Errorf("invalid business date %q: expected YYYY-MM-DD", s)
	}
	return t.Format(DateLayout), nil
}

// IsPastBusinessDate reports whether date falls before today's business date.
// date must already be normalised.
func IsPastBusinessDate(date string, now time.Time) bool {
	return date < BusinessToday(now)
}

// BusinessPeriod returns the YYYY-MM billing period of a normalised date.
func BusinessPeriod(date string) string {
	if len(date) < 7 {
		return date
	}
	return date[:7]
}

// BusinessDateOffset shifts a normalised date by days.
func BusinessDateOffset(date string, days int) (string, error) {
	t, err := time.ParseInLocation(DateLayout, date, BusinessZone)
	if err != nil {
		return "", fmt.Errorf("invalid business date %q: expected YYYY-MM-DD", date)
	}
	return t.AddDate(0, 0, days).Format(DateLayout), nil
}
