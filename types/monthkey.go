package types

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// MonthKey is the "MM-YYYY" partition key used throughout the state
// store and on-disk layout.
type MonthKey string

var (
	mmYYYY = regexp.MustCompile(`^(\d{2})-(\d{4})$`)
	yyyyMM = regexp.MustCompile(`^(\d{4})-(\d{2})$`)
)

// NewMonthKey builds a canonical MonthKey from a month/year pair.
func NewMonthKey(month, year int) MonthKey {
	return MonthKey(fmt.Sprintf("%02d-%04d", month, year))
}

// MonthKeyFromTime derives a MonthKey from a time.Time, in its local
// calendar month/year.
func MonthKeyFromTime(t time.Time) MonthKey {
	return NewMonthKey(int(t.Month()), t.Year())
}

// Canonicalize accepts either "MM-YYYY" or "YYYY-MM" and returns the
// canonical "MM-YYYY" form, per the State Store's month-key
// normalization boundary (spec §4.4).
func Canonicalize(raw string) (MonthKey, error) {
	if m := mmYYYY.FindStringSubmatch(raw); m != nil {
		return MonthKey(raw), nil
	}
	if m := yyyyMM.FindStringSubmatch(raw); m != nil {
		return MonthKey(fmt.Sprintf("%s-%s", m[2], m[1])), nil
	}
	return "", fmt.Errorf("invalid month key %q: expected MM-YYYY or YYYY-MM", raw)
}

// Parts splits a canonical MonthKey into its month and year integers.
func (m MonthKey) Parts() (month, year int, err error) {
	match := mmYYYY.FindStringSubmatch(string(m))
	if match == nil {
		return 0, 0, fmt.Errorf("invalid month key %q: expected MM-YYYY", m)
	}
	month, _ = strconv.Atoi(match[1])
	year, _ = strconv.Atoi(match[2])
	return month, year, nil
}

// Time returns the first instant of the month in UTC.
func (m MonthKey) Time() (time.Time, error) {
	month, year, err := m.Parts()
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC), nil
}

// Prev returns the MonthKey for the calendar month immediately before m.
func (m MonthKey) Prev() (MonthKey, error) {
	t, err := m.Time()
	if err != nil {
		return "", err
	}
	prev := t.AddDate(0, -1, 0)
	return MonthKeyFromTime(prev), nil
}

// Before reports whether m is strictly earlier than other.
func (m MonthKey) Before(other MonthKey) bool {
	mt, err1 := m.Time()
	ot, err2 := other.Time()
	if err1 != nil || err2 != nil {
		return string(m) < string(other)
	}
	return mt.Before(ot)
}

// String implements fmt.Stringer.
func (m MonthKey) String() string { return string(m) }
