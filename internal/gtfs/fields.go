package gtfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the storage format for calendar dates.
const DateLayout = "2006-01-02"

var (
	errDateFormat = errors.New("want 8-digit YYYYMMDD")
	errNoDate     = errors.New("not a calendar date")
	errTimeFormat = errors.New("want HH:MM[:SS]")
	errTimeRange  = errors.New("minutes and seconds must be in [0,59]")
	errTimestamp  = errors.New("unrecognized timestamp")

	epochPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
)

// ParseCalendarDate parses a GTFS YYYYMMDD date into midnight UTC of that day.
func ParseCalendarDate(text string) (time.Time, error) {
	s := strings.TrimSpace(text)
	if len(s) != 8 {
		return time.Time{}, &ParseError{Field: "date", Value: text, Err: errDateFormat}
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return time.Time{}, &ParseError{Field: "date", Value: text, Err: errDateFormat}
		}
	}

	y, _ := strconv.Atoi(s[:4])
	m, _ := strconv.Atoi(s[4:6])
	d, _ := strconv.Atoi(s[6:])
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes overflow (Feb 30 -> Mar 2), so compare back.
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return time.Time{}, &ParseError{Field: "date", Value: text, Err: errNoDate}
	}
	return t, nil
}

// TimeOfDay is a wall-clock time within a single day.
type TimeOfDay struct {
	Hour, Minute, Second int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// Seconds returns the number of seconds since midnight.
func (t TimeOfDay) Seconds() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// ParseServiceTime parses a GTFS HH:MM[:SS] time. Hours past midnight wrap
// modulo 24, so "25:10:00" is 01:10:00.
func ParseServiceTime(text string) (TimeOfDay, error) {
	h, m, s, err := splitServiceTime(text)
	if err != nil {
		return TimeOfDay{}, err
	}
	return TimeOfDay{Hour: h % 24, Minute: m, Second: s}, nil
}

// ServiceSeconds returns the seconds elapsed since the start of the service
// day without wrapping, so "25:00:00" is 90000.
func ServiceSeconds(text string) (int, error) {
	h, m, s, err := splitServiceTime(text)
	if err != nil {
		return 0, err
	}
	return h*3600 + m*60 + s, nil
}

func splitServiceTime(text string) (h, m, s int, err error) {
	parts := strings.Split(strings.TrimSpace(text), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, 0, &ParseError{Field: "time", Value: text, Err: errTimeFormat}
	}

	vals := make([]int, 3)
	for i, p := range parts {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n < 0 {
			return 0, 0, 0, &ParseError{Field: "time", Value: text, Err: errTimeFormat}
		}
		vals[i] = n
	}
	if vals[1] > 59 || vals[2] > 59 {
		return 0, 0, 0, &ParseError{Field: "time", Value: text, Err: errTimeRange}
	}
	return vals[0], vals[1], vals[2], nil
}

var offsetLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// ParseVendorTimestamp converts an epoch-seconds number or an ISO-8601 string
// into an instant expressed in loc. Strings without an offset are read in loc.
func ParseVendorTimestamp(v any, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	switch x := v.(type) {
	case time.Time:
		return x.In(loc), nil
	case int:
		return time.Unix(int64(x), 0).In(loc), nil
	case int32:
		return time.Unix(int64(x), 0).In(loc), nil
	case int64:
		return time.Unix(x, 0).In(loc), nil
	case uint32:
		return time.Unix(int64(x), 0).In(loc), nil
	case uint64:
		return time.Unix(int64(x), 0).In(loc), nil
	case float64:
		return fromEpoch(x, loc), nil
	case json.Number:
		return parseTimestampString(x.String(), loc)
	case string:
		return parseTimestampString(x, loc)
	}
	return time.Time{}, &ParseError{Field: "timestamp", Value: fmt.Sprint(v), Err: errTimestamp}
}

func parseTimestampString(text string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(text)
	if epochPattern.MatchString(s) {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, &ParseError{Field: "timestamp", Value: text, Err: err}
		}
		return fromEpoch(f, loc), nil
	}

	if strings.HasSuffix(s, "Z") || strings.HasSuffix(s, "z") {
		s = s[:len(s)-1] + "+00:00"
	}
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.In(loc), nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &ParseError{Field: "timestamp", Value: text, Err: errTimestamp}
}

func fromEpoch(f float64, loc *time.Location) time.Time {
	sec := math.Floor(f)
	nsec := math.Round((f - sec) * 1e9)
	return time.Unix(int64(sec), int64(nsec)).In(loc)
}
