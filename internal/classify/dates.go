package classify

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Accepted range for user-entered years.
const (
	minYear = 2020
	maxYear = 2100
)

// ParseDate parses a user-entered YYYY-MM-DD date. Year, month and day are
// range-checked; calendar correctness beyond that is delegated to the time
// package, which normalizes overflows.
func ParseDate(s string) (time.Time, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("date %q must be formatted YYYY-MM-DD", s)
	}

	year, err := strconv.Atoi(parts[0])
	if err != nil || year < minYear || year >= maxYear {
		return time.Time{}, fmt.Errorf("year %q must be in [%d, %d)", parts[0], minYear, maxYear)
	}

	month, err := strconv.Atoi(parts[1])
	if err != nil || month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("month %q must be in [1, 12]", parts[1])
	}

	day, err := strconv.Atoi(parts[2])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("day %q must be in [1, 31]", parts[2])
	}

	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}
