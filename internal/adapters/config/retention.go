package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	retentionPart  = regexp.MustCompile(`(\d+)([dhms])`)
	retentionWhole = regexp.MustCompile(`^(\s*\d+[dhms])+\s*$`)

	retentionUnits = map[string]time.Duration{
		"d": 24 * time.Hour,
		"h": time.Hour,
		"m": time.Minute,
		"s": time.Second,
	}
)

// ParseRetention parses day-aware durations such as "7d", "1d1h30m" or
// "1d 1h 1m 1s". Components are summed, so "90m" and "1h30m" are equal.
func ParseRetention(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if !retentionWhole.MatchString(s) {
		return 0, fmt.Errorf("invalid duration %q: want components like 7d, 1h or 30m", s)
	}

	var total time.Duration
	for _, m := range retentionPart.FindAllStringSubmatch(s, -1) {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += time.Duration(n) * retentionUnits[m[2]]
	}
	return total, nil
}
