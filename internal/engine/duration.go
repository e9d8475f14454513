package engine

import (
	"strconv"
	"strings"
	"time"

	"github.com/kestrelflow/reactor/pkg/errors"
)

// ParseDuration accepts the duration grammar in §6: a plain positive
// milliseconds integer, or a string "<int>(ms|s|m|h|d)". Zero and negative
// values are invalid.
func ParseDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, errors.NewValidationError([]errors.Issue{{Path: "duration", Message: "must not be empty"}})
	}

	if ms, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return validateNonZero(time.Duration(ms) * time.Millisecond)
	}

	unit := unitSuffix(trimmed)
	if unit == "" {
		return 0, errors.NewValidationError([]errors.Issue{{Path: "duration", Message: "unrecognized duration " + raw}})
	}

	numPart := trimmed[:len(trimmed)-len(unit)]
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, errors.NewValidationError([]errors.Issue{{Path: "duration", Message: "unrecognized duration " + raw}})
	}

	var d time.Duration
	switch unit {
	case "ms":
		d = time.Duration(n) * time.Millisecond
	case "s":
		d = time.Duration(n) * time.Second
	case "m":
		d = time.Duration(n) * time.Minute
	case "h":
		d = time.Duration(n) * time.Hour
	case "d":
		d = time.Duration(n) * 24 * time.Hour
	}
	return validateNonZero(d)
}

func validateNonZero(d time.Duration) (time.Duration, error) {
	if d <= 0 {
		return 0, errors.NewValidationError([]errors.Issue{{Path: "duration", Message: "must be positive"}})
	}
	return d, nil
}

// unitSuffix returns the longest recognized unit suffix on raw, or "".
func unitSuffix(raw string) string {
	for _, unit := range []string{"ms", "s", "m", "h", "d"} {
		if strings.HasSuffix(raw, unit) {
			numPart := raw[:len(raw)-len(unit)]
			if numPart != "" {
				if _, err := strconv.ParseInt(numPart, 10, 64); err == nil {
					return unit
				}
			}
		}
	}
	return ""
}
