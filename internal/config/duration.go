package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Millis converts a millisecond field; 0 yields def. Negative values are
// rejected unless allowNegative is set.
func Millis(path string, ms int64, def time.Duration, allowNegative bool) (time.Duration, error) {
	switch {
	case ms == 0:
		return def, nil
	case ms < 0 && !allowNegative:
		return 0, fmt.Errorf("%s must be >= 0", path)
	default:
		return time.Duration(ms) * time.Millisecond, nil
	}
}
