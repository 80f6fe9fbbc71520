package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-string fields ("500ms", "10s", "1m") go through these helpers
// so every field reports errors the same way. path names the field in the
// error, e.g. "scheduler.fire_timeout".

// ParseDurationField parses a duration-string config value. Empty input
// is zero, not an error; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration %q must not be negative", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for
// empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	switch d, err := ParseDurationField(path, raw); {
	case err != nil:
		return 0, err
	case d > 0:
		return d, nil
	default:
		return def, nil
	}
}
