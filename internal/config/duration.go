package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields are plain strings in the YAML ("5m", "90s") and parsed at
// the point of use so errors can name the offending field.

// ParseDurationField parses a config duration. path names the field in error
// messages. A blank value parses to zero so the caller can pick its own
// default; negative durations are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for a
// blank or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
