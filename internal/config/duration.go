package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations in the config file are Go duration strings ("5s", "10m").
// An empty or absent field means "use the built-in default", so parsing
// distinguishes unset (zero, no error) from malformed (error).

// ParseDurationField parses one duration-string field such as
// storage.busy_timeout or engine.resync_interval. Empty input is unset and
// yields zero; negative durations are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with the app's defaulting
// policy: unset (and explicit zero) fall back to def. The wiring in
// internal/app uses this for every tunable interval.
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
