package units

import (
	"fmt"
	"time"
)

// IsTimezoneValid checks if the given timezone is valid by attempting to load it from the tz database
// This validates against the actual system tz database rather than a hardcoded list
func IsTimezoneValid(tz string) bool {
	if tz == "" {
		return false
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}

// ConvertTime converts a UTC time to the specified timezone
// Telemetry stores all times in UTC, this function converts them for display
func ConvertTime(utcTime time.Time, targetTimezone string) (time.Time, error) {
	if targetTimezone == "UTC" {
		return utcTime, nil // No conversion needed
	}

	loc, err := time.LoadLocation(targetTimezone)
	if err != nil {
		return utcTime, fmt.Errorf("failed to load timezone %s: %w", targetTimezone, err)
	}

	return utcTime.In(loc), nil
}

// FormatUnixMillis renders a unix-millisecond timestamp in the given
// timezone using RFC 3339. Session listings use this so operators see
// local wall-clock times while the database keeps UTC.
func FormatUnixMillis(ms int64, targetTimezone string) (string, error) {
	t, err := ConvertTime(time.UnixMilli(ms).UTC(), targetTimezone)
	if err != nil {
		return "", err
	}
	return t.Format(time.RFC3339), nil
}
