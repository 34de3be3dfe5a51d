package types

import (
	"time"
)

// ToEpochMillis converts t to milliseconds since the Unix epoch.
func ToEpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromEpochMillis converts epoch milliseconds to a UTC time.
// Zero maps to the zero time so "never" stays distinguishable.
func FromEpochMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// NewException builds an entry expiring ttl after nowMillis.
func NewException(hostnameKey string, nowMillis int64, ttl time.Duration) ExceptionEntry {
	return ExceptionEntry{
		HostnameKey:          hostnameKey,
		ExpiresAtEpochMillis: nowMillis + ttl.Milliseconds(),
	}
}

// FormatEpochMillis renders ms as RFC 3339 in UTC, or nil for zero.
func FormatEpochMillis(ms int64) *string {
	if ms == 0 {
		return nil
	}
	formatted := FromEpochMillis(ms).Format(time.RFC3339)
	return &formatted
}
