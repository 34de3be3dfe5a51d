package types

import (
	"sort"
)

// RestrictionRecord is the local, read-only projection of one remotely
// managed restriction, materialized once per hostname.
type RestrictionRecord struct {
	ID          int64  `json:"id"`
	HostnameKey string `json:"hostname_key"`
	IsActive    bool   `json:"is_active"`
	DisplayName string `json:"display_name,omitempty"`
}

// ExceptionEntry is a temporary, locally owned bypass of a restriction.
type ExceptionEntry struct {
	HostnameKey          string `json:"hostname_key"`
	ExpiresAtEpochMillis int64  `json:"expires_at_epoch_millis"`
}

// ValidAt reports whether the entry has not yet expired at nowMillis.
// Whether the restriction behind it is still active is the cache's concern.
func (e ExceptionEntry) ValidAt(nowMillis int64) bool {
	return nowMillis < e.ExpiresAtEpochMillis
}

// SyncStatus is the outcome class of the last reconciliation.
type SyncStatus string

const (
	SyncStatusUnknown         SyncStatus = ""
	SyncStatusOK              SyncStatus = "ok"
	SyncStatusUnauthenticated SyncStatus = "unauthenticated"
	SyncStatusError           SyncStatus = "error"
)

// SyncMetadata records the result of the most recent reconciliation.
type SyncMetadata struct {
	LastSyncAtEpochMillis   int64      `json:"last_sync_at_epoch_millis"`
	ConsecutiveFailureCount int        `json:"consecutive_failure_count"`
	LastStatus              SyncStatus `json:"last_status"`
	LastError               string     `json:"last_error,omitempty"`
}

// RemoteRecord is a restriction as returned by the remote directory, before
// its URLs are normalized into hostname keys.
type RemoteRecord struct {
	ID         int64    `json:"id"`
	TargetURLs []string `json:"target_urls"`
	IsActive   bool     `json:"is_active"`
	Name       string   `json:"name,omitempty"`
}

// SortRestrictions orders records by hostname, then ID. Persisted snapshots
// are always sorted so byte comparison is order-independent.
func SortRestrictions(records []RestrictionRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].HostnameKey != records[j].HostnameKey {
			return records[i].HostnameKey < records[j].HostnameKey
		}
		return records[i].ID < records[j].ID
	})
}

// SortExceptions orders entries by hostname, then expiry.
func SortExceptions(entries []ExceptionEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].HostnameKey != entries[j].HostnameKey {
			return entries[i].HostnameKey < entries[j].HostnameKey
		}
		return entries[i].ExpiresAtEpochMillis < entries[j].ExpiresAtEpochMillis
	})
}

// EqualRestrictions compares two record sets ignoring order.
func EqualRestrictions(a, b []RestrictionRecord) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[RestrictionRecord]int, len(a))
	for _, r := range a {
		counts[r]++
	}
	for _, r := range b {
		if counts[r] == 0 {
			return false
		}
		counts[r]--
	}
	return true
}

// EqualExceptions compares two exception sets ignoring order.
func EqualExceptions(a, b []ExceptionEntry) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[ExceptionEntry]int, len(a))
	for _, e := range a {
		counts[e]++
	}
	for _, e := range b {
		if counts[e] == 0 {
			return false
		}
		counts[e]--
	}
	return true
}
