package api

import (
	"time"

	"github.com/daimoniac/sitelock/internal/guard"
	"github.com/daimoniac/sitelock/internal/reconciler"
	"github.com/daimoniac/sitelock/internal/types"
)

// formatTimestamp converts epoch milliseconds to ISO8601 (RFC 3339) in UTC.
//
// Example:
//
//	formatTimestamp(1732896000000) returns "2024-11-29T16:00:00Z"
func formatTimestamp(epochMillis int64) string {
	return time.UnixMilli(epochMillis).UTC().Format(time.RFC3339)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// DecideRequest asks for a decision on one navigation target.
type DecideRequest struct {
	URL string `json:"url"`
}

// RestrictionResponse represents a restriction for API responses.
type RestrictionResponse struct {
	ID          int64  `json:"id"`
	Hostname    string `json:"hostname"`
	Active      bool   `json:"active"`
	DisplayName string `json:"display_name,omitempty"`
	// Enforced is whether the restriction blocks right now, taking
	// exceptions into account.
	Enforced bool `json:"enforced"`
}

// ExceptionResponse represents a bypass for API responses.
type ExceptionResponse struct {
	Hostname  string `json:"hostname"`
	ExpiresAt string `json:"expires_at"` // ISO8601
	Valid     bool   `json:"valid"`
}

// UnlockResponse is returned after a successful unlock.
type UnlockResponse struct {
	RestrictionID int64             `json:"restriction_id"`
	Exception     ExceptionResponse `json:"exception"`
	Persisted     bool              `json:"persisted"`
	Redirected    bool              `json:"redirected"`
}

// RelockResponse is returned after a relock.
type RelockResponse struct {
	Removed       []ExceptionResponse `json:"removed"`
	RestrictionID int64               `json:"restriction_id,omitempty"`
	Persisted     bool                `json:"persisted"`
}

// SyncResponse summarizes a manual reconciliation.
type SyncResponse struct {
	RunID          string           `json:"run_id"`
	Status         types.SyncStatus `json:"status"`
	Error          string           `json:"error,omitempty"`
	Changed        bool             `json:"changed"`
	DurationMs     int64            `json:"duration_ms"`
	Restrictions   int              `json:"restrictions"`
	DroppedURLs    int              `json:"dropped_urls"`
	ExpiredPruned  int              `json:"expired_pruned"`
	OrphanedPruned int              `json:"orphaned_pruned"`
	Redirected     int              `json:"redirected"`
}

// TokenRequest sets the directory credential.
type TokenRequest struct {
	Token string `json:"token"`
}

// BlockedResponse is the context rendered by the block page.
type BlockedResponse struct {
	guard.BlockContext
	// Enforced is false once a bypass or deactivation has lifted the
	// restriction, so the page can offer to continue.
	Enforced bool `json:"enforced"`
}

// CommandsResponse carries the pending tab commands.
type CommandsResponse struct {
	Commands []CommandResponse `json:"commands"`
}

// CommandResponse asks the host to navigate a tab.
type CommandResponse struct {
	TabID    int    `json:"tab_id"`
	URL      string `json:"url"`
	IssuedAt string `json:"issued_at"` // ISO8601
}

func toExceptionResponse(e types.ExceptionEntry, nowMillis int64) ExceptionResponse {
	return ExceptionResponse{
		Hostname:  e.HostnameKey,
		ExpiresAt: formatTimestamp(e.ExpiresAtEpochMillis),
		Valid:     e.ValidAt(nowMillis),
	}
}

func toExceptionResponses(entries []types.ExceptionEntry, nowMillis int64) []ExceptionResponse {
	out := make([]ExceptionResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toExceptionResponse(e, nowMillis))
	}
	return out
}

func toSyncResponse(out reconciler.Outcome) SyncResponse {
	resp := SyncResponse{
		RunID:          out.RunID,
		Status:         out.Status,
		Changed:        out.Changed,
		DurationMs:     out.Duration.Milliseconds(),
		Restrictions:   out.Restrictions,
		DroppedURLs:    out.DroppedURLs,
		ExpiredPruned:  out.ExpiredPruned,
		OrphanedPruned: out.OrphanedPruned,
		Redirected:     out.ContextsRedirect,
	}
	if out.Err != nil {
		resp.Error = string(out.Kind)
	}
	return resp
}
