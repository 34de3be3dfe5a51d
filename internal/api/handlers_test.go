package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/daimoniac/sitelock/internal/errors"
	"github.com/daimoniac/sitelock/internal/guard"
	"github.com/daimoniac/sitelock/internal/reconciler"
	"github.com/daimoniac/sitelock/internal/scheduler"
	"github.com/daimoniac/sitelock/internal/status"
	"github.com/daimoniac/sitelock/internal/types"
)

var exampleRecords = []types.RestrictionRecord{
	{ID: 1, HostnameKey: "example.com", IsActive: true, DisplayName: "Example"},
	{ID: 2, HostnameKey: "paused.org", IsActive: false},
}

func decode(t *testing.T, body string, v interface{}) {
	t.Helper()
	if err := json.Unmarshal([]byte(body), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", body, err)
	}
}

func TestHandleDecide(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), exampleRecords...)

	w := env.do(http.MethodPost, "/api/v1/navigation/decide", `{"url":"https://www.example.com/page"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var d guard.Decision
	decode(t, w.Body.String(), &d)
	if !d.Blocked() {
		t.Errorf("Expected block, got %+v", d)
	}
	if d.RestrictionID != 1 {
		t.Errorf("Expected restriction 1, got %d", d.RestrictionID)
	}
	if !strings.HasPrefix(d.RedirectURL, guard.DefaultBlockPageURL) {
		t.Errorf("Expected redirect to block page, got %q", d.RedirectURL)
	}

	w = env.do(http.MethodPost, "/api/v1/navigation/decide", `{"url":"https://paused.org"}`)
	decode(t, w.Body.String(), &d)
	if d.Blocked() {
		t.Error("Expected inactive restriction to allow")
	}
}

func TestHandleDecide_BadRequests(t *testing.T) {
	env := newTestEnv(t, defaultConfig())

	tests := []struct {
		name string
		body string
	}{
		{"missing url", `{}`},
		{"unknown field", `{"url":"https://a.com","extra":1}`},
		{"not json", `nope`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/v1/navigation/decide", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}
}

func TestHandleNavigationEvent_QueuesRedirect(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), exampleRecords...)

	w := env.do(http.MethodPost, "/api/v1/navigation/events",
		`{"type":"before_navigate","tab_id":4,"frame_id":0,"url":"https://example.com/a"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	w = env.do(http.MethodGet, "/api/v1/tabs/commands", "")
	var resp CommandsResponse
	decode(t, w.Body.String(), &resp)
	if len(resp.Commands) != 1 {
		t.Fatalf("Expected 1 command, got %d", len(resp.Commands))
	}
	if resp.Commands[0].TabID != 4 {
		t.Errorf("Expected tab 4, got %d", resp.Commands[0].TabID)
	}

	w = env.do(http.MethodGet, "/api/v1/tabs/commands", "")
	decode(t, w.Body.String(), &resp)
	if len(resp.Commands) != 0 {
		t.Errorf("Expected commands to be drained, got %d", len(resp.Commands))
	}

	w = env.do(http.MethodPost, "/api/v1/navigation/events", `{"type":"reload","tab_id":4}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unknown event type, got %d", w.Code)
	}
}

func TestHandleBlocked(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), exampleRecords...)

	w := env.do(http.MethodGet, "/api/v1/blocked?url=https%3A%2F%2Fexample.com%2Fa&id=1&host=example.com", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp BlockedResponse
	decode(t, w.Body.String(), &resp)
	if !resp.Enforced || resp.RestrictionID != 1 || resp.OriginalURL != "https://example.com/a" {
		t.Errorf("Unexpected block context %+v", resp)
	}

	w = env.do(http.MethodGet, "/api/v1/blocked?url=https%3A%2F%2Fexample.com", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 without id, got %d", w.Code)
	}
}

func TestHandleListRestrictions(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), exampleRecords...)

	w := env.do(http.MethodGet, "/api/v1/restrictions", "")
	var all []RestrictionResponse
	decode(t, w.Body.String(), &all)
	if len(all) != 2 {
		t.Fatalf("Expected 2 restrictions, got %d", len(all))
	}

	w = env.do(http.MethodGet, "/api/v1/restrictions?active=true", "")
	var active []RestrictionResponse
	decode(t, w.Body.String(), &active)
	if len(active) != 1 || active[0].Hostname != "example.com" || !active[0].Enforced {
		t.Errorf("Unexpected active restrictions %+v", active)
	}
}

func TestHandleGetRestriction(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), exampleRecords...)

	tests := []struct {
		name       string
		host       string
		wantStatus int
		wantID     int64
	}{
		{"exact", "example.com", http.StatusOK, 1},
		{"covered subdomain", "shop.example.com", http.StatusOK, 1},
		{"inactive exact", "paused.org", http.StatusOK, 2},
		{"unknown", "other.net", http.StatusNotFound, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodGet, "/api/v1/restrictions/"+tt.host, "")
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp RestrictionResponse
			decode(t, w.Body.String(), &resp)
			if resp.ID != tt.wantID {
				t.Errorf("Expected restriction %d, got %d", tt.wantID, resp.ID)
			}
		})
	}
}

func TestHandleUnlock(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), exampleRecords...)

	w := env.do(http.MethodPost, "/api/v1/unlock", `{"hostname":"shop.example.com","pin":"1234","persist":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp UnlockResponse
	decode(t, w.Body.String(), &resp)
	if resp.RestrictionID != 1 || resp.Exception.Hostname != "example.com" || !resp.Exception.Valid {
		t.Errorf("Unexpected unlock response %+v", resp)
	}
	if resp.Exception.ExpiresAt != "2026-03-01T12:30:00Z" {
		t.Errorf("Expected expiry 30 minutes out, got %s", resp.Exception.ExpiresAt)
	}
	if !resp.Persisted {
		t.Error("Expected remote deactivation to be queued")
	}

	w = env.do(http.MethodGet, "/api/v1/exceptions", "")
	var list []ExceptionResponse
	decode(t, w.Body.String(), &list)
	if len(list) != 1 {
		t.Fatalf("Expected 1 exception, got %d", len(list))
	}

	w = env.do(http.MethodPost, "/api/v1/navigation/decide", `{"url":"https://example.com"}`)
	var d guard.Decision
	decode(t, w.Body.String(), &d)
	if d.Blocked() || d.Reason != guard.ReasonException {
		t.Errorf("Expected exception to allow, got %+v", d)
	}

	// Expired bypasses are listed until pruned, but no longer valid.
	env.clock.Advance(31 * time.Minute)
	w = env.do(http.MethodGet, "/api/v1/exceptions", "")
	decode(t, w.Body.String(), &list)
	if len(list) != 1 || list[0].Valid {
		t.Errorf("Expected one expired exception, got %+v", list)
	}
}

func TestHandleUnlock_Errors(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		verifierErr error
		wantStatus  int
	}{
		{"wrong pin", `{"restriction_id":1,"pin":"0000"}`, nil, http.StatusForbidden},
		{"unknown restriction", `{"restriction_id":99,"pin":"1234"}`, nil, http.StatusNotFound},
		{"inactive restriction", `{"hostname":"paused.org","pin":"1234"}`, nil, http.StatusNotFound},
		{"missing pin", `{"restriction_id":1}`, nil, http.StatusBadRequest},
		{"missing target", `{"pin":"1234"}`, nil, http.StatusBadRequest},
		{"verifier unreachable", `{"restriction_id":1,"pin":"1234"}`,
			errors.NewTransientf("%w: connection refused", errors.ErrNetwork), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, defaultConfig(), exampleRecords...)
			env.verifier.err = tt.verifierErr

			w := env.do(http.MethodPost, "/api/v1/unlock", tt.body)

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if len(env.cache.ListExceptions()) != 0 {
				t.Error("Expected no exception to be granted")
			}
		})
	}
}

func TestHandleUnlock_ErrorBodyIsCoarse(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		verifierErr error
		want        string
	}{
		{"upstream detail hidden", `{"restriction_id":1,"pin":"1234"}`,
			errors.NewTransientf("%w: dial tcp 10.0.0.5:443: connection refused", errors.ErrNetwork), "network"},
		{"wrong pin", `{"restriction_id":1,"pin":"0000"}`, nil, "verification_failed"},
		{"unknown restriction", `{"restriction_id":99,"pin":"1234"}`, nil, "Not Found"},
		{"missing target", `{"pin":"1234"}`, nil, "Bad Request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, defaultConfig(), exampleRecords...)
			env.verifier.err = tt.verifierErr

			w := env.do(http.MethodPost, "/api/v1/unlock", tt.body)

			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Failed to decode error body: %v", err)
			}
			if resp.Error != tt.want {
				t.Errorf("Expected error %q, got %q", tt.want, resp.Error)
			}
			if strings.Contains(w.Body.String(), "10.0.0.5") {
				t.Error("Expected upstream detail to stay out of the response")
			}
		})
	}
}

func TestHandleRelock(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), exampleRecords...)

	w := env.do(http.MethodPost, "/api/v1/unlock", `{"restriction_id":1,"pin":"1234"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Unlock failed: %d", w.Code)
	}

	w = env.do(http.MethodDelete, "/api/v1/exceptions/shop.example.com?persist=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp RelockResponse
	decode(t, w.Body.String(), &resp)
	if len(resp.Removed) != 1 || resp.Removed[0].Hostname != "example.com" {
		t.Errorf("Unexpected removed list %+v", resp.Removed)
	}
	if resp.RestrictionID != 1 || !resp.Persisted {
		t.Errorf("Expected reactivation of restriction 1 to be queued, got %+v", resp)
	}

	depth, _ := env.queue.GetQueueDepth(context.Background())
	if depth != 1 {
		t.Errorf("Expected 1 queued update, got %d", depth)
	}
	if !env.cache.IsEnforced("example.com", types.ToEpochMillis(env.clock.Now())) {
		t.Error("Expected restriction to be enforced again")
	}
}

func TestHandleSync(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.syncer.outcome = reconciler.Outcome{
		RunID:        "run-1",
		Status:       types.SyncStatusOK,
		Changed:      true,
		Duration:     1500 * time.Millisecond,
		Restrictions: 3,
	}

	w := env.do(http.MethodPost, "/api/v1/sync", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp SyncResponse
	decode(t, w.Body.String(), &resp)
	if resp.RunID != "run-1" || resp.Status != types.SyncStatusOK || resp.DurationMs != 1500 || resp.Restrictions != 3 {
		t.Errorf("Unexpected sync response %+v", resp)
	}

	env.syncer.outcome = reconciler.Outcome{
		Status: types.SyncStatusError,
		Kind:   errors.KindNetwork,
		Err:    stderrors.New("dial tcp: refused"),
	}
	w = env.do(http.MethodPost, "/api/v1/sync", "")
	decode(t, w.Body.String(), &resp)
	if w.Code != http.StatusOK || resp.Error != "network" {
		t.Errorf("Expected failed outcome to be reported, got %d %+v", w.Code, resp)
	}

	env.syncer.err = scheduler.ErrSyncInProgress
	w = env.do(http.MethodPost, "/api/v1/sync", "")
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), exampleRecords...)

	w := env.do(http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var rep status.Report
	decode(t, w.Body.String(), &rep)
	if rep.Indicator != status.IndicatorUnauthenticated {
		t.Errorf("Expected unauthenticated, got %s", rep.Indicator)
	}
	if rep.Restrictions != 2 || rep.ActiveRestrictions != 1 {
		t.Errorf("Unexpected counts %+v", rep)
	}
	if rep.LastSyncAt != nil {
		t.Error("Expected null last_sync_at before the first sync")
	}

	env.store.SetFailure(stderrors.New("disk gone"))
	w = env.do(http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestHandleToken(t *testing.T) {
	env := newTestEnv(t, defaultConfig())

	w := env.do(http.MethodPut, "/api/v1/auth/token", `{"token":"abc"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", w.Code)
	}
	token, err := env.cache.Credential(context.Background())
	if err != nil || token != "abc" {
		t.Errorf("Expected stored credential abc, got %q (%v)", token, err)
	}
	if len(env.syncer.triggers) != 1 || env.syncer.triggers[0] != scheduler.ReasonSignIn {
		t.Errorf("Expected a sign-in sync trigger, got %v", env.syncer.triggers)
	}

	w = env.do(http.MethodPut, "/api/v1/auth/token", `{"token":""}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for empty token, got %d", w.Code)
	}

	w = env.do(http.MethodDelete, "/api/v1/auth/token", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", w.Code)
	}
	token, _ = env.cache.Credential(context.Background())
	if token != "" {
		t.Errorf("Expected credential to be cleared, got %q", token)
	}

	env.store.SetFailure(stderrors.New("disk gone"))
	w = env.do(http.MethodPut, "/api/v1/auth/token", `{"token":"abc"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}
