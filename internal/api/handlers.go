package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/daimoniac/sitelock/internal/errors"
	"github.com/daimoniac/sitelock/internal/exceptions"
	"github.com/daimoniac/sitelock/internal/guard"
	"github.com/daimoniac/sitelock/internal/hostname"
	"github.com/daimoniac/sitelock/internal/scheduler"
	"github.com/daimoniac/sitelock/internal/types"
)

func (s *APIServer) nowMillis() int64 {
	return types.ToEpochMillis(s.deps.Clock.Now())
}

// handleDecide evaluates a navigation target
// @Summary Decide navigation
// @Description Evaluate a URL against the cached restrictions and exceptions
// @Tags Navigation
// @Accept json
// @Produce json
// @Param request body DecideRequest true "Navigation target"
// @Success 200 {object} guard.Decision
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Security BearerAuth
// @Router /navigation/decide [post]
func (s *APIServer) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.URL == "" {
		s.respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	s.respondJSON(w, http.StatusOK, s.deps.Guard.Decide(req.URL, s.nowMillis()))
}

// handleNavigationEvent applies a host navigation or tab lifecycle event
// @Summary Report navigation event
// @Description Track tab state and decide top-level navigations
// @Tags Navigation
// @Accept json
// @Produce json
// @Param event body guard.Event true "Navigation event"
// @Success 200 {object} guard.Decision
// @Failure 400 {object} ErrorResponse "Invalid event"
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Security BearerAuth
// @Router /navigation/events [post]
func (s *APIServer) handleNavigationEvent(w http.ResponseWriter, r *http.Request) {
	var ev guard.Event
	if err := decodeBody(w, r, &ev); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !ev.Type.Valid() {
		s.respondError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	s.respondJSON(w, http.StatusOK, s.deps.Guard.HandleEvent(ev, s.nowMillis()))
}

// handleDrainCommands returns and clears the pending tab commands
// @Summary Drain tab commands
// @Description Return navigation commands queued for the host since the last call
// @Tags Navigation
// @Produce json
// @Success 200 {object} CommandsResponse
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Security BearerAuth
// @Router /tabs/commands [get]
func (s *APIServer) handleDrainCommands(w http.ResponseWriter, r *http.Request) {
	cmds := s.deps.Guard.Tabs().DrainCommands()
	resp := CommandsResponse{Commands: make([]CommandResponse, 0, len(cmds))}
	for _, c := range cmds {
		resp.Commands = append(resp.Commands, CommandResponse{
			TabID:    c.TabID,
			URL:      c.URL,
			IssuedAt: formatTimestamp(types.ToEpochMillis(c.IssuedAt)),
		})
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleBlocked resolves the block page context
// @Summary Block page context
// @Description Parse the block page parameters and report whether the restriction still applies
// @Tags Navigation
// @Produce json
// @Param url query string true "Original URL"
// @Param id query int true "Restriction ID"
// @Param host query string false "Restricted hostname"
// @Param name query string false "Display name"
// @Success 200 {object} BlockedResponse
// @Failure 400 {object} ErrorResponse "Invalid block context"
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Security BearerAuth
// @Router /blocked [get]
func (s *APIServer) handleBlocked(w http.ResponseWriter, r *http.Request) {
	bc, ok := guard.ParseBlockContext(r.URL.Query())
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid block context")
		return
	}

	enforced := false
	if bc.Hostname != "" {
		enforced = s.deps.Cache.IsEnforced(bc.Hostname, s.nowMillis())
	}
	s.respondJSON(w, http.StatusOK, BlockedResponse{BlockContext: bc, Enforced: enforced})
}

// handleListRestrictions lists cached restrictions
// @Summary List restrictions
// @Description List every cached restriction, active or not
// @Tags Restrictions
// @Produce json
// @Param active query boolean false "Only active restrictions"
// @Success 200 {array} RestrictionResponse
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Security BearerAuth
// @Router /restrictions [get]
func (s *APIServer) handleListRestrictions(w http.ResponseWriter, r *http.Request) {
	activeOnly := parseQueryParamBool(r, "active")
	now := s.nowMillis()

	records := s.deps.Cache.Restrictions()
	resp := make([]RestrictionResponse, 0, len(records))
	for _, rec := range records {
		if activeOnly && !rec.IsActive {
			continue
		}
		resp = append(resp, s.toRestrictionResponse(rec, now))
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleGetRestriction returns the restriction governing a hostname
// @Summary Get restriction
// @Description Return the restriction stored for a hostname, or the active one covering it
// @Tags Restrictions
// @Produce json
// @Param hostname path string true "Hostname"
// @Success 200 {object} RestrictionResponse
// @Failure 400 {object} ErrorResponse "Invalid hostname"
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 404 {object} ErrorResponse "No restriction"
// @Security BearerAuth
// @Router /restrictions/{hostname} [get]
func (s *APIServer) handleGetRestriction(w http.ResponseWriter, r *http.Request) {
	key, err := hostname.Normalize(mux.Vars(r)["hostname"])
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid hostname")
		return
	}

	rec, ok := s.deps.Cache.ReadRestriction(key)
	if !ok {
		rec, ok = s.deps.Cache.Lookup(key)
	}
	if !ok {
		s.respondError(w, http.StatusNotFound, "no restriction for "+key)
		return
	}
	s.respondJSON(w, http.StatusOK, s.toRestrictionResponse(rec, s.nowMillis()))
}

func (s *APIServer) toRestrictionResponse(rec types.RestrictionRecord, now int64) RestrictionResponse {
	return RestrictionResponse{
		ID:          rec.ID,
		Hostname:    rec.HostnameKey,
		Active:      rec.IsActive,
		DisplayName: rec.DisplayName,
		Enforced:    rec.IsActive && s.deps.Cache.IsEnforced(rec.HostnameKey, now),
	}
}

// handleListExceptions lists bypasses
// @Summary List exceptions
// @Description List stored bypasses, including expired ones not yet pruned
// @Tags Exceptions
// @Produce json
// @Success 200 {array} ExceptionResponse
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Security BearerAuth
// @Router /exceptions [get]
func (s *APIServer) handleListExceptions(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, toExceptionResponses(s.deps.Cache.ListExceptions(), s.nowMillis()))
}

// handleUnlock verifies a PIN and grants a bypass
// @Summary Unlock restriction
// @Description Verify the PIN and grant a time-boxed bypass, optionally deactivating the restriction remotely
// @Tags Exceptions
// @Accept json
// @Produce json
// @Param request body exceptions.UnlockRequest true "Unlock request"
// @Success 200 {object} UnlockResponse
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 403 {object} ErrorResponse "PIN rejected or read-only mode"
// @Failure 404 {object} ErrorResponse "No such restriction"
// @Failure 502 {object} ErrorResponse "Verifier unreachable"
// @Failure 503 {object} ErrorResponse "Store unavailable"
// @Security BearerAuth
// @Router /unlock [post]
func (s *APIServer) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req exceptions.UnlockRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PIN == "" {
		s.respondError(w, http.StatusBadRequest, "pin is required")
		return
	}

	res, err := s.deps.Exceptions.Unlock(r.Context(), req)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, UnlockResponse{
		RestrictionID: res.RestrictionID,
		Exception:     toExceptionResponse(res.Exception, s.nowMillis()),
		Persisted:     res.Persisted,
		Redirected:    res.Redirected,
	})
}

// handleRelock removes the bypasses covering a hostname
// @Summary Relock hostname
// @Description Remove every bypass covering the hostname, optionally reactivating the restriction remotely
// @Tags Exceptions
// @Produce json
// @Param hostname path string true "Hostname"
// @Param persist query boolean false "Reactivate the restriction in the directory"
// @Success 200 {object} RelockResponse
// @Failure 400 {object} ErrorResponse "Invalid hostname"
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 403 {object} ErrorResponse "Read-only mode"
// @Failure 503 {object} ErrorResponse "Store unavailable"
// @Security BearerAuth
// @Router /exceptions/{hostname} [delete]
func (s *APIServer) handleRelock(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Exceptions.Relock(r.Context(), mux.Vars(r)["hostname"], parseQueryParamBool(r, "persist"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, RelockResponse{
		Removed:       toExceptionResponses(res.Removed, s.nowMillis()),
		RestrictionID: res.RestrictionID,
		Persisted:     res.Persisted,
	})
}

// handleSync runs a reconciliation now
// @Summary Sync now
// @Description Run a reconciliation immediately and return its outcome
// @Tags Sync
// @Produce json
// @Success 200 {object} SyncResponse
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 403 {object} ErrorResponse "Read-only mode"
// @Failure 409 {object} ErrorResponse "Sync already running"
// @Security BearerAuth
// @Router /sync [post]
func (s *APIServer) handleSync(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Syncer.SyncNow(r.Context())
	if stderrors.Is(err, scheduler.ErrSyncInProgress) {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	// A failed reconciliation is still a completed request; the outcome
	// carries the failure.
	s.respondJSON(w, http.StatusOK, toSyncResponse(out))
}

// handleStatus returns the sync status report
// @Summary Sync status
// @Description Return the sync indicator, scheduler state and cache counts
// @Tags Sync
// @Produce json
// @Success 200 {object} status.Report
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 503 {object} ErrorResponse "Store unavailable"
// @Security BearerAuth
// @Router /status [get]
func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Status.Report(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rep)
}

// handleSetToken stores the directory credential
// @Summary Sign in
// @Description Store the directory credential and request a sync
// @Tags Auth
// @Accept json
// @Param request body TokenRequest true "Credential"
// @Success 204
// @Failure 400 {object} ErrorResponse "Missing token"
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 403 {object} ErrorResponse "Read-only mode"
// @Failure 503 {object} ErrorResponse "Store unavailable"
// @Security BearerAuth
// @Router /auth/token [put]
func (s *APIServer) handleSetToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Token == "" {
		s.respondError(w, http.StatusBadRequest, "token is required")
		return
	}

	if err := s.deps.Cache.SetCredential(r.Context(), req.Token); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.deps.Syncer.Trigger(scheduler.ReasonSignIn)

	s.logger.Info("directory credential stored")
	w.WriteHeader(http.StatusNoContent)
}

// handleClearToken removes the directory credential
// @Summary Sign out
// @Description Remove the directory credential. Cached restrictions stay enforced.
// @Tags Auth
// @Success 204
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 403 {object} ErrorResponse "Read-only mode"
// @Failure 503 {object} ErrorResponse "Store unavailable"
// @Security BearerAuth
// @Router /auth/token [delete]
func (s *APIServer) handleClearToken(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Cache.ClearCredential(r.Context()); err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.logger.Info("directory credential cleared")
	w.WriteHeader(http.StatusNoContent)
}

// respondDomainError maps engine errors onto HTTP status codes.
func (s *APIServer) respondDomainError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case exceptions.IsVerificationFailure(err):
		code = http.StatusForbidden
	case stderrors.Is(err, errors.ErrNotFound):
		code = http.StatusNotFound
	case stderrors.Is(err, errors.ErrInvalidInput), stderrors.Is(err, errors.ErrInvalidHostname):
		code = http.StatusBadRequest
	case stderrors.Is(err, errors.ErrStoreUnavailable):
		code = http.StatusServiceUnavailable
	case errors.IsTransient(err):
		code = http.StatusBadGateway
	}

	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", code, "error", err)
	} else {
		s.logger.Debug("request rejected", "status", code, "error", err)
	}
	s.respondError(w, code, publicMessage(err, code))
}

// publicMessage is the coarse error class for err. Wrapped detail such as
// upstream response text stays in the logs.
func publicMessage(err error, code int) string {
	if kind := errors.Classify(err); kind != errors.KindUnknown && kind != errors.KindNone {
		return string(kind)
	}
	return http.StatusText(code)
}
