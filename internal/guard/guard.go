// Package guard makes the synchronous allow/block decision for navigation
// events. It reads only the local cache and never touches the network.
package guard

import (
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/daimoniac/sitelock/internal/hostname"
	"github.com/daimoniac/sitelock/internal/observability"
	"github.com/daimoniac/sitelock/internal/tabs"
	"github.com/daimoniac/sitelock/internal/types"
)

// DefaultBlockPageURL is the interstitial blocked contexts are sent to.
const DefaultBlockPageURL = "sitelock://blocked"

// Result of a decision.
type Result string

const (
	ResultAllow Result = "allow"
	ResultBlock Result = "block"
)

// Reasons attached to a decision.
const (
	ReasonOutOfScope    = "out_of_scope"
	ReasonInvalidURL    = "invalid_url"
	ReasonNotRestricted = "not_restricted"
	ReasonException     = "exception"
	ReasonRestricted    = "restricted"
)

// Decision is the outcome of evaluating one navigation target.
type Decision struct {
	Result        Result `json:"result"`
	Reason        string `json:"reason"`
	Hostname      string `json:"hostname,omitempty"`
	RestrictionID int64  `json:"restriction_id,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	RedirectURL   string `json:"redirect_url,omitempty"`
}

// Blocked reports whether the decision is a block.
func (d Decision) Blocked() bool {
	return d.Result == ResultBlock
}

// EventType names a host navigation event.
type EventType string

const (
	EventBeforeNavigate EventType = "before_navigate"
	EventTabCreated     EventType = "tab_created"
	EventTabUpdated     EventType = "tab_updated"
	EventTabRemoved     EventType = "tab_removed"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventBeforeNavigate, EventTabCreated, EventTabUpdated, EventTabRemoved:
		return true
	}
	return false
}

// Event is a navigation or tab lifecycle notification from the host.
type Event struct {
	Type    EventType `json:"type"`
	TabID   int       `json:"tab_id"`
	FrameID int       `json:"frame_id"`
	URL     string    `json:"url"`
}

// Enforcer is the cache's decision primitive.
type Enforcer interface {
	Enforcement(hostnameKey string, nowMillis int64) (types.RestrictionRecord, bool)
}

// Guard evaluates navigation targets against the cache
type Guard struct {
	enforcer  Enforcer
	tabs      *tabs.Tracker
	scope     *Scope
	blockPage string
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// New creates a guard. An empty blockPage uses DefaultBlockPageURL.
func New(enforcer Enforcer, tracker *tabs.Tracker, scope *Scope, blockPage string, logger *slog.Logger) *Guard {
	if blockPage == "" {
		blockPage = DefaultBlockPageURL
	}
	if tracker == nil {
		tracker = tabs.NewTracker()
	}
	return &Guard{
		enforcer:  enforcer,
		tabs:      tracker,
		scope:     scope,
		blockPage: blockPage,
		logger:    logger,
		metrics:   observability.GetMetrics(),
	}
}

// Tabs returns the tracker the guard redirects through.
func (g *Guard) Tabs() *tabs.Tracker {
	return g.tabs
}

// Decide evaluates target as a top-level navigation at nowMillis.
func (g *Guard) Decide(target string, nowMillis int64) Decision {
	return g.decide(target, 0, nowMillis)
}

func (g *Guard) decide(target string, frameID int, nowMillis int64) Decision {
	if g.isBlockPage(target) {
		return g.record(Decision{Result: ResultAllow, Reason: ReasonOutOfScope}, "skip")
	}

	parsed, err := hostname.Parse(target)
	if err != nil {
		return g.record(Decision{Result: ResultAllow, Reason: ReasonInvalidURL}, "invalid")
	}

	if g.scope != nil && !g.scope.InScope(ScopeInput{
		FrameID: frameID,
		Scheme:  parsed.Scheme,
		URL:     target,
		Host:    parsed.Host,
	}) {
		return g.record(Decision{Result: ResultAllow, Reason: ReasonOutOfScope, Hostname: parsed.Host}, "skip")
	}

	record, enforced := g.enforcer.Enforcement(parsed.Host, nowMillis)
	if !enforced {
		reason := ReasonNotRestricted
		if record.ID != 0 {
			reason = ReasonException
		}
		return g.record(Decision{Result: ResultAllow, Reason: reason, Hostname: parsed.Host}, "allow")
	}

	return g.record(Decision{
		Result:        ResultBlock,
		Reason:        ReasonRestricted,
		Hostname:      parsed.Host,
		RestrictionID: record.ID,
		DisplayName:   record.DisplayName,
		RedirectURL:   g.BlockPageURL(target, parsed.Host, record),
	}, "block")
}

func (g *Guard) record(d Decision, label string) Decision {
	g.metrics.NavigationDecisions.WithLabelValues(label).Inc()
	return d
}

// HandleEvent applies a host event: it keeps the tab tracker current and,
// when the target is enforced, redirects the tab to the block page.
func (g *Guard) HandleEvent(ev Event, nowMillis int64) Decision {
	if ev.Type == EventTabRemoved {
		g.tabs.Remove(ev.TabID)
		return Decision{Result: ResultAllow, Reason: ReasonOutOfScope}
	}

	if ev.FrameID == 0 && ev.URL != "" {
		g.tabs.Update(ev.TabID, ev.URL)
	}

	d := g.decide(ev.URL, ev.FrameID, nowMillis)
	if d.Blocked() {
		g.tabs.Redirect(ev.TabID, d.RedirectURL)
		g.logger.Info("navigation blocked",
			"event", string(ev.Type),
			"tab_id", ev.TabID,
			"hostname", d.Hostname,
			"restriction_id", d.RestrictionID)
	}
	return d
}

// ReevaluateOpen re-checks every tracked tab and redirects the ones that
// are now enforced. It returns how many were redirected.
func (g *Guard) ReevaluateOpen(nowMillis int64) int {
	redirected := 0
	for _, tab := range g.tabs.Snapshot() {
		d := g.decide(tab.URL, 0, nowMillis)
		if !d.Blocked() {
			continue
		}
		g.tabs.Redirect(tab.ID, d.RedirectURL)
		redirected++
		g.logger.Info("open tab blocked after cache change",
			"tab_id", tab.ID,
			"hostname", d.Hostname,
			"restriction_id", d.RestrictionID)
	}
	return redirected
}

// BlockPageURL builds the interstitial URL carrying the original target and
// restriction context.
func (g *Guard) BlockPageURL(original, host string, record types.RestrictionRecord) string {
	q := url.Values{}
	q.Set("url", original)
	q.Set("id", strconv.FormatInt(record.ID, 10))
	q.Set("host", host)
	if record.DisplayName != "" {
		q.Set("name", record.DisplayName)
	}

	sep := "?"
	if strings.Contains(g.blockPage, "?") {
		sep = "&"
	}
	return g.blockPage + sep + q.Encode()
}

func (g *Guard) isBlockPage(target string) bool {
	return strings.HasPrefix(strings.TrimSpace(target), g.blockPage)
}

// BlockContext is what the interstitial needs to render and to unlock.
type BlockContext struct {
	OriginalURL   string `json:"original_url"`
	RestrictionID int64  `json:"restriction_id"`
	Hostname      string `json:"hostname"`
	DisplayName   string `json:"display_name,omitempty"`
}

// ParseBlockContext reads the block page query parameters.
func ParseBlockContext(q url.Values) (BlockContext, bool) {
	id, err := strconv.ParseInt(q.Get("id"), 10, 64)
	if err != nil || q.Get("url") == "" {
		return BlockContext{}, false
	}
	host := q.Get("host")
	if host == "" {
		host, _ = hostname.Normalize(q.Get("url"))
	}
	return BlockContext{
		OriginalURL:   q.Get("url"),
		RestrictionID: id,
		Hostname:      host,
		DisplayName:   q.Get("name"),
	}, true
}
