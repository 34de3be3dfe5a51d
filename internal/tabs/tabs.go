// Package tabs tracks open top-level browsing contexts and the redirect
// commands issued against them.
package tabs

import (
	"sort"
	"sync"
	"time"
)

// Tab is one open top-level context.
type Tab struct {
	ID  int    `json:"tab_id"`
	URL string `json:"url"`
}

// Command asks the host to navigate a tab to URL.
type Command struct {
	TabID    int       `json:"tab_id"`
	URL      string    `json:"url"`
	IssuedAt time.Time `json:"issued_at"`
}

// Tracker records the current URL of every open tab.
type Tracker struct {
	mu      sync.Mutex
	tabs    map[int]string
	pending []Command
	now     func() time.Time
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		tabs: make(map[int]string),
		now:  time.Now,
	}
}

// Update records url as the current location of tabID.
func (t *Tracker) Update(tabID int, url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tabs[tabID] = url
}

// Remove forgets tabID and drops any command still pending for it.
func (t *Tracker) Remove(tabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tabs, tabID)

	kept := t.pending[:0]
	for _, c := range t.pending {
		if c.TabID != tabID {
			kept = append(kept, c)
		}
	}
	t.pending = kept
}

// URL returns the tracked URL of tabID.
func (t *Tracker) URL(tabID int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	url, ok := t.tabs[tabID]
	return url, ok
}

// Snapshot returns every tracked tab ordered by ID.
func (t *Tracker) Snapshot() []Tab {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Tab, 0, len(t.tabs))
	for id, url := range t.tabs {
		out = append(out, Tab{ID: id, URL: url})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tracked tabs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tabs)
}

// Redirect points tabID at url and queues a command for the host. A newer
// redirect for the same tab replaces an undelivered one.
func (t *Tracker) Redirect(tabID int, url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tabs[tabID] = url

	cmd := Command{TabID: tabID, URL: url, IssuedAt: t.now().UTC()}
	for i, c := range t.pending {
		if c.TabID == tabID {
			t.pending[i] = cmd
			return
		}
	}
	t.pending = append(t.pending, cmd)
}

// DrainCommands returns and clears the pending commands.
func (t *Tracker) DrainCommands() []Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.pending
	t.pending = nil
	if out == nil {
		out = []Command{}
	}
	return out
}
