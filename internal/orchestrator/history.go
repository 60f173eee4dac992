package orchestrator

import (
	"sync"
	"time"
)

// HistoryEntry is one completed pipeline attempt.
type HistoryEntry struct {
	Target        string
	StartedAt     time.Time
	Duration      time.Duration
	TestsPassed   bool
	DeploySuccess bool
	VerifyPassed  bool
	IsRollback    bool
	URL           string
}

// history is a bounded ring of completed pipelines, newest last.
type history struct {
	mu      sync.Mutex
	entries []HistoryEntry
	cap     int
}

func newHistory(cap int) *history {
	if cap <= 0 {
		cap = 50
	}
	return &history{cap: cap}
}

func (h *history) add(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	if len(h.entries) > h.cap {
		h.entries = h.entries[len(h.entries)-h.cap:]
	}
}

func (h *history) all() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryEntry(nil), h.entries...)
}

// lastSuccessfulDeploy finds the newest entry for target with a
// successful, non-rollback deploy.
func (h *history) lastSuccessfulDeploy(target string) (HistoryEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.entries) - 1; i >= 0; i-- {
		e := h.entries[i]
		if e.Target == target && e.DeploySuccess && !e.IsRollback {
			return e, true
		}
	}
	return HistoryEntry{}, false
}
