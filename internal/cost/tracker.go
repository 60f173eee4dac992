// Package cost records per-call AI spend in a bounded ring and answers
// budget and optimization queries. Every skill that invokes a paid
// provider reports through the shared Tracker the runtime injects.
package cost

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"clawd/internal/logging"
)

// Entry is one recorded provider call.
type Entry struct {
	Timestamp     time.Time
	Provider      string
	Model         string
	InputTokens   int
	OutputTokens  int
	EstimatedCost float64 // USD
	TaskType      string
}

// Rate holds per-million-token USD pricing for one model.
type Rate struct {
	InputPerM  float64
	OutputPerM float64
}

// RateTable maps provider -> model -> pricing. It comes from
// configuration, never hard-coded in tracker logic.
type RateTable map[string]map[string]Rate

// CacheStats reports the NL router cache utilization, consumed by the
// optimization heuristics.
type CacheStats struct {
	Hits  int64
	Total int64
}

// Tracker is the ring-buffered cost log.
type Tracker struct {
	mu      sync.Mutex
	entries []Entry // ring, oldest first
	cap     int
	rates   RateTable
	budget  float64 // monthly budget in USD; 0 = unset

	// cacheStats, when set, lets suggestions report low cache utilization.
	cacheStats func() CacheStats

	now func() time.Time
}

// NewTracker creates a tracker with the given ring capacity and rates.
func NewTracker(ringCap int, rates RateTable) *Tracker {
	if ringCap <= 0 {
		ringCap = 1000
	}
	return &Tracker{
		cap:   ringCap,
		rates: rates,
		now:   time.Now,
	}
}

// SetCacheStatsFunc wires the router's cache metrics into suggestions.
func (t *Tracker) SetCacheStatsFunc(fn func() CacheStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cacheStats = fn
}

// Record computes the cost for a call from the rate table and appends
// it, dropping the oldest entry when the ring is full.
func (t *Tracker) Record(provider, model string, inputTokens, outputTokens int, taskType string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	rate := t.rates[provider][model]
	cost := float64(inputTokens)/1e6*rate.InputPerM + float64(outputTokens)/1e6*rate.OutputPerM

	e := Entry{
		Timestamp:     t.now(),
		Provider:      provider,
		Model:         model,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		EstimatedCost: cost,
		TaskType:      taskType,
	}

	t.entries = append(t.entries, e)
	if len(t.entries) > t.cap {
		t.entries = t.entries[len(t.entries)-t.cap:]
	}

	logging.Get(logging.CategoryCost).Debug("Recorded %s/%s: in=%d out=%d cost=$%.6f task=%s",
		provider, model, inputTokens, outputTokens, cost, taskType)
	return e
}

// Summary aggregates entries for a period.
type Summary struct {
	Total      float64
	Calls      int
	ByProvider map[string]float64
	ByModel    map[string]float64 // keyed provider/model
	ByTaskType map[string]float64
}

// CurrentMonth summarizes entries recorded since the first of the month.
func (t *Tracker) CurrentMonth() Summary {
	now := t.now()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return t.summarizeSince(start)
}

// LastDays summarizes entries recorded in the trailing n days.
func (t *Tracker) LastDays(n int) Summary {
	return t.summarizeSince(t.now().AddDate(0, 0, -n))
}

// All summarizes every entry still in the ring.
func (t *Tracker) All() Summary {
	return t.summarizeSince(time.Time{})
}

func (t *Tracker) summarizeSince(since time.Time) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		ByProvider: make(map[string]float64),
		ByModel:    make(map[string]float64),
		ByTaskType: make(map[string]float64),
	}
	for _, e := range t.entries {
		if e.Timestamp.Before(since) {
			continue
		}
		s.Total += e.EstimatedCost
		s.Calls++
		s.ByProvider[e.Provider] += e.EstimatedCost
		s.ByModel[e.Provider+"/"+e.Model] += e.EstimatedCost
		s.ByTaskType[e.TaskType] += e.EstimatedCost
	}
	return s
}

// Entries returns a copy of the ring, oldest first.
func (t *Tracker) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// SetBudget sets the monthly budget in USD. Zero clears it.
func (t *Tracker) SetBudget(amount float64) error {
	if amount < 0 {
		return fmt.Errorf("budget must not be negative")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budget = amount
	return nil
}

// BudgetStatus reports spend against the monthly budget with a simple
// linear projection to month end.
type BudgetStatus struct {
	Budget            float64
	Spent             float64
	Remaining         float64
	ProjectedMonthEnd float64
	OverBudget        bool
	BudgetSet         bool
}

// BudgetStatus computes the current month's position.
func (t *Tracker) BudgetStatus() BudgetStatus {
	summary := t.CurrentMonth()

	t.mu.Lock()
	budget := t.budget
	now := t.now()
	t.mu.Unlock()

	daysIn := float64(time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, now.Location()).Day())
	elapsed := float64(now.Day())
	projected := summary.Total
	if elapsed > 0 {
		projected = summary.Total / elapsed * daysIn
	}

	st := BudgetStatus{
		Budget:            budget,
		Spent:             summary.Total,
		ProjectedMonthEnd: projected,
		BudgetSet:         budget > 0,
	}
	if st.BudgetSet {
		st.Remaining = budget - summary.Total
		st.OverBudget = summary.Total > budget
	}
	return st
}

// cheapTaskTypes are task types that never justify a premium model.
var cheapTaskTypes = map[string]bool{
	"simple":   true,
	"greeting": true,
	"chitchat": true,
}

// premiumModels are models with a cheaper sibling good enough for most
// routing work.
var premiumModels = map[string]string{
	"claude-sonnet-4-20250514": "claude-3-5-haiku-latest",
	"claude-opus-4-20250514":   "claude-sonnet-4-20250514",
}

const freeProvider = "groq"

// Suggestions runs the static optimization rule set over the ring.
func (t *Tracker) Suggestions() []string {
	t.mu.Lock()
	entries := make([]Entry, len(t.entries))
	copy(entries, t.entries)
	statsFn := t.cacheStats
	t.mu.Unlock()

	var out []string

	// Rule 1: expensive provider used for trivial task types.
	wasted := 0.0
	for _, e := range entries {
		if cheapTaskTypes[e.TaskType] && e.EstimatedCost > 0 {
			wasted += e.EstimatedCost
		}
	}
	if wasted > 0.01 {
		out = append(out, fmt.Sprintf(
			"$%.2f spent on simple/greeting/chitchat tasks - route these to the free tier", wasted))
	}

	// Rule 2: premium model where a cheaper one would suffice.
	byModel := map[string]int{}
	for _, e := range entries {
		byModel[e.Model]++
	}
	var models []string
	for m := range byModel {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		if cheaper, ok := premiumModels[m]; ok && byModel[m] > 10 {
			out = append(out, fmt.Sprintf(
				"%d calls on %s - consider %s for routine work", byModel[m], m, cheaper))
		}
	}

	// Rule 3: low router cache utilization.
	if statsFn != nil {
		cs := statsFn()
		if cs.Total >= 20 {
			rate := float64(cs.Hits) / float64(cs.Total)
			if rate < 0.2 {
				out = append(out, fmt.Sprintf(
					"router cache hit rate is %.0f%% - repeated queries are paying for classification", rate*100))
			}
		}
	}

	// Rule 4: under-utilization of the free provider.
	if len(entries) >= 20 {
		free := 0
		for _, e := range entries {
			if strings.EqualFold(e.Provider, freeProvider) {
				free++
			}
		}
		if float64(free)/float64(len(entries)) < 0.1 {
			out = append(out, fmt.Sprintf(
				"only %d of %d calls used %s - transcription and simple tasks can run there free",
				free, len(entries), freeProvider))
		}
	}

	return out
}
