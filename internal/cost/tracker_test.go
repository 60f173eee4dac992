package cost

import (
	"math"
	"testing"
	"time"
)

func testRates() RateTable {
	return RateTable{
		"anthropic": {
			"claude-sonnet-4-20250514": {InputPerM: 3.00, OutputPerM: 15.00},
			"claude-3-5-haiku-latest":  {InputPerM: 0.80, OutputPerM: 4.00},
		},
		"groq": {
			"whisper-large-v3": {InputPerM: 0.05, OutputPerM: 0.05},
		},
	}
}

func TestRecordComputesCostFromRateTable(t *testing.T) {
	tr := NewTracker(100, testRates())

	e := tr.Record("anthropic", "claude-sonnet-4-20250514", 1_000_000, 100_000, "deploy")
	want := 3.00 + 1.50
	if math.Abs(e.EstimatedCost-want) > 1e-9 {
		t.Errorf("cost = %v, want %v", e.EstimatedCost, want)
	}

	// Unknown model costs zero rather than erroring.
	e = tr.Record("anthropic", "mystery-model", 1000, 1000, "chat")
	if e.EstimatedCost != 0 {
		t.Errorf("unknown model should cost 0, got %v", e.EstimatedCost)
	}
}

func TestSummaryEqualsRingContents(t *testing.T) {
	tr := NewTracker(5, testRates())

	// Overflow the ring; only the newest 5 entries count.
	for i := 0; i < 8; i++ {
		tr.Record("anthropic", "claude-3-5-haiku-latest", 100_000, 10_000, "chat")
	}

	entries := tr.Entries()
	if len(entries) != 5 {
		t.Fatalf("ring should hold 5 entries, got %d", len(entries))
	}

	var want float64
	for _, e := range entries {
		want += e.EstimatedCost
	}
	got := tr.All().Total
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("summary total %v != sum of ring entries %v", got, want)
	}
}

func TestBudgetStatus(t *testing.T) {
	tr := NewTracker(100, testRates())
	tr.now = func() time.Time {
		return time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC)
	}

	if err := tr.SetBudget(10); err != nil {
		t.Fatal(err)
	}
	// $6 of spend mid-month.
	tr.Record("anthropic", "claude-sonnet-4-20250514", 2_000_000, 0, "deploy")

	st := tr.BudgetStatus()
	if !st.BudgetSet {
		t.Fatal("budget should be set")
	}
	if math.Abs(st.Spent-6.0) > 1e-9 {
		t.Errorf("spent = %v, want 6.0", st.Spent)
	}
	if st.OverBudget {
		t.Error("not over budget yet")
	}
	// Linear projection: 6/15*31 > 10, so the projection warns.
	if st.ProjectedMonthEnd <= st.Budget {
		t.Errorf("projection %v should exceed budget %v", st.ProjectedMonthEnd, st.Budget)
	}

	if err := tr.SetBudget(-1); err == nil {
		t.Error("negative budget must be rejected")
	}
}

func TestSuggestions(t *testing.T) {
	tr := NewTracker(1000, testRates())

	// Expensive provider on trivial tasks.
	for i := 0; i < 20; i++ {
		tr.Record("anthropic", "claude-sonnet-4-20250514", 100_000, 10_000, "greeting")
	}
	// Low cache utilization.
	tr.SetCacheStatsFunc(func() CacheStats {
		return CacheStats{Hits: 1, Total: 100}
	})

	sugg := tr.Suggestions()
	if len(sugg) < 3 {
		t.Fatalf("expected at least 3 suggestions, got %d: %v", len(sugg), sugg)
	}
}

func TestSuggestionsQuietWhenHealthy(t *testing.T) {
	tr := NewTracker(1000, testRates())
	for i := 0; i < 5; i++ {
		tr.Record("groq", "whisper-large-v3", 10_000, 0, "transcription")
	}
	if sugg := tr.Suggestions(); len(sugg) != 0 {
		t.Errorf("healthy usage should produce no suggestions, got %v", sugg)
	}
}
