package skills

import (
	"context"
	"strings"
	"testing"

	"clawd/internal/skill"
)

func TestCostReportSummarizesMonth(t *testing.T) {
	sh, _, _ := newShared(t)
	c := NewCosts()
	sctx := sctxFor(sh, "C1")

	res := c.Execute(context.Background(), "ai costs", sctx)
	if !res.Success || !strings.Contains(res.Message, "No API calls") {
		t.Fatalf("empty report = %+v", res)
	}

	// 1M input at $3/M plus 1M output at $15/M.
	sh.Cost.Record("anthropic", "claude-x", 1_000_000, 1_000_000, "chat")

	res = c.Execute(context.Background(), "cost report", sctx)
	if !res.Success {
		t.Fatal(res.Message)
	}
	for _, want := range []string{"$18.00", "1 calls", "anthropic"} {
		if !strings.Contains(res.Message, want) {
			t.Errorf("report missing %q:\n%s", want, res.Message)
		}
	}
}

func TestCostBreakdownListsDimensions(t *testing.T) {
	sh, _, _ := newShared(t)
	c := NewCosts()
	sctx := sctxFor(sh, "C1")

	sh.Cost.Record("anthropic", "claude-x", 1_000_000, 0, "chat")
	sh.Cost.Record("anthropic", "claude-x", 1_000_000, 0, "classify")

	res := c.Execute(context.Background(), "cost breakdown", sctx)
	if !res.Success {
		t.Fatal(res.Message)
	}
	for _, want := range []string{"By provider:", "By model:", "By task:", "anthropic/claude-x", "classify"} {
		if !strings.Contains(res.Message, want) {
			t.Errorf("breakdown missing %q:\n%s", want, res.Message)
		}
	}
}

func TestCostBudgetSetAndStatus(t *testing.T) {
	sh, _, _ := newShared(t)
	c := NewCosts()
	sctx := sctxFor(sh, "C1")

	res := c.Execute(context.Background(), "cost budget", sctx)
	if !res.Success || !strings.Contains(res.Message, "No budget set") {
		t.Fatalf("unset budget = %+v", res)
	}

	res = c.Execute(context.Background(), "cost budget 50", sctx)
	if !res.Success || !strings.Contains(res.Message, "$50.00") {
		t.Fatalf("set budget = %+v", res)
	}

	sh.Cost.Record("anthropic", "claude-x", 1_000_000, 0, "chat")
	res = c.Execute(context.Background(), "cost budget", sctx)
	if !res.Success {
		t.Fatal(res.Message)
	}
	for _, want := range []string{"Budget: $50.00", "Spent: $3.00", "Projected month end"} {
		if !strings.Contains(res.Message, want) {
			t.Errorf("status missing %q:\n%s", want, res.Message)
		}
	}
}

func TestCostBudgetRejectsGarbage(t *testing.T) {
	sh, _, _ := newShared(t)
	c := NewCosts()
	sctx := sctxFor(sh, "C1")

	// The set pattern only admits numbers, so garbage falls through to
	// no command at all rather than a parse error.
	if c.CanHandle("cost budget lots", sctx) {
		t.Error("claimed a malformed budget command")
	}
}

func TestCostHistoryAndOptimize(t *testing.T) {
	sh, _, _ := newShared(t)
	c := NewCosts()
	sctx := sctxFor(sh, "C1")

	res := c.Execute(context.Background(), "cost history", sctx)
	if !res.Success || !strings.Contains(res.Message, "No API calls") {
		t.Fatalf("empty history = %+v", res)
	}

	sh.Cost.Record("anthropic", "claude-x", 1_000_000, 0, "chat")
	res = c.Execute(context.Background(), "cost history", sctx)
	if !res.Success || !strings.Contains(res.Message, "Last 30 days: $3.00") {
		t.Errorf("history = %+v", res)
	}

	res = c.Execute(context.Background(), "cost optimize", sctx)
	if !res.Success {
		t.Errorf("optimize = %+v", res)
	}
	if res.Kind == skill.KindInternal {
		t.Errorf("optimize degraded: %+v", res)
	}
}
