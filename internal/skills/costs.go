package skills

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"clawd/internal/cost"
	"clawd/internal/skill"
)

var (
	reCostReport    = regexp.MustCompile(`(?i)^(ai costs|cost report|api costs)$`)
	reCostBreakdown = regexp.MustCompile(`(?i)^cost breakdown$`)
	reCostBudgetSet = regexp.MustCompile(`(?i)^cost budget\s+\$?(\d+(?:\.\d+)?)$`)
	reCostBudget    = regexp.MustCompile(`(?i)^cost budget$`)
	reCostHistory   = regexp.MustCompile(`(?i)^cost history$`)
	reCostOptimize  = regexp.MustCompile(`(?i)^cost optimize$`)
)

// Costs reports API spend tracked by the cost tracker.
type Costs struct {
	skill.Helper
	shared *skill.Shared
}

// NewCosts returns the cost reporting skill.
func NewCosts() *Costs {
	return &Costs{Helper: skill.Helper{SkillName: "costs"}}
}

func (c *Costs) Name() string        { return "costs" }
func (c *Costs) Description() string { return "API spend reporting and budget tracking" }
func (c *Costs) Priority() int       { return 30 }

func (c *Costs) Commands() []skill.Command {
	return []skill.Command{
		{Pattern: reCostReport, Usage: "ai costs | cost report", Description: "this month's spend"},
		{Pattern: reCostBreakdown, Usage: "cost breakdown", Description: "spend by provider, model, and task"},
		{Pattern: reCostBudgetSet, Usage: "cost budget <amount>", Description: "set the monthly budget"},
		{Pattern: reCostBudget, Usage: "cost budget", Description: "budget status and projection"},
		{Pattern: reCostHistory, Usage: "cost history", Description: "trailing 30 days"},
		{Pattern: reCostOptimize, Usage: "cost optimize", Description: "saving suggestions"},
	}
}

func (c *Costs) Initialize(shared *skill.Shared) error {
	c.shared = shared
	return nil
}

func (c *Costs) CanHandle(text string, _ *skill.Context) bool {
	text = strings.TrimSpace(text)
	for _, cmd := range c.Commands() {
		if cmd.Pattern.MatchString(text) {
			return true
		}
	}
	return false
}

func (c *Costs) Execute(_ context.Context, text string, sctx *skill.Context) skill.Result {
	text = strings.TrimSpace(text)
	tracker := sctx.Shared.Cost

	switch {
	case reCostReport.MatchString(text):
		return c.report(tracker)
	case reCostBreakdown.MatchString(text):
		return c.breakdown(tracker)
	case reCostBudgetSet.MatchString(text):
		raw := reCostBudgetSet.FindStringSubmatch(text)[1]
		return c.setBudget(tracker, raw)
	case reCostBudget.MatchString(text):
		return c.budget(tracker)
	case reCostHistory.MatchString(text):
		return c.history(tracker)
	case reCostOptimize.MatchString(text):
		return c.optimize(tracker)
	}
	return c.Fail(skill.KindBadArgument, "unrecognized cost command")
}

func (c *Costs) report(tracker *cost.Tracker) skill.Result {
	s := tracker.CurrentMonth()
	if s.Calls == 0 {
		return c.OK("No API calls recorded this month")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "This month: $%.2f across %d calls\n", s.Total, s.Calls)
	for _, line := range sortedSpend(s.ByProvider) {
		b.WriteString(line + "\n")
	}
	return c.OKData(s, "%s", strings.TrimRight(b.String(), "\n"))
}

func (c *Costs) breakdown(tracker *cost.Tracker) skill.Result {
	s := tracker.CurrentMonth()
	if s.Calls == 0 {
		return c.OK("No API calls recorded this month")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Breakdown for $%.2f this month:\n", s.Total)
	b.WriteString("By provider:\n")
	for _, line := range sortedSpend(s.ByProvider) {
		b.WriteString(line + "\n")
	}
	b.WriteString("By model:\n")
	for _, line := range sortedSpend(s.ByModel) {
		b.WriteString(line + "\n")
	}
	b.WriteString("By task:\n")
	for _, line := range sortedSpend(s.ByTaskType) {
		b.WriteString(line + "\n")
	}
	return c.OKData(s, "%s", strings.TrimRight(b.String(), "\n"))
}

func (c *Costs) setBudget(tracker *cost.Tracker, raw string) skill.Result {
	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return c.FailWith(skill.KindBadArgument, "cost budget "+raw,
			"use a dollar amount, e.g. cost budget 50", "cannot parse %q", raw)
	}
	if err := tracker.SetBudget(amount); err != nil {
		return c.Fail(skill.KindBadArgument, "%v", err)
	}
	return c.OK("Monthly budget set to $%.2f", amount)
}

func (c *Costs) budget(tracker *cost.Tracker) skill.Result {
	st := tracker.BudgetStatus()
	if !st.BudgetSet {
		return c.OK("No budget set. Spent $%.2f this month. Set one with: cost budget <amount>", st.Spent)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Budget: $%.2f\n", st.Budget)
	fmt.Fprintf(&b, "Spent: $%.2f  Remaining: $%.2f\n", st.Spent, st.Remaining)
	fmt.Fprintf(&b, "Projected month end: $%.2f", st.ProjectedMonthEnd)
	if st.OverBudget {
		b.WriteString("\nOver budget")
	}
	return c.OKData(st, "%s", b.String())
}

func (c *Costs) history(tracker *cost.Tracker) skill.Result {
	s := tracker.LastDays(30)
	if s.Calls == 0 {
		return c.OK("No API calls in the last 30 days")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Last 30 days: $%.2f across %d calls\n", s.Total, s.Calls)
	for _, line := range sortedSpend(s.ByTaskType) {
		b.WriteString(line + "\n")
	}
	return c.OKData(s, "%s", strings.TrimRight(b.String(), "\n"))
}

func (c *Costs) optimize(tracker *cost.Tracker) skill.Result {
	suggestions := tracker.Suggestions()
	if len(suggestions) == 0 {
		return c.OK("No savings found; current usage looks efficient")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d suggestions:\n", len(suggestions))
	for _, s := range suggestions {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	return c.OKData(suggestions, "%s", strings.TrimRight(b.String(), "\n"))
}

// sortedSpend renders a spend map as "- key: $amount" lines, largest
// first.
func sortedSpend(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("- %s: $%.2f", k, m[k]))
	}
	return out
}
