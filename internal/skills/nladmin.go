package skills

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"clawd/internal/nlrouter"
	"clawd/internal/skill"
)

var (
	reNLStatus     = regexp.MustCompile(`(?i)^nl status$`)
	reNLThresholds = regexp.MustCompile(`(?i)^nl thresholds$`)
	reNLSet        = regexp.MustCompile(`(?i)^nl set\s+(\S+)\s+(\S+)$`)
	reNLCacheClear = regexp.MustCompile(`(?i)^nl cache clear$`)
	reNLCacheStats = regexp.MustCompile(`(?i)^nl cache stats$`)
	reNLTest       = regexp.MustCompile(`(?i)^nl test\s+"(.+)"$`)
)

// NLAdmin exposes the natural-language router's knobs and counters as
// chat commands.
type NLAdmin struct {
	skill.Helper
	shared *skill.Shared
}

// NewNLAdmin returns the router administration skill.
func NewNLAdmin() *NLAdmin {
	return &NLAdmin{Helper: skill.Helper{SkillName: "nladmin"}}
}

func (n *NLAdmin) Name() string        { return "nladmin" }
func (n *NLAdmin) Description() string { return "Inspect and tune the natural-language router" }
func (n *NLAdmin) Priority() int       { return 30 }

func (n *NLAdmin) Commands() []skill.Command {
	return []skill.Command{
		{Pattern: reNLStatus, Usage: "nl status", Description: "routing counters and hit rates"},
		{Pattern: reNLThresholds, Usage: "nl thresholds", Description: "current tunable values"},
		{Pattern: reNLSet, Usage: "nl set <param> <value>", Description: "adjust a tunable"},
		{Pattern: reNLCacheClear, Usage: "nl cache clear", Description: "drop cached classifications"},
		{Pattern: reNLCacheStats, Usage: "nl cache stats", Description: "cache size and hits"},
		{Pattern: reNLTest, Usage: `nl test "<message>"`, Description: "dry-run a message through the router"},
	}
}

func (n *NLAdmin) Initialize(shared *skill.Shared) error {
	n.shared = shared
	return nil
}

func (n *NLAdmin) CanHandle(text string, _ *skill.Context) bool {
	text = strings.TrimSpace(text)
	for _, cmd := range n.Commands() {
		if cmd.Pattern.MatchString(text) {
			return true
		}
	}
	return false
}

func (n *NLAdmin) Execute(ctx context.Context, text string, sctx *skill.Context) skill.Result {
	text = strings.TrimSpace(text)
	router := sctx.Shared.Router

	switch {
	case reNLStatus.MatchString(text):
		return n.status(router)

	case reNLThresholds.MatchString(text):
		return n.thresholds(router)

	case reNLSet.MatchString(text):
		m := reNLSet.FindStringSubmatch(text)
		return n.set(router, m[1], m[2])

	case reNLCacheClear.MatchString(text):
		router.ClearCache()
		return n.OK("Router cache cleared")

	case reNLCacheStats.MatchString(text):
		size, hits := router.CacheStats()
		return n.OK("Cache: %d entries, %d hits", size, hits)

	case reNLTest.MatchString(text):
		msg := reNLTest.FindStringSubmatch(text)[1]
		return n.dryRun(ctx, sctx, router, msg)
	}
	return n.Fail(skill.KindBadArgument, "unrecognized nl command")
}

func (n *NLAdmin) status(router *nlrouter.Router) skill.Result {
	m := router.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "Routed %d messages\n", m.Total)
	fmt.Fprintf(&b, "Pattern: %d  AI: %d  Cache: %d  Passthrough: %d\n",
		m.PatternHits, m.AIHits, m.CacheHits, m.Passthroughs)

	rates := m.Rates()
	keys := make([]string, 0, len(rates))
	for k := range rates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s rate: %.0f%%\n", titleWord(k), rates[k]*100)
	}
	fmt.Fprintf(&b, "Learned corrections: %d", router.LearnedPatterns())
	return n.OKData(m, "%s", b.String())
}

func (n *NLAdmin) thresholds(router *nlrouter.Router) skill.Result {
	t := router.GetTunables()
	var b strings.Builder
	fmt.Fprintf(&b, "ambiguity: %.2f\n", t.AmbiguityThreshold)
	fmt.Fprintf(&b, "clarification: %.2f\n", t.ClarificationThreshold)
	fmt.Fprintf(&b, "ai-timeout: %dms\n", t.AITimeout/time.Millisecond)
	fmt.Fprintf(&b, "cache-ttl: %dms\n", t.CacheMaxAge/time.Millisecond)
	fmt.Fprintf(&b, "cache-size: %d", t.CacheMaxSize)
	return n.OKData(t, "%s", b.String())
}

func (n *NLAdmin) set(router *nlrouter.Router, param, raw string) skill.Result {
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return n.FailWith(skill.KindBadArgument, "nl set "+param+" "+raw,
			"the value must be numeric", "cannot parse %q", raw)
	}
	if err := router.SetTunable(param, value); err != nil {
		return n.FailWith(skill.KindBadArgument, "nl set "+param+" "+raw,
			"run nl thresholds to see valid parameters and ranges", "%v", err)
	}
	return n.OK("%s set to %v", param, value)
}

func (n *NLAdmin) dryRun(ctx context.Context, sctx *skill.Context, router *nlrouter.Router, msg string) skill.Result {
	d := router.Route(ctx, msg, nlrouter.ChatContext{
		Repo:    sctx.Chat.Repo,
		Company: sctx.Chat.Company,
	})

	var b strings.Builder
	fmt.Fprintf(&b, "Verdict: %s (source: %s)\n", d.Verdict, d.Source)
	if d.Command != "" {
		fmt.Fprintf(&b, "Command: %s\n", d.Command)
	}
	if c := d.Classification; c != nil {
		fmt.Fprintf(&b, "Intent: %s  Action: %s  Project: %s\n", c.Intent, c.Action, c.Project)
		fmt.Fprintf(&b, "Confidence: %.2f  Ambiguous: %v  Risk: %s", c.Confidence, c.Ambiguous, c.Risk)
		if len(c.ClarifyingQuestions) > 0 {
			fmt.Fprintf(&b, "\nWould ask: %s", c.ClarifyingQuestions[0])
		}
	}
	return n.OKData(d, "%s", strings.TrimRight(b.String(), "\n"))
}
