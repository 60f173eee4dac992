package skills

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"clawd/internal/skill"
)

var (
	reRepoStatus = regexp.MustCompile(`(?i)^status\s+([\w][\w.-]*)$`)
	reListRepos  = regexp.MustCompile(`(?i)^list repos$`)
)

// Repos surfaces source-control state: open PRs and issues, CI runs,
// and the monitored-repo overview.
type Repos struct {
	skill.Helper
	monitored []string
	shared    *skill.Shared
}

// NewRepos returns the repo status skill. monitored narrows "list
// repos" to the configured fleet; empty means everything the owner has.
func NewRepos(monitored []string) *Repos {
	return &Repos{
		Helper:    skill.Helper{SkillName: "repos"},
		monitored: monitored,
	}
}

func (r *Repos) Name() string        { return "repos" }
func (r *Repos) Description() string { return "Repository status: PRs, issues, CI runs" }
func (r *Repos) Priority() int       { return 45 }

func (r *Repos) Commands() []skill.Command {
	return []skill.Command{
		{Pattern: reRepoStatus, Usage: "status <repo>", Description: "open PRs, issues, and latest CI run"},
		{Pattern: reListRepos, Usage: "list repos", Description: "monitored repos and their CI state"},
	}
}

func (r *Repos) Initialize(shared *skill.Shared) error {
	r.shared = shared
	return nil
}

func (r *Repos) CanHandle(text string, _ *skill.Context) bool {
	text = strings.TrimSpace(text)
	return reRepoStatus.MatchString(text) || reListRepos.MatchString(text)
}

func (r *Repos) Execute(ctx context.Context, text string, sctx *skill.Context) skill.Result {
	text = strings.TrimSpace(text)
	if sctx.Shared.Source == nil {
		return r.Fail(skill.KindDegraded,
			"source control is not configured; set github.owner and GITHUB_TOKEN")
	}
	switch {
	case reRepoStatus.MatchString(text):
		repo := reRepoStatus.FindStringSubmatch(text)[1]
		return r.status(ctx, sctx, repo)
	case reListRepos.MatchString(text):
		return r.list(ctx, sctx)
	}
	return r.Fail(skill.KindBadArgument, "unrecognized repo command")
}

func (r *Repos) status(ctx context.Context, sctx *skill.Context, repo string) skill.Result {
	src := sctx.Shared.Source

	prs, err := src.ListPRs(ctx, repo)
	if err != nil {
		return r.Fail(skill.KindUpstream, "could not fetch PRs for %s: %v", repo, err)
	}
	issues, err := src.ListIssues(ctx, repo)
	if err != nil {
		return r.Fail(skill.KindUpstream, "could not fetch issues for %s: %v", repo, err)
	}
	runs, err := src.ListWorkflowRuns(ctx, repo, 1)
	if err != nil {
		return r.Fail(skill.KindUpstream, "could not fetch CI runs for %s: %v", repo, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d open PRs, %d open issues\n", repo, len(prs), len(issues))
	for i, pr := range prs {
		if i == 3 {
			fmt.Fprintf(&b, "  ... and %d more\n", len(prs)-3)
			break
		}
		fmt.Fprintf(&b, "  #%d %s\n", pr.Number, pr.Title)
	}
	if len(runs) > 0 {
		fmt.Fprintf(&b, "CI: %s %s", runs[0].Name, ciState(runs[0].Status, runs[0].Conclusion))
	} else {
		b.WriteString("CI: no runs recorded")
	}
	return r.OK("%s", strings.TrimRight(b.String(), "\n"))
}

func (r *Repos) list(ctx context.Context, sctx *skill.Context) skill.Result {
	src := sctx.Shared.Source

	if len(r.monitored) == 0 {
		repos, err := src.ListRepos(ctx, 10)
		if err != nil {
			return r.Fail(skill.KindUpstream, "could not list repos: %v", err)
		}
		if len(repos) == 0 {
			return r.OK("No repositories found")
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d repos, most recently pushed first:\n", len(repos))
		for _, repo := range repos {
			fmt.Fprintf(&b, "- %s (default %s)\n", repo.Name, repo.DefaultBranch)
		}
		return r.OK("%s", strings.TrimRight(b.String(), "\n"))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d monitored repos:\n", len(r.monitored))
	for _, repo := range r.monitored {
		runs, err := src.ListWorkflowRuns(ctx, repo, 1)
		switch {
		case err != nil:
			fmt.Fprintf(&b, "- %s: CI unavailable (%v)\n", repo, err)
		case len(runs) == 0:
			fmt.Fprintf(&b, "- %s: no CI runs\n", repo)
		default:
			fmt.Fprintf(&b, "- %s: CI %s\n", repo, ciState(runs[0].Status, runs[0].Conclusion))
		}
	}
	return r.OK("%s", strings.TrimRight(b.String(), "\n"))
}

// ciState folds GitHub's status/conclusion pair into one word: the
// conclusion once a run finished, the status while it is in flight.
func ciState(status, conclusion string) string {
	if conclusion != "" {
		return conclusion
	}
	if status != "" {
		return status
	}
	return "unknown"
}
