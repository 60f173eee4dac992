package skills

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"clawd/internal/orchestrator"
	"clawd/internal/skill"
)

var (
	rePipeDeploy   = regexp.MustCompile(`(?i)^pipeline deploy\s+(\S+)$`)
	rePipeStatus   = regexp.MustCompile(`(?i)^(pipeline status|deploy history)$`)
	rePipeRollback = regexp.MustCompile(`(?i)^pipeline rollback\s+(\S+)$`)
	rePipeAlias    = regexp.MustCompile(`(?i)^pipeline\s+(\S+)$`)
)

// Pipeline drives deploys and rollbacks through the orchestrator.
// Deploys and rollbacks are gated behind a confirmation token.
type Pipeline struct {
	skill.Helper
	confirmTTL time.Duration
	shared     *skill.Shared
}

// NewPipeline returns the pipeline skill.
func NewPipeline(confirmTTL time.Duration) *Pipeline {
	if confirmTTL <= 0 {
		confirmTTL = 5 * time.Minute
	}
	return &Pipeline{
		Helper:     skill.Helper{SkillName: "pipeline"},
		confirmTTL: confirmTTL,
	}
}

func (p *Pipeline) Name() string        { return "pipeline" }
func (p *Pipeline) Description() string { return "Test, deploy, verify, and roll back projects" }
func (p *Pipeline) Priority() int       { return 60 }

func (p *Pipeline) Commands() []skill.Command {
	return []skill.Command{
		{Pattern: rePipeDeploy, Usage: "pipeline deploy <repo>", Description: "run the full deploy pipeline"},
		{Pattern: rePipeAlias, Usage: "pipeline <repo>", Description: "alias for pipeline deploy"},
		{Pattern: rePipeStatus, Usage: "pipeline status | deploy history", Description: "active pipelines and history"},
		{Pattern: rePipeRollback, Usage: "pipeline rollback <repo>", Description: "revert to the previous deploy"},
	}
}

func (p *Pipeline) Initialize(shared *skill.Shared) error {
	p.shared = shared
	return nil
}

func (p *Pipeline) CanHandle(text string, _ *skill.Context) bool {
	text = strings.TrimSpace(text)
	return rePipeDeploy.MatchString(text) || rePipeStatus.MatchString(text) ||
		rePipeRollback.MatchString(text) || rePipeAlias.MatchString(text)
}

func (p *Pipeline) Execute(_ context.Context, text string, sctx *skill.Context) skill.Result {
	text = strings.TrimSpace(text)
	switch {
	case rePipeStatus.MatchString(text):
		return p.status(sctx)
	case rePipeDeploy.MatchString(text):
		return p.requestDeploy(sctx, rePipeDeploy.FindStringSubmatch(text)[1], false)
	case rePipeRollback.MatchString(text):
		return p.requestDeploy(sctx, rePipeRollback.FindStringSubmatch(text)[1], true)
	case rePipeAlias.MatchString(text):
		target := rePipeAlias.FindStringSubmatch(text)[1]
		return p.requestDeploy(sctx, target, false)
	}
	return p.Fail(skill.KindBadArgument, "unrecognized pipeline command")
}

// PipelineRequest is the confirmation payload a deploy or rollback
// travels in until the token is redeemed.
type PipelineRequest struct {
	Target   string
	Rollback bool
	ChatID   string
}

// requestDeploy validates the target and parks the action behind a
// confirmation token. The confirm skill executes it on redeem.
func (p *Pipeline) requestDeploy(sctx *skill.Context, target string, rollback bool) skill.Result {
	orch := sctx.Shared.Orch
	if _, err := orch.ProjectPath(target); err != nil {
		return p.FailWith(skill.KindNotFound, "deploy "+target,
			"list chats shows registered repos; projects are configured in clawd.yaml",
			"unknown project %q", target)
	}

	action := "deploy"
	if rollback {
		action = "rollback"
	}
	token := sctx.Shared.Confirm.Create(action, PipelineRequest{
		Target:   target,
		Rollback: rollback,
		ChatID:   sctx.ChatID,
	}, p.confirmTTL, sctx.SenderID)

	return p.OKData(token,
		"%s of %s is ready.\nConfirm with: confirm %s (expires in %s)",
		titleWord(action), target, token, p.confirmTTL)
}

func (p *Pipeline) status(sctx *skill.Context) skill.Result {
	orch := sctx.Shared.Orch
	var b strings.Builder

	active := orch.Active()
	if len(active) == 0 {
		b.WriteString("No active pipelines\n")
	} else {
		fmt.Fprintf(&b, "Active: %s\n", strings.Join(active, ", "))
	}

	hist := orch.History()
	if len(hist) == 0 {
		b.WriteString("No deploy history")
		return p.OK("%s", b.String())
	}
	b.WriteString("Recent deploys:\n")
	start := 0
	if len(hist) > 10 {
		start = len(hist) - 10
	}
	for _, e := range hist[start:] {
		kind := "deploy"
		if e.IsRollback {
			kind = "rollback"
		}
		outcome := "ok"
		if !e.DeploySuccess {
			outcome = "failed"
		}
		fmt.Fprintf(&b, "- %s %s %s (%s, %s)\n",
			e.StartedAt.Format("Jan 02 15:04"), kind, e.Target, outcome, e.Duration.Round(time.Second))
	}
	return p.OKData(hist, "%s", strings.TrimRight(b.String(), "\n"))
}

// runPipeline executes a confirmed request and formats the outcome.
// Shared with the confirm skill.
func runPipeline(ctx context.Context, sctx *skill.Context, req PipelineRequest) skill.Result {
	h := skill.Helper{SkillName: "pipeline"}
	orch := sctx.Shared.Orch

	var res *orchestrator.PipelineResult
	var err error
	if req.Rollback {
		res, err = orch.Rollback(ctx, req.Target)
	} else {
		res, err = orch.Deploy(ctx, req.Target)
	}
	switch {
	case errors.Is(err, orchestrator.ErrPipelineActive):
		return h.FailWith(skill.KindConflict, "deploy "+req.Target,
			"wait for the active pipeline to finish", "a pipeline is already running for %s", req.Target)
	case errors.Is(err, orchestrator.ErrNoDeployHistory):
		return h.FailWith(skill.KindNotFound, "rollback "+req.Target,
			"deploy at least once before rolling back", "no successful deploy to roll back")
	case err != nil:
		return h.Fail(skill.KindInternal, "pipeline error: %v", err)
	}

	msg := formatPipeline(res)
	if res.Success {
		r := h.OKData(res, "%s", msg)
		if res.Warning != "" {
			r.Kind = skill.KindDegraded
		}
		return r
	}
	return skill.Result{
		Success: false,
		Kind:    skill.KindUpstream,
		Message: msg,
		Data:    res,
		Skill:   "pipeline",
	}
}

// formatPipeline renders the stage-by-stage summary users see.
func formatPipeline(res *orchestrator.PipelineResult) string {
	var b strings.Builder
	head := "Pipeline Complete"
	if !res.Success {
		head = "Pipeline Failed"
	}
	fmt.Fprintf(&b, "%s: %s\n", head, res.Target)

	for _, s := range res.Stages {
		fmt.Fprintf(&b, "%s [%s]", titleWord(s.Name), s.Status)
		if s.Note != "" {
			fmt.Fprintf(&b, " - %s", s.Note)
		}
		b.WriteString("\n")
	}
	if res.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", res.URL)
	}
	if res.Warning != "" {
		fmt.Fprintf(&b, "Warning: %s\n", res.Warning)
	}
	fmt.Fprintf(&b, "Total: %s", res.Duration.Round(time.Millisecond))
	return b.String()
}
