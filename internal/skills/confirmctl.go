package skills

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"clawd/internal/confirm"
	"clawd/internal/skill"
)

var (
	reConfirm       = regexp.MustCompile(`(?i)^confirm\s+(\S+)$`)
	reCancelConfirm = regexp.MustCompile(`(?i)^cancel\s+([A-Z2-7]{6,16})$`)
)

// ConfirmCtl redeems and cancels confirmation tokens. Redeeming a
// pipeline token executes the parked deploy or rollback inline.
type ConfirmCtl struct {
	skill.Helper
	shared *skill.Shared
}

// NewConfirmCtl returns the confirmation skill.
func NewConfirmCtl() *ConfirmCtl {
	return &ConfirmCtl{Helper: skill.Helper{SkillName: "confirmctl"}}
}

func (c *ConfirmCtl) Name() string        { return "confirmctl" }
func (c *ConfirmCtl) Description() string { return "Confirm or cancel pending actions" }
func (c *ConfirmCtl) Priority() int       { return 70 }

func (c *ConfirmCtl) Commands() []skill.Command {
	return []skill.Command{
		{Pattern: reConfirm, Usage: "confirm <token>", Description: "execute a pending action"},
		{Pattern: reCancelConfirm, Usage: "cancel <token>", Description: "discard a pending action"},
	}
}

func (c *ConfirmCtl) Initialize(shared *skill.Shared) error {
	c.shared = shared
	return nil
}

func (c *ConfirmCtl) CanHandle(text string, _ *skill.Context) bool {
	text = strings.TrimSpace(text)
	return reConfirm.MatchString(text) || reCancelConfirm.MatchString(text)
}

func (c *ConfirmCtl) Execute(ctx context.Context, text string, sctx *skill.Context) skill.Result {
	text = strings.TrimSpace(text)
	switch {
	case reConfirm.MatchString(text):
		return c.redeem(ctx, sctx, reConfirm.FindStringSubmatch(text)[1])
	case reCancelConfirm.MatchString(text):
		return c.cancel(sctx, reCancelConfirm.FindStringSubmatch(text)[1])
	}
	return c.Fail(skill.KindBadArgument, "unrecognized confirm command")
}

func (c *ConfirmCtl) redeem(ctx context.Context, sctx *skill.Context, token string) skill.Result {
	p, err := sctx.Shared.Confirm.Redeem(token, sctx.SenderID)
	switch {
	case errors.Is(err, confirm.ErrExpired):
		return c.FailWith(skill.KindNotFound, "confirm "+token,
			"request the action again for a fresh token", "that confirmation expired")
	case errors.Is(err, confirm.ErrNotFound):
		return c.FailWith(skill.KindNotFound, "confirm "+token,
			"tokens are single use; request the action again", "unknown or already-used token")
	case err != nil:
		return c.Fail(skill.KindInternal, "confirm failed: %v", err)
	}

	switch req := p.Payload.(type) {
	case PipelineRequest:
		c.Log("%s of %s confirmed by %s", p.Kind, req.Target, sctx.SenderID)
		return runPipeline(ctx, sctx, req)
	default:
		return c.Fail(skill.KindInternal, "unsupported confirmation kind %q", p.Kind)
	}
}

func (c *ConfirmCtl) cancel(sctx *skill.Context, token string) skill.Result {
	if err := sctx.Shared.Confirm.Cancel(token); err != nil {
		return c.FailWith(skill.KindNotFound, "cancel "+token,
			"it may have expired or already run", "no pending action with that token")
	}
	return c.OK("Cancelled pending action %s", token)
}

// titleWord upper-cases the first letter of a single lower-case word.
func titleWord(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
