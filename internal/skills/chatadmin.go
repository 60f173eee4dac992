// Package skills holds the core command skills the kernel registers at
// boot: chat administration, reminders, deploy pipelines, confirmation
// handling, router tuning, and cost reporting. Domain skills beyond the
// kernel surface live in the skills directory and load through the
// loader.
package skills

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"clawd/internal/config"
	"clawd/internal/skill"
	"clawd/internal/store"
)

var (
	reRegisterCompany = regexp.MustCompile(`(?i)^register chat for company\s+(\S+)$`)
	reRegisterRepo    = regexp.MustCompile(`(?i)^register chat for\s+(\S+)$`)
	reRegisterHQ      = regexp.MustCompile(`(?i)^register chat as hq$`)
	reUnregister      = regexp.MustCompile(`(?i)^unregister chat$`)
	reContext         = regexp.MustCompile(`(?i)^context$`)
	reListChats       = regexp.MustCompile(`(?i)^list chats$`)
	reSetNotify       = regexp.MustCompile(`(?i)^set notifications\s+(\S+)$`)
)

// ChatAdmin manages chat registrations and notification levels.
type ChatAdmin struct {
	skill.Helper
	shared *skill.Shared
}

// NewChatAdmin returns the chat administration skill.
func NewChatAdmin() *ChatAdmin {
	return &ChatAdmin{Helper: skill.Helper{SkillName: "chatadmin"}}
}

func (c *ChatAdmin) Name() string        { return "chatadmin" }
func (c *ChatAdmin) Description() string { return "Register chats to repos, companies, or HQ" }
func (c *ChatAdmin) Priority() int       { return 50 }

func (c *ChatAdmin) Commands() []skill.Command {
	return []skill.Command{
		{Pattern: reRegisterCompany, Usage: "register chat for company <CODE>", Description: "bind this chat to a company"},
		{Pattern: reRegisterRepo, Usage: "register chat for <repo>", Description: "bind this chat to a repository"},
		{Pattern: reRegisterHQ, Usage: "register chat as hq", Description: "make this chat the cross-context HQ"},
		{Pattern: reUnregister, Usage: "unregister chat", Description: "remove this chat's binding"},
		{Pattern: reContext, Usage: "context", Description: "show this chat's binding"},
		{Pattern: reListChats, Usage: "list chats", Description: "list all registered chats"},
		{Pattern: reSetNotify, Usage: "set notifications {all|critical|digest}", Description: "set this chat's delivery filter"},
	}
}

func (c *ChatAdmin) Initialize(shared *skill.Shared) error {
	c.shared = shared
	return nil
}

func (c *ChatAdmin) CanHandle(text string, _ *skill.Context) bool {
	for _, cmd := range c.Commands() {
		if cmd.Pattern.MatchString(strings.TrimSpace(text)) {
			return true
		}
	}
	return false
}

func (c *ChatAdmin) Execute(_ context.Context, text string, sctx *skill.Context) skill.Result {
	text = strings.TrimSpace(text)
	chats := sctx.Shared.Chats

	switch {
	case reRegisterCompany.MatchString(text):
		code := strings.ToUpper(reRegisterCompany.FindStringSubmatch(text)[1])
		if !validCompany(code) {
			return c.FailWith(skill.KindBadArgument, "register company "+code,
				"valid codes: "+strings.Join(config.CompanyCodes, ", "),
				"unknown company code %q", code)
		}
		return c.register(sctx, store.ChatCompany, code)

	case reRegisterHQ.MatchString(text):
		return c.register(sctx, store.ChatHQ, "")

	case reRegisterRepo.MatchString(text):
		repo := reRegisterRepo.FindStringSubmatch(text)[1]
		return c.register(sctx, store.ChatRepo, repo)

	case reUnregister.MatchString(text):
		if err := chats.Unregister(sctx.ChatID); err != nil {
			return c.Fail(skill.KindNotFound, "this chat is not registered")
		}
		return c.OK("Chat unregistered")

	case reContext.MatchString(text):
		return c.showContext(sctx)

	case reListChats.MatchString(text):
		return c.listChats(sctx)

	case reSetNotify.MatchString(text):
		level := strings.ToLower(reSetNotify.FindStringSubmatch(text)[1])
		if err := chats.SetNotificationLevel(sctx.ChatID, store.NotificationLevel(level)); err != nil {
			return c.FailWith(skill.KindBadArgument, "set notifications "+level,
				"use all, critical, or digest", "%v", err)
		}
		return c.OK("Notifications set to %s", level)
	}

	return c.Fail(skill.KindBadArgument, "unrecognized chat command")
}

func (c *ChatAdmin) register(sctx *skill.Context, typ store.ChatType, target string) skill.Result {
	err := sctx.Shared.Chats.Register(store.ChatRegistration{
		ChatID:        sctx.ChatID,
		Type:          typ,
		Target:        target,
		Notifications: store.NotifyAll,
		Platform:      "slack",
		RegisteredBy:  sctx.SenderID,
	})
	if err != nil {
		return c.Fail(skill.KindInternal, "registration failed: %v", err)
	}
	switch typ {
	case store.ChatHQ:
		return c.OK("Chat registered as HQ")
	case store.ChatCompany:
		return c.OK("Chat registered for company %s", target)
	default:
		return c.OK("Chat registered for %s", target)
	}
}

func (c *ChatAdmin) showContext(sctx *skill.Context) skill.Result {
	reg, err := sctx.Shared.Chats.Get(sctx.ChatID)
	if err != nil {
		return c.FailWith(skill.KindNotFound, "context",
			"register this chat first", "this chat is not registered")
	}
	var b strings.Builder
	switch reg.Type {
	case store.ChatRepo:
		b.WriteString("Type: Repo\n")
		fmt.Fprintf(&b, "Repository: %s\n", reg.Target)
	case store.ChatCompany:
		b.WriteString("Type: Company\n")
		fmt.Fprintf(&b, "Company: %s\n", reg.Target)
	case store.ChatHQ:
		b.WriteString("Type: HQ\n")
	}
	fmt.Fprintf(&b, "Notifications: %s", reg.Notifications)
	return c.OKData(reg, "%s", b.String())
}

func (c *ChatAdmin) listChats(sctx *skill.Context) skill.Result {
	regs, err := sctx.Shared.Chats.List()
	if err != nil {
		return c.Warn("chat list unavailable: %v", err)
	}
	if len(regs) == 0 {
		return c.OK("No chats registered")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d registered chats:\n", len(regs))
	for _, r := range regs {
		target := r.Target
		if r.Type == store.ChatHQ {
			target = "-"
		}
		fmt.Fprintf(&b, "- %s: %s %s (%s)\n", r.ChatID, r.Type, target, r.Notifications)
	}
	return c.OKData(regs, "%s", strings.TrimRight(b.String(), "\n"))
}

func validCompany(code string) bool {
	for _, c := range config.CompanyCodes {
		if c == code {
			return true
		}
	}
	return false
}
