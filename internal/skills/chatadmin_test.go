package skills

import (
	"context"
	"strings"
	"testing"

	"clawd/internal/skill"
)

func TestRegisterRepoAndShowContext(t *testing.T) {
	sh, _, _ := newShared(t)
	ca := NewChatAdmin()
	sctx := sctxFor(sh, "C1")

	res := ca.Execute(context.Background(), "register chat for aws-clawd-bot", sctx)
	if !res.Success {
		t.Fatalf("register failed: %+v", res)
	}

	res = ca.Execute(context.Background(), "context", sctx)
	if !res.Success {
		t.Fatalf("context failed: %+v", res)
	}
	for _, want := range []string{"Type: Repo", "Repository: aws-clawd-bot", "Notifications: all"} {
		if !strings.Contains(res.Message, want) {
			t.Errorf("context message missing %q:\n%s", want, res.Message)
		}
	}
}

func TestRegisterCompanyValidatesCode(t *testing.T) {
	sh, _, _ := newShared(t)
	ca := NewChatAdmin()
	sctx := sctxFor(sh, "C1")

	res := ca.Execute(context.Background(), "register chat for company XYZ", sctx)
	if res.Success || res.Kind != skill.KindBadArgument {
		t.Fatalf("bad code accepted: %+v", res)
	}
	if !strings.Contains(res.Suggestion, "GMH") {
		t.Errorf("suggestion should list valid codes, got %q", res.Suggestion)
	}

	res = ca.Execute(context.Background(), "register chat for company gmh", sctx)
	if !res.Success {
		t.Fatalf("lowercase valid code rejected: %+v", res)
	}
	res = ca.Execute(context.Background(), "context", sctx)
	if !strings.Contains(res.Message, "Company: GMH") {
		t.Errorf("context = %q", res.Message)
	}
}

func TestRegisterHQAndList(t *testing.T) {
	sh, _, _ := newShared(t)
	ca := NewChatAdmin()

	if res := ca.Execute(context.Background(), "register chat as hq", sctxFor(sh, "C-hq")); !res.Success {
		t.Fatal(res.Message)
	}
	if res := ca.Execute(context.Background(), "register chat for aws-clawd-bot", sctxFor(sh, "C-repo")); !res.Success {
		t.Fatal(res.Message)
	}

	res := ca.Execute(context.Background(), "list chats", sctxFor(sh, "C-hq"))
	if !res.Success {
		t.Fatal(res.Message)
	}
	if !strings.Contains(res.Message, "2 registered chats") {
		t.Errorf("list = %q", res.Message)
	}
	if !strings.Contains(res.Message, "C-repo: repo aws-clawd-bot") {
		t.Errorf("list missing repo line: %q", res.Message)
	}
}

func TestSetNotificationsAndUnregister(t *testing.T) {
	sh, _, _ := newShared(t)
	ca := NewChatAdmin()
	sctx := sctxFor(sh, "C1")

	ca.Execute(context.Background(), "register chat for aws-clawd-bot", sctx)

	res := ca.Execute(context.Background(), "set notifications digest", sctx)
	if !res.Success {
		t.Fatalf("set notifications failed: %+v", res)
	}
	res = ca.Execute(context.Background(), "set notifications loud", sctx)
	if res.Success || res.Kind != skill.KindBadArgument {
		t.Fatalf("invalid level accepted: %+v", res)
	}

	if res := ca.Execute(context.Background(), "unregister chat", sctx); !res.Success {
		t.Fatalf("unregister failed: %+v", res)
	}
	res = ca.Execute(context.Background(), "context", sctx)
	if res.Success || res.Kind != skill.KindNotFound {
		t.Fatalf("context after unregister = %+v", res)
	}
}

func TestChatAdminClaimsOnlyItsCommands(t *testing.T) {
	sh, _, _ := newShared(t)
	ca := NewChatAdmin()
	sctx := sctxFor(sh, "C1")

	if !ca.CanHandle("register chat for aws-clawd-bot", sctx) {
		t.Error("should claim register")
	}
	if ca.CanHandle("deploy aws-clawd-bot", sctx) {
		t.Error("claimed a pipeline command")
	}
}
