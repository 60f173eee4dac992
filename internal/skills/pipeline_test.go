package skills

import (
	"context"
	"strings"
	"testing"
	"time"

	"clawd/internal/orchestrator"
	"clawd/internal/skill"
)

func deployToken(t *testing.T, sh *skill.Shared, target string) string {
	t.Helper()
	p := NewPipeline(time.Minute)
	res := p.Execute(context.Background(), "pipeline deploy "+target, sctxFor(sh, "C1"))
	if !res.Success {
		t.Fatalf("deploy request failed: %+v", res)
	}
	token, ok := res.Data.(string)
	if !ok || token == "" {
		t.Fatalf("no token in result: %+v", res)
	}
	return token
}

func TestDeployRequiresConfirmation(t *testing.T) {
	sh, _, runner := newShared(t)
	token := deployToken(t, sh, "aws-clawd-bot")

	// Nothing runs until the token is redeemed.
	if calls := runner.recorded(); len(calls) != 0 {
		t.Fatalf("subprocess ran before confirmation: %v", calls)
	}

	cc := NewConfirmCtl()
	res := cc.Execute(context.Background(), "confirm "+token, sctxFor(sh, "C1"))
	if !res.Success {
		t.Fatalf("confirmed deploy failed: %+v", res)
	}
	if !strings.Contains(res.Message, "Pipeline Complete: aws-clawd-bot") {
		t.Errorf("message = %q", res.Message)
	}
	if calls := runner.recorded(); len(calls) != 2 {
		t.Errorf("calls = %v, want test and deploy", calls)
	}
}

func TestTokenIsSingleUse(t *testing.T) {
	sh, _, _ := newShared(t)
	token := deployToken(t, sh, "aws-clawd-bot")

	cc := NewConfirmCtl()
	if res := cc.Execute(context.Background(), "confirm "+token, sctxFor(sh, "C1")); !res.Success {
		t.Fatalf("first redeem failed: %+v", res)
	}
	res := cc.Execute(context.Background(), "confirm "+token, sctxFor(sh, "C1"))
	if res.Success || res.Kind != skill.KindNotFound {
		t.Errorf("second redeem = %+v", res)
	}
}

func TestUnknownTokenRejected(t *testing.T) {
	sh, _, _ := newShared(t)
	cc := NewConfirmCtl()
	res := cc.Execute(context.Background(), "confirm NOSUCHTOKEN1", sctxFor(sh, "C1"))
	if res.Success || res.Kind != skill.KindNotFound {
		t.Errorf("unknown token = %+v", res)
	}
}

func TestCancelDiscardsPendingDeploy(t *testing.T) {
	sh, _, runner := newShared(t)
	token := deployToken(t, sh, "aws-clawd-bot")

	cc := NewConfirmCtl()
	if res := cc.Execute(context.Background(), "cancel "+token, sctxFor(sh, "C1")); !res.Success {
		t.Fatalf("cancel failed: %+v", res)
	}
	res := cc.Execute(context.Background(), "confirm "+token, sctxFor(sh, "C1"))
	if res.Success {
		t.Error("cancelled token still redeemed")
	}
	if calls := runner.recorded(); len(calls) != 0 {
		t.Errorf("cancelled deploy still ran: %v", calls)
	}
}

func TestFailedTestsSkipDeployInSummary(t *testing.T) {
	sh, _, runner := newShared(t)
	runner.results["npm"] = orchestrator.RunResult{Success: false, Stdout: "2 tests failed"}
	token := deployToken(t, sh, "aws-clawd-bot")

	cc := NewConfirmCtl()
	res := cc.Execute(context.Background(), "confirm "+token, sctxFor(sh, "C1"))
	if res.Success || res.Kind != skill.KindUpstream {
		t.Fatalf("failed pipeline reported success: %+v", res)
	}
	for _, want := range []string{
		"Pipeline Failed: aws-clawd-bot",
		"Test [FAIL]",
		"Deploy [SKIP] - aborted (tests failed)",
	} {
		if !strings.Contains(res.Message, want) {
			t.Errorf("summary missing %q:\n%s", want, res.Message)
		}
	}
}

func TestRollbackFlowRunsCheckoutThenDeploy(t *testing.T) {
	sh, _, runner := newShared(t)
	cc := NewConfirmCtl()
	p := NewPipeline(time.Minute)

	// Rollback with no deploy history is refused up front.
	res := p.Execute(context.Background(), "pipeline rollback aws-clawd-bot", sctxFor(sh, "C1"))
	if !res.Success {
		t.Fatalf("rollback request failed: %+v", res)
	}
	token, _ := res.Data.(string)
	res = cc.Execute(context.Background(), "confirm "+token, sctxFor(sh, "C1"))
	if res.Success || res.Kind != skill.KindNotFound {
		t.Fatalf("rollback without history = %+v", res)
	}

	// Deploy once, then roll back.
	token = deployToken(t, sh, "aws-clawd-bot")
	if res := cc.Execute(context.Background(), "confirm "+token, sctxFor(sh, "C1")); !res.Success {
		t.Fatalf("deploy failed: %+v", res)
	}

	res = p.Execute(context.Background(), "pipeline rollback aws-clawd-bot", sctxFor(sh, "C1"))
	token, _ = res.Data.(string)
	res = cc.Execute(context.Background(), "confirm "+token, sctxFor(sh, "C1"))
	if !res.Success {
		t.Fatalf("rollback failed: %+v", res)
	}

	calls := runner.recorded()
	var sawCheckout bool
	for _, c := range calls {
		if c == "git checkout HEAD~1" {
			sawCheckout = true
		}
	}
	if !sawCheckout {
		t.Errorf("rollback never ran git checkout HEAD~1: %v", calls)
	}
}

func TestUnknownProjectRejectedBeforeToken(t *testing.T) {
	sh, _, _ := newShared(t)
	p := NewPipeline(time.Minute)

	res := p.Execute(context.Background(), "pipeline deploy no-such-repo", sctxFor(sh, "C1"))
	if res.Success || res.Kind != skill.KindNotFound {
		t.Fatalf("unknown project = %+v", res)
	}
	if sh.Confirm.PendingCount() != 0 {
		t.Error("token created for unknown project")
	}
}

func TestPipelineStatusShowsHistory(t *testing.T) {
	sh, _, _ := newShared(t)
	p := NewPipeline(time.Minute)
	cc := NewConfirmCtl()

	res := p.Execute(context.Background(), "pipeline status", sctxFor(sh, "C1"))
	if !res.Success || !strings.Contains(res.Message, "No deploy history") {
		t.Fatalf("empty status = %+v", res)
	}

	token := deployToken(t, sh, "aws-clawd-bot")
	cc.Execute(context.Background(), "confirm "+token, sctxFor(sh, "C1"))

	res = p.Execute(context.Background(), "deploy history", sctxFor(sh, "C1"))
	if !strings.Contains(res.Message, "deploy aws-clawd-bot (ok") {
		t.Errorf("status = %q", res.Message)
	}
}
