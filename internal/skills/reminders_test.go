package skills

import (
	"context"
	"strings"
	"testing"
	"time"

	"clawd/internal/skill"
)

func newReminderSkill(t *testing.T, sh *skill.Shared) *Reminders {
	t.Helper()
	r := NewReminders(time.UTC)
	if err := r.Initialize(sh); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestReminderRoundTrip(t *testing.T) {
	sh, msgr, _ := newShared(t)
	r := newReminderSkill(t, sh)
	sctx := sctxFor(sh, "C1")

	res := r.Execute(context.Background(), "remind me standup in 10 m", sctx)
	if !res.Success {
		t.Fatalf("schedule failed: %+v", res)
	}

	res = r.Execute(context.Background(), "my reminders", sctx)
	if !strings.Contains(res.Message, "1 pending reminders") || !strings.Contains(res.Message, "standup") {
		t.Fatalf("list = %q", res.Message)
	}

	// Force the due scan past the trigger time instead of waiting.
	sh.Sched.Tick(time.Now().Add(11 * time.Minute))
	waitFor(t, 2*time.Second, func() bool {
		for _, s := range msgr.all() {
			if s == "C1|Reminder: standup" {
				return true
			}
		}
		return false
	})

	res = r.Execute(context.Background(), "my reminders", sctx)
	if !strings.Contains(res.Message, "No pending reminders") {
		t.Errorf("list after fire = %q", res.Message)
	}
}

func TestReminderUnitSpellings(t *testing.T) {
	sh, _, _ := newShared(t)
	r := newReminderSkill(t, sh)
	sctx := sctxFor(sh, "C1")

	for _, text := range []string{
		"remind me standup in 1 minutes",
		"remind me standup in 5 min",
		"remind me standup in 10m",
		"remind me standup in 2 hours",
		"remind me standup in 1 hr",
		"remind me standup in 3h",
	} {
		if !r.CanHandle(text, sctx) {
			t.Errorf("CanHandle(%q) = false", text)
			continue
		}
		if res := r.Execute(context.Background(), text, sctx); !res.Success {
			t.Errorf("Execute(%q) = %+v", text, res)
		}
	}

	// The hour cap applies however the unit is spelled.
	res := r.Execute(context.Background(), "remind me x in 25 hours", sctx)
	if res.Success || res.Kind != skill.KindBadArgument {
		t.Errorf("25 hours accepted: %+v", res)
	}

	if r.CanHandle("remind me x in 10 fortnights", sctx) {
		t.Error("unknown unit claimed")
	}
}

func TestReminderDelayCaps(t *testing.T) {
	sh, _, _ := newShared(t)
	r := newReminderSkill(t, sh)
	sctx := sctxFor(sh, "C1")

	res := r.Execute(context.Background(), "remind me x in 1441 m", sctx)
	if res.Success || res.Kind != skill.KindBadArgument {
		t.Errorf("1441m accepted: %+v", res)
	}
	res = r.Execute(context.Background(), "remind me x in 25 h", sctx)
	if res.Success || res.Kind != skill.KindBadArgument {
		t.Errorf("25h accepted: %+v", res)
	}
	res = r.Execute(context.Background(), "remind me x in 24 h", sctx)
	if !res.Success {
		t.Errorf("24h rejected: %+v", res)
	}
}

func TestReminderAtTimeRollsToTomorrow(t *testing.T) {
	sh, _, _ := newShared(t)
	r := newReminderSkill(t, sh)
	// Pin the clock so "at 09:00" is always in the past.
	r.now = func() time.Time {
		return time.Date(2100, 3, 10, 12, 0, 0, 0, time.UTC)
	}
	sctx := sctxFor(sh, "C1")

	res := r.Execute(context.Background(), "remind me review PRs at 09:00", sctx)
	if !res.Success {
		t.Fatalf("schedule failed: %+v", res)
	}
	name, _ := res.Data.(string)
	job, err := sh.Sched.GetJobByName(name)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2100, 3, 11, 9, 0, 0, 0, time.UTC)
	if job.NextRun == nil || !job.NextRun.Equal(want) {
		t.Errorf("next run = %v, want %v", job.NextRun, want)
	}
}

func TestReminderAtRejectsBadClock(t *testing.T) {
	sh, _, _ := newShared(t)
	r := newReminderSkill(t, sh)
	sctx := sctxFor(sh, "C1")

	res := r.Execute(context.Background(), "remind me x at 25:00", sctx)
	if res.Success || res.Kind != skill.KindBadArgument {
		t.Errorf("25:00 accepted: %+v", res)
	}
}

func TestCancelReminderByIndex(t *testing.T) {
	sh, _, _ := newShared(t)
	r := newReminderSkill(t, sh)
	sctx := sctxFor(sh, "C1")

	r.Execute(context.Background(), "remind me first in 10 m", sctx)
	r.Execute(context.Background(), "remind me second in 20 m", sctx)

	res := r.Execute(context.Background(), "cancel reminder 1", sctx)
	if !res.Success || !strings.Contains(res.Message, "first") {
		t.Fatalf("cancel = %+v", res)
	}

	res = r.Execute(context.Background(), "my reminders", sctx)
	if !strings.Contains(res.Message, "1 pending reminders") || !strings.Contains(res.Message, "second") {
		t.Errorf("list after cancel = %q", res.Message)
	}

	res = r.Execute(context.Background(), "cancel reminder 9", sctx)
	if res.Success || res.Kind != skill.KindNotFound {
		t.Errorf("out-of-range cancel = %+v", res)
	}
}
