package skills

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"clawd/internal/skill"
	"clawd/internal/store"
)

var (
	reRemindIn     = regexp.MustCompile(`(?i)^remind me\s+(.+?)\s+in\s+(\d+)\s*(m(?:in(?:ute)?s?)?|h(?:(?:ou)?rs?)?)$`)
	reRemindAt     = regexp.MustCompile(`(?i)^remind me\s+(.+?)\s+at\s+(\d{1,2}):(\d{2})$`)
	reMyReminders  = regexp.MustCompile(`(?i)^(my|list) reminders$`)
	reCancelRemind = regexp.MustCompile(`(?i)^cancel reminder\s+(\d+)$`)
)

const reminderHandler = "reminder"

// Reminders schedules one-shot reminder deliveries through the
// scheduler, so they survive restarts.
type Reminders struct {
	skill.Helper
	loc    *time.Location
	now    func() time.Time
	shared *skill.Shared
}

// NewReminders returns the reminder skill. Times in "remind me ... at
// HH:MM" are interpreted in loc.
func NewReminders(loc *time.Location) *Reminders {
	if loc == nil {
		loc = time.UTC
	}
	return &Reminders{
		Helper: skill.Helper{SkillName: "reminders"},
		loc:    loc,
		now:    time.Now,
	}
}

func (r *Reminders) Name() string        { return "reminders" }
func (r *Reminders) Description() string { return "One-shot reminders delivered back to the chat" }
func (r *Reminders) Priority() int       { return 40 }

func (r *Reminders) Commands() []skill.Command {
	return []skill.Command{
		{Pattern: reRemindIn, Usage: "remind me <msg> in <N> {minutes|hours}", Description: "reminder after a delay"},
		{Pattern: reRemindAt, Usage: "remind me <msg> at HH:MM", Description: "reminder at a time of day"},
		{Pattern: reMyReminders, Usage: "my reminders", Description: "list pending reminders"},
		{Pattern: reCancelRemind, Usage: "cancel reminder <n>", Description: "cancel the nth pending reminder"},
	}
}

// Initialize installs the delivery handler with the scheduler.
func (r *Reminders) Initialize(shared *skill.Shared) error {
	r.shared = shared
	shared.Sched.RegisterHandler(reminderHandler, func(_ context.Context, params map[string]any) (string, error) {
		msg, _ := params["message"].(string)
		if msg == "" {
			return "", fmt.Errorf("reminder with no message")
		}
		return "Reminder: " + msg, nil
	})
	return nil
}

func (r *Reminders) CanHandle(text string, _ *skill.Context) bool {
	text = strings.TrimSpace(text)
	return reRemindIn.MatchString(text) || reRemindAt.MatchString(text) ||
		reMyReminders.MatchString(text) || reCancelRemind.MatchString(text)
}

func (r *Reminders) Execute(_ context.Context, text string, sctx *skill.Context) skill.Result {
	text = strings.TrimSpace(text)
	switch {
	case reRemindIn.MatchString(text):
		m := reRemindIn.FindStringSubmatch(text)
		// "minutes", "min", "hrs" and friends all reduce to the first letter.
		return r.scheduleIn(sctx, m[1], m[2], strings.ToLower(m[3][:1]))
	case reRemindAt.MatchString(text):
		m := reRemindAt.FindStringSubmatch(text)
		return r.scheduleAt(sctx, m[1], m[2], m[3])
	case reMyReminders.MatchString(text):
		return r.list(sctx)
	case reCancelRemind.MatchString(text):
		n, _ := strconv.Atoi(reCancelRemind.FindStringSubmatch(text)[1])
		return r.cancel(sctx, n)
	}
	return r.Fail(skill.KindBadArgument, "unrecognized reminder command")
}

func (r *Reminders) scheduleIn(sctx *skill.Context, msg, amount, unit string) skill.Result {
	n, err := strconv.Atoi(amount)
	if err != nil || n <= 0 {
		return r.FailWith(skill.KindBadArgument, "remind in "+amount+unit,
			"use a positive number, e.g. remind me standup in 10 m", "invalid delay %q", amount)
	}
	var d time.Duration
	switch unit {
	case "m":
		if n > 1440 {
			return r.FailWith(skill.KindBadArgument, fmt.Sprintf("remind in %d m", n),
				"the maximum is 1440 minutes", "delay too long")
		}
		d = time.Duration(n) * time.Minute
	case "h":
		if n > 24 {
			return r.FailWith(skill.KindBadArgument, fmt.Sprintf("remind in %d h", n),
				"the maximum is 24 hours", "delay too long")
		}
		d = time.Duration(n) * time.Hour
	}
	return r.schedule(sctx, msg, r.now().Add(d))
}

func (r *Reminders) scheduleAt(sctx *skill.Context, msg, hh, mm string) skill.Result {
	hour, _ := strconv.Atoi(hh)
	minute, _ := strconv.Atoi(mm)
	if hour > 23 || minute > 59 {
		return r.FailWith(skill.KindBadArgument, fmt.Sprintf("remind at %s:%s", hh, mm),
			"use 24-hour HH:MM", "invalid time of day")
	}
	now := r.now().In(r.loc)
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, r.loc)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1) // tomorrow if the time already passed
	}
	return r.schedule(sctx, msg, at)
}

func (r *Reminders) schedule(sctx *skill.Context, msg string, at time.Time) skill.Result {
	name := "reminder-" + uuid.NewString()[:8]
	params := map[string]any{"chatId": sctx.ChatID, "message": msg}
	if err := sctx.Shared.Sched.ScheduleAt(name, at, reminderHandler, params, sctx.SenderID, false); err != nil {
		return r.Fail(skill.KindInternal, "could not schedule the reminder: %v", err)
	}
	return r.OKData(name, "Reminder set for %s", at.In(r.loc).Format("Mon 15:04"))
}

// pending returns the user's pending reminders ordered by fire time.
func (r *Reminders) pending(sctx *skill.Context) ([]store.ScheduledJob, error) {
	jobs, err := sctx.Shared.Sched.JobsForUser(sctx.SenderID, store.JobPending)
	if err != nil {
		return nil, err
	}
	var out []store.ScheduledJob
	for _, j := range jobs {
		if j.Handler == reminderHandler && j.Kind == store.JobOneShot {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].NextRun, out[j].NextRun
		if ti == nil || tj == nil {
			return tj == nil
		}
		return ti.Before(*tj)
	})
	return out, nil
}

func (r *Reminders) list(sctx *skill.Context) skill.Result {
	jobs, err := r.pending(sctx)
	if err != nil {
		return r.Warn("reminders unavailable: %v", err)
	}
	if len(jobs) == 0 {
		return r.OK("No pending reminders")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d pending reminders:\n", len(jobs))
	for i, j := range jobs {
		when := "?"
		if j.NextRun != nil {
			when = j.NextRun.In(r.loc).Format("Mon 15:04")
		}
		fmt.Fprintf(&b, "%d. %s - %s\n", i+1, when, reminderMessage(j.Params))
	}
	return r.OKData(jobs, "%s", strings.TrimRight(b.String(), "\n"))
}

func (r *Reminders) cancel(sctx *skill.Context, n int) skill.Result {
	jobs, err := r.pending(sctx)
	if err != nil {
		return r.Warn("reminders unavailable: %v", err)
	}
	if n < 1 || n > len(jobs) {
		return r.FailWith(skill.KindNotFound, fmt.Sprintf("cancel reminder %d", n),
			"run my reminders to see the numbering", "no reminder #%d", n)
	}
	job := jobs[n-1]
	if err := sctx.Shared.Sched.CancelByName(job.Name); err != nil {
		return r.Fail(skill.KindInternal, "cancel failed: %v", err)
	}
	return r.OK("Cancelled reminder #%d (%s)", n, reminderMessage(job.Params))
}

var reminderMsgRe = regexp.MustCompile(`"message"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// reminderMessage pulls the message text out of the params JSON for
// display without a full decode.
func reminderMessage(params string) string {
	if m := reminderMsgRe.FindStringSubmatch(params); m != nil {
		return m[1]
	}
	return "(reminder)"
}
