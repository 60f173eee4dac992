package sched

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"clawd/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingMessenger struct {
	mu    sync.Mutex
	sends []string // "chatID|text"
}

func (r *recordingMessenger) Send(_ context.Context, chatID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, chatID+"|"+text)
	return nil
}

func (r *recordingMessenger) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sends...)
}

func newTestScheduler(t *testing.T, st *store.Store, msgr Messenger) *Scheduler {
	t.Helper()
	s := New(Options{
		Store:     st,
		Messenger: msgr,
		Workers:   2,
		TickEvery: time.Hour, // ticks driven manually
	})
	return s
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(store.Options{Path: filepath.Join(t.TempDir(), "sched.db")})
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestOneShotFiresOnceAndCompletes(t *testing.T) {
	st := newTestStore(t)
	s := newTestScheduler(t, st, nil)
	defer s.Stop()

	var fires atomic.Int64
	s.RegisterHandler("noop", func(ctx context.Context, params map[string]any) (string, error) {
		fires.Add(1)
		return "", nil
	})

	at := time.Now().Add(50 * time.Millisecond)
	if err := s.ScheduleAt("job1", at, "noop", nil, "u1", false); err != nil {
		t.Fatalf("ScheduleAt failed: %v", err)
	}

	s.Tick(at.Add(time.Second))
	waitFor(t, func() bool { return fires.Load() == 1 })

	// A later tick must not re-fire a completed one-shot.
	s.Tick(at.Add(time.Minute))
	time.Sleep(50 * time.Millisecond)
	if got := fires.Load(); got != 1 {
		t.Fatalf("fires = %d, want exactly 1", got)
	}

	job, err := s.GetJobByName("job1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != store.JobCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
}

func TestRestartMidFireDoesNotDoubleFire(t *testing.T) {
	st := newTestStore(t)

	// First process: schedule, record the fire durably, then "crash"
	// before marking the result.
	s1 := newTestScheduler(t, st, nil)
	s1.RegisterHandler("noop", func(ctx context.Context, params map[string]any) (string, error) {
		return "", nil
	})
	at := time.Now().Add(10 * time.Millisecond)
	if err := s1.ScheduleAt("jobX", at, "noop", nil, "u1", false); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkJobFiring("jobX", at, nil); err != nil {
		t.Fatal(err)
	}
	s1.Stop()

	// Second process: the row has last_run set and next_run cleared, so
	// the due query returns nothing for this instant.
	var fires atomic.Int64
	s2 := newTestScheduler(t, st, nil)
	defer s2.Stop()
	s2.RegisterHandler("noop", func(ctx context.Context, params map[string]any) (string, error) {
		fires.Add(1)
		return "", nil
	})
	if err := s2.Start(); err != nil {
		t.Fatal(err)
	}
	s2.Tick(time.Now().Add(time.Minute))
	time.Sleep(50 * time.Millisecond)
	if got := fires.Load(); got != 0 {
		t.Fatalf("fires after restart = %d, want 0 for an already-claimed instant", got)
	}
}

func TestOneShotFiresLateAfterRestart(t *testing.T) {
	st := newTestStore(t)

	s1 := newTestScheduler(t, st, nil)
	s1.RegisterHandler("noop", func(ctx context.Context, params map[string]any) (string, error) {
		return "", nil
	})
	at := time.Now().Add(20 * time.Millisecond)
	if err := s1.ScheduleAt("late", at, "noop", nil, "u1", false); err != nil {
		t.Fatal(err)
	}
	s1.Stop() // restart before the delay elapses

	var fires atomic.Int64
	s2 := newTestScheduler(t, st, nil)
	defer s2.Stop()
	s2.RegisterHandler("noop", func(ctx context.Context, params map[string]any) (string, error) {
		fires.Add(1)
		return "", nil
	})
	if err := s2.Start(); err != nil {
		t.Fatal(err)
	}
	s2.Tick(time.Now().Add(time.Minute))
	waitFor(t, func() bool { return fires.Load() == 1 })
}

func TestCronJobReschedulesAfterFire(t *testing.T) {
	st := newTestStore(t)
	s := newTestScheduler(t, st, nil)
	defer s.Stop()

	var fires atomic.Int64
	s.RegisterHandler("beat", func(ctx context.Context, params map[string]any) (string, error) {
		fires.Add(1)
		return "", nil
	})
	if err := s.ScheduleCron("heartbeat", "* * * * *", "beat", nil, "u1", false); err != nil {
		t.Fatalf("ScheduleCron failed: %v", err)
	}

	job, err := s.GetJobByName("heartbeat")
	if err != nil {
		t.Fatal(err)
	}
	firstNext := *job.NextRun

	s.Tick(firstNext.Add(time.Second))
	waitFor(t, func() bool { return fires.Load() == 1 })

	waitFor(t, func() bool {
		job, err = s.GetJobByName("heartbeat")
		return err == nil && job.Status == store.JobPending && job.NextRun != nil && job.NextRun.After(firstNext)
	})
}

func TestCronDueInNonUTCLocation(t *testing.T) {
	st := newTestStore(t)
	s := New(Options{
		Store:     st,
		Location:  time.FixedZone("UTC+1", 3600),
		Workers:   2,
		TickEvery: time.Hour,
	})
	defer s.Stop()

	var fires atomic.Int64
	s.RegisterHandler("beat", func(ctx context.Context, params map[string]any) (string, error) {
		fires.Add(1)
		return "", nil
	})
	if err := s.ScheduleCron("offset-beat", "* * * * *", "beat", nil, "u1", false); err != nil {
		t.Fatalf("ScheduleCron failed: %v", err)
	}

	job, err := s.GetJobByName("offset-beat")
	if err != nil {
		t.Fatal(err)
	}
	firstNext := *job.NextRun
	// An every-minute cron is due within the next minute, not an hour out.
	if d := time.Until(firstNext); d <= 0 || d > 61*time.Second {
		t.Fatalf("next_run %s is %s away, want under a minute", firstNext, d)
	}

	// The store's due query must agree once the instant passes, whatever
	// location the schedule was evaluated in.
	due, err := st.DueJobs(firstNext.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("DueJobs = %d jobs just past the due instant, want 1", len(due))
	}

	s.Tick(firstNext.Add(time.Second))
	waitFor(t, func() bool { return fires.Load() == 1 })
}

func TestHandlerFailureMarksOneShotFailed(t *testing.T) {
	st := newTestStore(t)
	s := newTestScheduler(t, st, nil)
	defer s.Stop()

	s.RegisterHandler("boom", func(ctx context.Context, params map[string]any) (string, error) {
		return "", errors.New("handler blew up")
	})
	at := time.Now().Add(10 * time.Millisecond)
	if err := s.ScheduleAt("doomed", at, "boom", nil, "u1", false); err != nil {
		t.Fatal(err)
	}
	s.Tick(at.Add(time.Second))

	waitFor(t, func() bool {
		job, err := s.GetJobByName("doomed")
		return err == nil && job.Status == store.JobFailed
	})

	// A failed one-shot is never retried.
	s.Tick(at.Add(time.Minute))
	time.Sleep(50 * time.Millisecond)
	job, err := s.GetJobByName("doomed")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != store.JobFailed {
		t.Errorf("status = %s, want failed with no retry", job.Status)
	}
}

func TestFailedCronRearms(t *testing.T) {
	st := newTestStore(t)
	s := newTestScheduler(t, st, nil)
	defer s.Stop()

	s.RegisterHandler("flaky", func(ctx context.Context, params map[string]any) (string, error) {
		return "", errors.New("transient")
	})
	if err := s.ScheduleCron("flaky-cron", "* * * * *", "flaky", nil, "u1", false); err != nil {
		t.Fatal(err)
	}
	job, _ := s.GetJobByName("flaky-cron")
	s.Tick(job.NextRun.Add(time.Second))

	waitFor(t, func() bool {
		j, err := s.GetJobByName("flaky-cron")
		return err == nil && j.Status == store.JobPending
	})
}

func TestHandlerMessageDelivered(t *testing.T) {
	st := newTestStore(t)
	msgr := &recordingMessenger{}
	s := newTestScheduler(t, st, msgr)
	defer s.Stop()

	s.RegisterHandler("remind", func(ctx context.Context, params map[string]any) (string, error) {
		msg, _ := params["message"].(string)
		return "Reminder: " + msg, nil
	})
	at := time.Now().Add(10 * time.Millisecond)
	params := map[string]any{"chatId": "C1", "message": "standup"}
	if err := s.ScheduleAt("rem-1", at, "remind", params, "u1", false); err != nil {
		t.Fatal(err)
	}
	s.Tick(at.Add(time.Second))

	waitFor(t, func() bool { return len(msgr.all()) == 1 })
	if got := msgr.all()[0]; got != "C1|Reminder: standup" {
		t.Errorf("delivery = %q", got)
	}
}

func TestCancelClearsTimerAndMarksCancelled(t *testing.T) {
	st := newTestStore(t)
	s := newTestScheduler(t, st, nil)
	defer s.Stop()

	var fires atomic.Int64
	s.RegisterHandler("noop", func(ctx context.Context, params map[string]any) (string, error) {
		fires.Add(1)
		return "", nil
	})
	at := time.Now().Add(30 * time.Millisecond)
	if err := s.ScheduleAt("cancel-me", at, "noop", nil, "u1", false); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelByName("cancel-me"); err != nil {
		t.Fatal(err)
	}

	s.Tick(at.Add(time.Second))
	time.Sleep(100 * time.Millisecond)
	if fires.Load() != 0 {
		t.Error("cancelled job fired")
	}
	job, err := s.GetJobByName("cancel-me")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != store.JobCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
}

func TestScheduleRejectsUnknownHandlerAndBadSpec(t *testing.T) {
	st := newTestStore(t)
	s := newTestScheduler(t, st, nil)
	defer s.Stop()

	if err := s.ScheduleCron("j", "* * * * *", "nobody", nil, "u1", false); !errors.Is(err, ErrHandlerNotFound) {
		t.Errorf("unknown handler err = %v", err)
	}
	s.RegisterHandler("noop", func(ctx context.Context, params map[string]any) (string, error) {
		return "", nil
	})
	if err := s.ScheduleCron("j", "not a cron", "noop", nil, "u1", false); !errors.Is(err, ErrBadSpec) {
		t.Errorf("bad cron err = %v", err)
	}
	if err := s.ScheduleAt("j", time.Now().Add(-time.Minute), "noop", nil, "u1", false); !errors.Is(err, ErrBadSpec) {
		t.Errorf("past trigger err = %v", err)
	}
}

func TestDuplicateNameNeedsReplaceFlag(t *testing.T) {
	st := newTestStore(t)
	s := newTestScheduler(t, st, nil)
	defer s.Stop()

	s.RegisterHandler("noop", func(ctx context.Context, params map[string]any) (string, error) {
		return "", nil
	})
	at := time.Now().Add(time.Hour)
	if err := s.ScheduleAt("dup", at, "noop", nil, "u1", false); err != nil {
		t.Fatal(err)
	}
	if err := s.ScheduleAt("dup", at, "noop", nil, "u1", false); !errors.Is(err, store.ErrJobExists) {
		t.Errorf("duplicate err = %v", err)
	}
	if err := s.ScheduleAt("dup", at.Add(time.Hour), "noop", nil, "u1", true); err != nil {
		t.Errorf("replace failed: %v", err)
	}
}

func TestJobNeverOverlapsItself(t *testing.T) {
	st := newTestStore(t)
	s := newTestScheduler(t, st, nil)
	defer s.Stop()

	var concurrent, peak atomic.Int64
	block := make(chan struct{})
	s.RegisterHandler("slow", func(ctx context.Context, params map[string]any) (string, error) {
		n := concurrent.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		<-block
		concurrent.Add(-1)
		return "", nil
	})
	at := time.Now().Add(10 * time.Millisecond)
	if err := s.ScheduleAt("slow-job", at, "slow", nil, "u1", false); err != nil {
		t.Fatal(err)
	}

	now := at.Add(time.Second)
	s.Tick(now)
	s.Tick(now) // second tick while the first fire is still running
	time.Sleep(50 * time.Millisecond)
	close(block)

	waitFor(t, func() bool { return concurrent.Load() == 0 })
	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1 (single-flight per name)", peak.Load())
	}
}
