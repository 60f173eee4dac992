package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{Path: filepath.Join(t.TempDir(), "clawd.db")})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFactUpdateBumpsUpdatedAt(t *testing.T) {
	s := newTestStore(t)

	id, err := s.AddFact("u1", "general", "prefers tabs", "chat")
	if err != nil {
		t.Fatalf("AddFact failed: %v", err)
	}

	// Backdate so the trigger's bump is unambiguous.
	backdated := time.Now().UTC().Add(-time.Hour)
	if _, err := s.db.Exec(
		"UPDATE facts SET created_at = ?, updated_at = ? WHERE id = ?",
		backdated, backdated, id,
	); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateFact(id, "general", "prefers spaces"); err != nil {
		t.Fatalf("UpdateFact failed: %v", err)
	}

	f, err := s.GetFact(id)
	if err != nil {
		t.Fatalf("GetFact failed: %v", err)
	}
	if !f.UpdatedAt.After(backdated.Add(time.Minute)) {
		t.Errorf("updated_at not bumped by trigger: %v", f.UpdatedAt)
	}
	if f.UpdatedAt.Before(f.CreatedAt) {
		t.Errorf("updated_at %v before created_at %v", f.UpdatedAt, f.CreatedAt)
	}
}

func TestTaskCompletionTrigger(t *testing.T) {
	s := newTestStore(t)

	id, err := s.AddTask("u1", "ship release", "", PriorityHigh, nil)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	task, _ := s.GetTask(id)
	if task.CompletedAt != nil {
		t.Fatal("new task should have no completed_at")
	}

	if err := s.SetTaskStatus(id, TaskCompleted); err != nil {
		t.Fatalf("SetTaskStatus failed: %v", err)
	}
	task, _ = s.GetTask(id)
	if task.CompletedAt == nil {
		t.Fatal("completed task must have completed_at set")
	}

	if err := s.SetTaskStatus(id, TaskInProgress); err != nil {
		t.Fatalf("SetTaskStatus failed: %v", err)
	}
	task, _ = s.GetTask(id)
	if task.CompletedAt != nil {
		t.Fatal("reopened task must have completed_at cleared")
	}
}

func TestConversationRetention(t *testing.T) {
	s, err := New(Options{
		Path:                  filepath.Join(t.TempDir(), "clawd.db"),
		ConversationRetention: 5,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	for i := 0; i < 12; i++ {
		if _, err := s.AppendConversation("u1", RoleUser, fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("AppendConversation failed: %v", err)
		}
	}

	count, err := s.ConversationCount("u1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 5 {
		t.Errorf("expected retention cap 5, got %d entries", count)
	}

	entries, err := s.RecentConversations("u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	if entries[len(entries)-1].Content != "msg 11" {
		t.Errorf("newest entry should survive pruning, got %q", entries[len(entries)-1].Content)
	}
}

func TestConversationRejectsEmptyContent(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AppendConversation("u1", RoleUser, ""); err == nil {
		t.Error("expected error for empty content")
	}
}

func TestJobUpsertConflictAndReplace(t *testing.T) {
	s := newTestStore(t)

	at := time.Now().UTC().Add(time.Minute)
	job := ScheduledJob{
		Name:      "reminder-1",
		Kind:      JobOneShot,
		TriggerAt: &at,
		Handler:   "reminder",
		Enabled:   true,
		NextRun:   &at,
		UserID:    "u1",
	}

	if err := s.UpsertJob(job, false); err != nil {
		t.Fatalf("first UpsertJob failed: %v", err)
	}
	if err := s.UpsertJob(job, false); !errors.Is(err, ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}
	if err := s.UpsertJob(job, true); err != nil {
		t.Fatalf("replace UpsertJob failed: %v", err)
	}
}

func TestJobKindExclusivity(t *testing.T) {
	s := newTestStore(t)
	at := time.Now().UTC()

	tests := []struct {
		name string
		job  ScheduledJob
	}{
		{"cron with trigger", ScheduledJob{Name: "a", Kind: JobCron, CronExpr: "* * * * *", TriggerAt: &at, Handler: "h"}},
		{"cron without expr", ScheduledJob{Name: "b", Kind: JobCron, Handler: "h"}},
		{"oneshot with expr", ScheduledJob{Name: "c", Kind: JobOneShot, CronExpr: "* * * * *", TriggerAt: &at, Handler: "h"}},
		{"oneshot without trigger", ScheduledJob{Name: "d", Kind: JobOneShot, Handler: "h"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.UpsertJob(tt.job, false); err == nil {
				t.Error("expected kind-exclusivity error, got nil")
			}
		})
	}
}

func TestDueJobsAndFireLifecycle(t *testing.T) {
	s := newTestStore(t)

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	mustUpsert(t, s, ScheduledJob{
		Name: "due", Kind: JobOneShot, TriggerAt: &past, Handler: "h",
		Enabled: true, NextRun: &past, UserID: "u1",
	})
	mustUpsert(t, s, ScheduledJob{
		Name: "later", Kind: JobOneShot, TriggerAt: &future, Handler: "h",
		Enabled: true, NextRun: &future, UserID: "u1",
	})

	due, err := s.DueJobs(time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].Name != "due" {
		t.Fatalf("expected only the past job due, got %v", due)
	}

	// Firing clears next_run for one-shots before the handler runs.
	if err := s.MarkJobFiring("due", past, nil); err != nil {
		t.Fatal(err)
	}
	due, _ = s.DueJobs(time.Now().UTC())
	if len(due) != 0 {
		t.Fatal("fired job must not be due again")
	}

	if err := s.MarkJobResult("due", true); err != nil {
		t.Fatal(err)
	}
	job, _ := s.GetJob("due")
	if job.Status != JobCompleted {
		t.Errorf("one-shot success should complete the job, got %s", job.Status)
	}

	// Completed jobs never re-fire even if next_run were somehow set.
	due, _ = s.DueJobs(time.Now().UTC().Add(2 * time.Hour))
	for _, j := range due {
		if j.Name == "due" {
			t.Error("completed job showed up as due")
		}
	}
}

func TestCancelJob(t *testing.T) {
	s := newTestStore(t)

	at := time.Now().UTC().Add(time.Minute)
	mustUpsert(t, s, ScheduledJob{
		Name: "r", Kind: JobOneShot, TriggerAt: &at, Handler: "h",
		Enabled: true, NextRun: &at, UserID: "u1",
	})

	if err := s.CancelJob("r"); err != nil {
		t.Fatal(err)
	}
	job, _ := s.GetJob("r")
	if job.Status != JobCancelled || job.Enabled {
		t.Errorf("cancelled job should be disabled, got status=%s enabled=%v", job.Status, job.Enabled)
	}

	if err := s.CancelJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestChatRegistrationConstraints(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpsertChat(ChatRegistration{
		ChatID: "C1", Type: ChatRepo, Platform: "slack", RegisteredBy: "u1",
	}); err == nil {
		t.Error("repo registration without target should fail")
	}

	if err := s.UpsertChat(ChatRegistration{
		ChatID: "C1", Type: ChatHQ, Target: "x", Platform: "slack", RegisteredBy: "u1",
	}); err == nil {
		t.Error("hq registration with target should fail")
	}

	if err := s.UpsertChat(ChatRegistration{
		ChatID: "C1", Type: ChatRepo, Target: "aws-clawd-bot",
		Platform: "slack", RegisteredBy: "u1",
	}); err != nil {
		t.Fatalf("valid registration failed: %v", err)
	}

	// Re-register replaces.
	if err := s.UpsertChat(ChatRegistration{
		ChatID: "C1", Type: ChatHQ, Platform: "slack", RegisteredBy: "u1",
	}); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	reg, err := s.GetChat("C1")
	if err != nil {
		t.Fatal(err)
	}
	if reg.Type != ChatHQ {
		t.Errorf("re-register should replace, got type %s", reg.Type)
	}

	chats, _ := s.AllChats()
	if len(chats) != 1 {
		t.Errorf("a chat has at most one registration, got %d rows", len(chats))
	}
}

func TestAuditRingBounded(t *testing.T) {
	s, err := New(Options{
		Path:     filepath.Join(t.TempDir(), "clawd.db"),
		AuditCap: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 150; i++ {
		if err := s.AppendAudit(AuditEntry{
			Action: "deploy", Target: "aws-clawd-bot", Status: "success", Actor: "u1",
		}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.RecentAudit(1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 100 {
		t.Errorf("audit ring should hold 100 entries, got %d", len(entries))
	}
}

func TestSecretRoundTripWithAudit(t *testing.T) {
	s := newTestStore(t)

	sec := Secret{
		Name:            "vercel-token",
		EncryptedValue:  []byte{0x01, 0x02},
		EncryptionKeyID: "k1",
		OwnerUserID:     "u1",
	}
	if err := s.PutSecret(sec, "u1"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSecret("vercel-token", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.EncryptedValue) != string(sec.EncryptedValue) {
		t.Error("encrypted value mismatch")
	}

	audit, err := s.SecretAuditEntries(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(audit) != 2 { // store + retrieve
		t.Errorf("expected 2 secret audit rows, got %d", len(audit))
	}
}

func TestMeetingLifecycle(t *testing.T) {
	s := newTestStore(t)

	id, err := s.StartMeeting("u1", "standup", "/var/clawd/audio/1.ogg")
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.MeetingsByUser("u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].EndedAt != nil {
		t.Fatalf("open meeting not listed as open: %+v", got)
	}

	if err := s.EndMeeting(id, "we discussed the deploy"); err != nil {
		t.Fatal(err)
	}
	got, err = s.MeetingsByUser("u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].EndedAt == nil || got[0].Transcript != "we discussed the deploy" {
		t.Errorf("meeting not closed with transcript: %+v", got[0])
	}

	if err := s.EndMeeting(999, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ending unknown meeting: err = %v", err)
	}
}

func mustUpsert(t *testing.T, s *Store, job ScheduledJob) {
	t.Helper()
	if err := s.UpsertJob(job, false); err != nil {
		t.Fatalf("UpsertJob(%s) failed: %v", job.Name, err)
	}
}
