package skills

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"clawd/internal/chatreg"
	"clawd/internal/config"
	"clawd/internal/confirm"
	"clawd/internal/cost"
	"clawd/internal/nlrouter"
	"clawd/internal/orchestrator"
	"clawd/internal/sched"
	"clawd/internal/skill"
	"clawd/internal/store"
)

// recordingMessenger captures deliveries as "chatID|text".
type recordingMessenger struct {
	mu    sync.Mutex
	sends []string
}

func (m *recordingMessenger) Send(_ context.Context, chatID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, chatID+"|"+text)
	return nil
}

func (m *recordingMessenger) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sends...)
}

// fakeRunner answers subprocess invocations from a script keyed by
// command head and records every call.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	results map[string]orchestrator.RunResult
}

func (f *fakeRunner) Run(_ context.Context, name string, args []string, _ string, _ time.Duration) (orchestrator.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, strings.TrimSpace(name+" "+strings.Join(args, " ")))
	f.mu.Unlock()
	if r, ok := f.results[name]; ok {
		return r, nil
	}
	return orchestrator.RunResult{Success: true, Stdout: "ok"}, nil
}

func (f *fakeRunner) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// newShared wires a full in-process Shared around a temp store, a fake
// runner, and a recording messenger.
func newShared(t *testing.T) (*skill.Shared, *recordingMessenger, *fakeRunner) {
	t.Helper()
	st, err := store.New(store.Options{Path: filepath.Join(t.TempDir(), "skills.db")})
	if err != nil {
		t.Fatal(err)
	}

	msgr := &recordingMessenger{}
	runner := &fakeRunner{results: map[string]orchestrator.RunResult{}}

	pcfg := config.DefaultConfig().Pipeline
	pcfg.Projects = map[string]string{"aws-clawd-bot": "/srv/aws-clawd-bot"}
	pcfg.VerifySettle = "1ms"
	pcfg.VerifyTimeout = "200ms"

	sh := &skill.Shared{
		Store:       st,
		Chats:       chatreg.New(st),
		Cost:        cost.NewTracker(100, cost.RateTable{"anthropic": {"claude-x": {InputPerM: 3, OutputPerM: 15}}}),
		Confirm:     confirm.New(),
		Sched:       sched.New(sched.Options{Store: st, Messenger: msgr, TickEvery: time.Hour}),
		Router:      nlrouter.New(nil, nlrouter.Tunables{}),
		Orch:        orchestrator.New(pcfg, runner, st),
		Messenger:   msgr,
		OwnerUserID: "owner",
	}
	t.Cleanup(func() {
		sh.Sched.Stop()
		sh.Confirm.Stop()
		st.Close()
	})
	return sh, msgr, runner
}

func sctxFor(sh *skill.Shared, chatID string) *skill.Context {
	return &skill.Context{
		ChatID:   chatID,
		SenderID: "owner",
		Chat:     sh.Chats.ContextFor(chatID),
		Shared:   sh,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}
