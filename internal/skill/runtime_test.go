package skill

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
)

// fakeSkill is a configurable test skill.
type fakeSkill struct {
	name       string
	priority   int
	handles    func(text string) bool
	execute    func(ctx context.Context, text string, sctx *Context) Result
	initErr    error
	mu         sync.Mutex
	executed   []string
	shutdowns  int
	initCalled bool
}

func (f *fakeSkill) Name() string        { return f.name }
func (f *fakeSkill) Description() string { return "test skill" }
func (f *fakeSkill) Priority() int       { return f.priority }
func (f *fakeSkill) Commands() []Command {
	return []Command{{Pattern: regexp.MustCompile(".*"), Usage: f.name}}
}

func (f *fakeSkill) CanHandle(text string, _ *Context) bool {
	if f.handles == nil {
		return true
	}
	return f.handles(text)
}

func (f *fakeSkill) Execute(ctx context.Context, text string, sctx *Context) Result {
	f.mu.Lock()
	f.executed = append(f.executed, text)
	f.mu.Unlock()
	if f.execute != nil {
		return f.execute(ctx, text, sctx)
	}
	return Result{Success: true, Message: "handled by " + f.name}
}

func (f *fakeSkill) Initialize(_ *Shared) error {
	f.initCalled = true
	return f.initErr
}

func (f *fakeSkill) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func (f *fakeSkill) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

func TestHigherPriorityWinsDispatch(t *testing.T) {
	r := NewRuntime(&Shared{})
	low := &fakeSkill{name: "low", priority: 10}
	high := &fakeSkill{name: "high", priority: 30}
	for _, s := range []Skill{low, high} {
		if err := r.Register(s); err != nil {
			t.Fatal(err)
		}
	}

	res := r.Route(context.Background(), "do the thing", &Context{ChatID: "C1"})
	if res.Skill != "high" {
		t.Fatalf("dispatched to %s, want high", res.Skill)
	}
	if low.execCount() != 0 {
		t.Error("lower-priority skill executed")
	}
}

func TestEqualPriorityTieBreaksByRegistrationOrder(t *testing.T) {
	r := NewRuntime(&Shared{})
	first := &fakeSkill{name: "first", priority: 20}
	second := &fakeSkill{name: "second", priority: 20}
	_ = r.Register(first)
	_ = r.Register(second)

	res := r.Route(context.Background(), "x", &Context{})
	if res.Skill != "first" {
		t.Errorf("dispatched to %s, want first (insertion order)", res.Skill)
	}
}

func TestNoSkillClaimsText(t *testing.T) {
	r := NewRuntime(&Shared{})
	_ = r.Register(&fakeSkill{name: "picky", priority: 10, handles: func(string) bool { return false }})

	res := r.Route(context.Background(), "unclaimed", &Context{})
	if res.Success {
		t.Fatal("unclaimed text reported success")
	}
	if res.Kind != KindNotFound || res.Skill != "" {
		t.Errorf("result = %+v, want not_found with no skill", res)
	}
}

func TestReregisterReplacesAndShutsDownDisplaced(t *testing.T) {
	r := NewRuntime(&Shared{})
	old := &fakeSkill{name: "dup", priority: 10}
	_ = r.Register(old)
	neu := &fakeSkill{name: "dup", priority: 10, execute: func(context.Context, string, *Context) Result {
		return Result{Success: true, Message: "new"}
	}}
	_ = r.Register(neu)

	if old.shutdowns != 1 {
		t.Errorf("displaced skill shutdowns = %d, want 1", old.shutdowns)
	}
	res := r.Route(context.Background(), "x", &Context{})
	if res.Message != "new" {
		t.Errorf("route answered by old instance: %q", res.Message)
	}
	if got := len(r.Skills()); got != 1 {
		t.Errorf("registry size = %d, want 1", got)
	}
}

func TestPanicInExecuteBecomesFailedResult(t *testing.T) {
	r := NewRuntime(&Shared{})
	_ = r.Register(&fakeSkill{name: "bomb", priority: 10, execute: func(context.Context, string, *Context) Result {
		panic("kaboom")
	}})

	res := r.Route(context.Background(), "x", &Context{})
	if res.Success {
		t.Fatal("panicking skill reported success")
	}
	if res.Kind != KindInternal || res.Skill != "bomb" {
		t.Errorf("result = %+v", res)
	}

	// The runtime stays usable afterwards.
	_ = r.Register(&fakeSkill{name: "ok", priority: 50})
	if res := r.Route(context.Background(), "y", &Context{}); !res.Success {
		t.Error("runtime unusable after a skill panic")
	}
}

func TestInitializeFailureDisablesSkillOnly(t *testing.T) {
	r := NewRuntime(&Shared{})
	broken := &fakeSkill{name: "broken", priority: 50, initErr: errors.New("no creds")}
	healthy := &fakeSkill{name: "healthy", priority: 10}
	_ = r.Register(broken)
	_ = r.Register(healthy)

	var errorEvents int
	r.Subscribe(func(ev Event) {
		if ev.Type == EventError && ev.Skill == "broken" {
			errorEvents++
		}
	})
	r.Initialize()

	if !healthy.initCalled {
		t.Error("healthy skill not initialized after sibling failure")
	}
	if errorEvents != 1 {
		t.Errorf("error events = %d, want 1", errorEvents)
	}

	// The disabled skill is skipped; dispatch falls to the healthy one.
	res := r.Route(context.Background(), "x", &Context{})
	if res.Skill != "healthy" {
		t.Errorf("dispatched to %s, want healthy", res.Skill)
	}
}

// Late registrations mark their entry disabled when Initialize fails;
// dispatch must not observe that write outside the lock. Fails under
// the race detector if Route reads entry state after unlocking.
func TestLateRegisterRacesDispatch(t *testing.T) {
	r := NewRuntime(&Shared{})
	_ = r.Register(&fakeSkill{name: "stable", priority: 10})
	r.Initialize()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = r.Register(&fakeSkill{
				name:     "flaky",
				priority: 50,
				initErr:  errors.New("no creds"),
				handles:  func(string) bool { return false },
			})
		}
	}()

	for {
		select {
		case <-done:
			if res := r.Route(context.Background(), "x", &Context{}); res.Skill != "stable" {
				t.Fatalf("dispatched to %q, want stable", res.Skill)
			}
			return
		default:
			r.Route(context.Background(), "x", &Context{})
		}
	}
}

func TestLifecycleEventsEmitted(t *testing.T) {
	r := NewRuntime(&Shared{})
	var seen []EventType
	var mu sync.Mutex
	r.Subscribe(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	_ = r.Register(&fakeSkill{name: "s", priority: 10})
	r.Initialize()
	r.Route(context.Background(), "x", &Context{})
	r.Shutdown()

	want := []EventType{EventRegistered, EventInitialized, EventBeforeExecute, EventAfterExecute, EventShutdown}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestShutdownReverseOrder(t *testing.T) {
	r := NewRuntime(&Shared{})
	var order []string
	var mu sync.Mutex
	mk := func(name string) *orderedShutdownSkill {
		return &orderedShutdownSkill{fakeSkill: fakeSkill{name: name, priority: 10}, record: func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}}
	}
	a, b, c := mk("a"), mk("b"), mk("c")
	_ = r.Register(a)
	_ = r.Register(b)
	_ = r.Register(c)
	r.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "c" || order[2] != "a" {
		t.Errorf("shutdown order = %v, want [c b a]", order)
	}
}

type orderedShutdownSkill struct {
	fakeSkill
	record func()
}

func (o *orderedShutdownSkill) Shutdown() error {
	o.record()
	return nil
}

func TestFindMatchingSkillsListsAllInDispatchOrder(t *testing.T) {
	r := NewRuntime(&Shared{})
	_ = r.Register(&fakeSkill{name: "low", priority: 5})
	_ = r.Register(&fakeSkill{name: "high", priority: 40})
	_ = r.Register(&fakeSkill{name: "never", priority: 99, handles: func(string) bool { return false }})

	matches := r.FindMatchingSkills("anything", &Context{})
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].Skill != "high" || matches[1].Skill != "low" {
		t.Errorf("order = %+v", matches)
	}
}

func TestParseCommandQuoting(t *testing.T) {
	h := Helper{SkillName: "t"}
	p := h.ParseCommand(`remind me "buy milk tomorrow" in 5 m`)
	want := []string{"remind", "me", "buy milk tomorrow", "in", "5", "m"}
	if len(p.Args) != len(want) {
		t.Fatalf("args = %v, want %v", p.Args, want)
	}
	for i := range want {
		if p.Args[i] != want[i] {
			t.Errorf("arg[%d] = %q, want %q", i, p.Args[i], want[i])
		}
	}
}
