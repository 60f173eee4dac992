package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"clawd/internal/logging"
	"clawd/internal/store"
)

// Runtime holds all registered skills and routes inbound text to at
// most one of them. It is thread-safe; Execute may run concurrently
// for different chats, so skills keep per-request state or lock their
// own shared structures.
type Runtime struct {
	mu      sync.RWMutex
	skills  map[string]*entry
	order   []string // registration order, for stable tie-breaks
	seq     int
	shared  *Shared
	bus     eventBus
	started bool
}

type entry struct {
	skill    Skill
	seq      int
	disabled bool // set when Initialize failed; skipped by dispatch
}

// NewRuntime creates an empty runtime bound to the shared context.
func NewRuntime(shared *Shared) *Runtime {
	return &Runtime{
		skills: make(map[string]*entry),
		shared: shared,
	}
}

// Subscribe attaches a lifecycle event handler.
func (r *Runtime) Subscribe(fn func(Event)) {
	r.bus.subscribe(fn)
}

// Register adds a skill, replacing any existing registration of the
// same name (the displaced instance gets its Shutdown called). If the
// runtime is already initialized the new skill's Initialize runs
// immediately.
func (r *Runtime) Register(s Skill) error {
	if s == nil || s.Name() == "" {
		return fmt.Errorf("skill must have a name")
	}

	r.mu.Lock()
	if old, ok := r.skills[s.Name()]; ok {
		if sd, ok := old.skill.(Shutdowner); ok {
			if err := sd.Shutdown(); err != nil {
				logging.Get(logging.CategorySkills).Warn("Shutdown of displaced skill %s failed: %v", s.Name(), err)
			}
		}
		r.bus.emit(Event{Type: EventUnregistered, Skill: s.Name()})
	} else {
		r.order = append(r.order, s.Name())
	}
	r.seq++
	e := &entry{skill: s, seq: r.seq}
	r.skills[s.Name()] = e
	started := r.started
	r.mu.Unlock()

	logging.SkillsDebug("Registered skill %s (priority=%d)", s.Name(), s.Priority())
	r.bus.emit(Event{Type: EventRegistered, Skill: s.Name()})

	if started {
		r.initializeOne(e)
	}
	return nil
}

// Unregister removes a skill by name, calling its Shutdown.
func (r *Runtime) Unregister(name string) error {
	r.mu.Lock()
	e, ok := r.skills[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("skill %s not registered", name)
	}
	delete(r.skills, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if sd, ok := e.skill.(Shutdowner); ok {
		if err := sd.Shutdown(); err != nil {
			logging.Get(logging.CategorySkills).Warn("Shutdown of %s failed: %v", name, err)
		}
	}
	r.bus.emit(Event{Type: EventUnregistered, Skill: name})
	return nil
}

// Initialize runs every skill's Initialize hook once. Per-skill errors
// disable that skill for the session without aborting the batch.
func (r *Runtime) Initialize() {
	r.mu.Lock()
	r.started = true
	entries := r.sortedLocked()
	r.mu.Unlock()

	for _, e := range entries {
		r.initializeOne(e)
	}
	logging.Skills("Runtime initialized with %d skills", len(entries))
}

func (r *Runtime) initializeOne(e *entry) {
	init, ok := e.skill.(Initializer)
	if !ok {
		r.bus.emit(Event{Type: EventInitialized, Skill: e.skill.Name()})
		return
	}
	if err := init.Initialize(r.shared); err != nil {
		r.mu.Lock()
		e.disabled = true
		r.mu.Unlock()
		logging.Get(logging.CategorySkills).Error("Skill %s failed to initialize, disabled for session: %v",
			e.skill.Name(), err)
		r.bus.emit(Event{Type: EventError, Skill: e.skill.Name(), Err: err})
		return
	}
	r.bus.emit(Event{Type: EventInitialized, Skill: e.skill.Name()})
}

// dispatchEntry is an immutable snapshot of one entry, taken under the
// lock so dispatch never reads entry fields after the lock drops.
type dispatchEntry struct {
	skill    Skill
	disabled bool
}

// dispatchOrderLocked snapshots the dispatch order with each entry's
// disabled flag. Caller holds r.mu.
func (r *Runtime) dispatchOrderLocked() []dispatchEntry {
	entries := r.sortedLocked()
	out := make([]dispatchEntry, len(entries))
	for i, e := range entries {
		out[i] = dispatchEntry{skill: e.skill, disabled: e.disabled}
	}
	return out
}

// sortedLocked returns entries by descending priority, stable by
// registration order for equal priorities. Caller holds r.mu.
func (r *Runtime) sortedLocked() []*entry {
	out := make([]*entry, 0, len(r.skills))
	for _, name := range r.order {
		out = append(out, r.skills[name])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].skill.Priority() > out[j].skill.Priority()
	})
	return out
}

// Route dispatches text to the highest-priority skill that claims it.
// Exceptions inside Execute are caught, audited, and returned as a
// failed Result; the runtime itself never crashes on a skill error.
func (r *Runtime) Route(ctx context.Context, text string, sctx *Context) Result {
	r.mu.RLock()
	entries := r.dispatchOrderLocked()
	r.mu.RUnlock()

	if sctx.Shared == nil {
		sctx.Shared = r.shared
	}

	for _, e := range entries {
		if e.disabled {
			continue
		}
		if !e.skill.CanHandle(text, sctx) {
			continue
		}

		name := e.skill.Name()
		r.bus.emit(Event{Type: EventBeforeExecute, Skill: name})
		start := time.Now()
		result := r.executeSafely(ctx, e.skill, text, sctx)
		result.Time = time.Since(start)
		result.Skill = name
		r.bus.emit(Event{Type: EventAfterExecute, Skill: name, Result: &result})

		if !result.Success {
			r.auditFailure(name, text, &result)
		}
		return result
	}

	return Result{
		Success: false,
		Kind:    KindNotFound,
		Message: "no skill matched that message",
		Skill:   "",
	}
}

// executeSafely converts a panic inside a skill into a failed Result.
func (r *Runtime) executeSafely(ctx context.Context, s Skill, text string, sctx *Context) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic in skill %s: %v", s.Name(), rec)
			logging.Get(logging.CategorySkills).Error("%v", err)
			r.bus.emit(Event{Type: EventError, Skill: s.Name(), Err: err})
			result = Result{
				Success: false,
				Kind:    KindInternal,
				Message: "something went wrong running that command",
				Skill:   s.Name(),
			}
		}
	}()
	return s.Execute(ctx, text, sctx)
}

func (r *Runtime) auditFailure(skillName, text string, result *Result) {
	if r.shared == nil || r.shared.Store == nil {
		return
	}
	extra, _ := json.Marshal(map[string]string{
		"kind": string(result.Kind),
		"text": truncate(text, 200),
	})
	if err := r.shared.Store.AppendAudit(store.AuditEntry{
		Action: "skill:" + skillName,
		Status: "failed",
		Extra:  string(extra),
	}); err != nil {
		logging.Get(logging.CategorySkills).Warn("Audit append failed: %v", err)
	}
}

// Match is one entry in the pattern-conflict diagnostic.
type Match struct {
	Skill    string
	Priority int
}

// FindMatchingSkills lists every skill claiming the text, in dispatch
// order. Used to debug overlapping patterns.
func (r *Runtime) FindMatchingSkills(text string, sctx *Context) []Match {
	r.mu.RLock()
	entries := r.dispatchOrderLocked()
	r.mu.RUnlock()

	if sctx.Shared == nil {
		sctx.Shared = r.shared
	}

	var out []Match
	for _, e := range entries {
		if e.disabled {
			continue
		}
		if e.skill.CanHandle(text, sctx) {
			out = append(out, Match{Skill: e.skill.Name(), Priority: e.skill.Priority()})
		}
	}
	return out
}

// Skills returns registered skill names in dispatch order.
func (r *Runtime) Skills() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.sortedLocked()
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.skill.Name()
	}
	return names
}

// Shutdown stops every skill in reverse registration order, swallowing
// and logging per-skill failures.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	var entries []*entry
	for i := len(r.order) - 1; i >= 0; i-- {
		entries = append(entries, r.skills[r.order[i]])
	}
	r.mu.Unlock()

	for _, e := range entries {
		if sd, ok := e.skill.(Shutdowner); ok {
			if err := sd.Shutdown(); err != nil {
				logging.Get(logging.CategorySkills).Warn("Shutdown of %s failed: %v", e.skill.Name(), err)
			}
		}
	}
	r.bus.emit(Event{Type: EventShutdown})
	logging.Skills("Runtime shut down (%d skills)", len(entries))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
