// Package skill defines the capability contract the runtime dispatches
// to, the result envelope every capability answers with, and the
// runtime itself: registration, priority-ordered dispatch, lifecycle
// hooks, and the typed event bus. A skill is anything satisfying the
// Skill interface; the Helper provides the shared conveniences by
// composition rather than inheritance.
package skill

import (
	"context"
	"regexp"
	"time"

	"clawd/internal/chatreg"
)

// Command describes one chat pattern a skill claims.
type Command struct {
	Pattern     *regexp.Regexp
	Usage       string
	Description string
}

// Message is one inbound chat message.
type Message struct {
	ChatID   string
	SenderID string
	Text     string
	AudioRef string // non-empty for voice messages, transcribed before routing
}

// Context carries the per-request ambient state into a skill.
type Context struct {
	ChatID   string
	SenderID string
	Chat     chatreg.Context // repo/company/hq binding of the chat
	Shared   *Shared
}

// Skill is the unit of capability the runtime dispatches to.
type Skill interface {
	// Name uniquely identifies the skill in the registry.
	Name() string
	// Description is the one-line help text.
	Description() string
	// Priority orders dispatch; higher wins. Ties break by
	// registration order.
	Priority() int
	// Commands declares the patterns this skill claims, for help and
	// conflict diagnostics.
	Commands() []Command
	// CanHandle reports whether this skill claims the text.
	CanHandle(text string, sctx *Context) bool
	// Execute runs the capability. Failures are values, never panics;
	// the runtime converts a panic into a failed Result anyway.
	Execute(ctx context.Context, text string, sctx *Context) Result
}

// Initializer is implemented by skills needing startup work.
type Initializer interface {
	Initialize(shared *Shared) error
}

// Shutdowner is implemented by skills holding resources.
type Shutdowner interface {
	Shutdown() error
}

// Kind classifies a failure for the user-visible envelope and audit.
type Kind string

const (
	KindNone         Kind = ""
	KindBadArgument  Kind = "bad_argument"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindUnauthorized Kind = "unauthorized"
	KindTimeout      Kind = "timeout"
	KindUpstream     Kind = "upstream"
	KindInternal     Kind = "internal"
	KindDegraded     Kind = "degraded"
)

// Result is the envelope every skill response travels in.
type Result struct {
	Success    bool
	Message    string
	Data       any
	Attempted  string // what was tried, for failures
	Suggestion string // what to do next, for failures
	Kind       Kind
	Time       time.Duration
	Skill      string
}
