package skill

import (
	"context"

	"clawd/internal/adapters"
	"clawd/internal/chatreg"
	"clawd/internal/confirm"
	"clawd/internal/cost"
	"clawd/internal/logging"
	"clawd/internal/nlrouter"
	"clawd/internal/orchestrator"
	"clawd/internal/sched"
	"clawd/internal/store"
)

// Messenger is the egress contract the kernel consumes. It is the only
// outbound path skills use; implementations must be safe to call from
// scheduler ticks and orchestrator stages concurrently.
type Messenger interface {
	Send(ctx context.Context, chatID, text string) error
}

// SourceControl is the subset of the GitHub adapter the skills consume.
type SourceControl interface {
	ListRepos(ctx context.Context, limit int) ([]adapters.Repo, error)
	ListPRs(ctx context.Context, repo string) ([]adapters.PullRequest, error)
	ListIssues(ctx context.Context, repo string) ([]adapters.Issue, error)
	ListWorkflowRuns(ctx context.Context, repo string, limit int) ([]adapters.WorkflowRun, error)
}

// Shared is the context the runtime injects into every skill. Single
// instances per process, passed explicitly rather than reached through
// globals so tests can swap any piece.
type Shared struct {
	Store     *store.Store
	Chats     *chatreg.Registry
	Cost      *cost.Tracker
	Confirm   *confirm.Broker
	Sched     *sched.Scheduler
	Router    *nlrouter.Router
	Orch      *orchestrator.Orchestrator
	Messenger Messenger
	// Source is nil when no source-control owner is configured.
	Source SourceControl
	Log    *logging.Logger

	// OwnerUserID is the single operator this bot answers to.
	OwnerUserID string
}
