package store

import "time"

// Role is the speaker of a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationEntry is one turn of a chat, append-only.
type ConversationEntry struct {
	ID        int64
	UserID    string
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Fact is a remembered statement about the user or the fleet.
type Fact struct {
	ID        int64
	UserID    string
	Category  string
	Fact      string
	Source    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskStatus enumerates the task lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// TaskPriority enumerates task urgency.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// Task is a tracked work item. CompletedAt is set exactly when status
// is completed; the transition is enforced by a trigger.
type Task struct {
	ID          int64
	UserID      string
	Title       string
	Description string
	Status      TaskStatus
	Priority    TaskPriority
	DueDate     *time.Time
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// JobKind distinguishes recurring cron jobs from one-shot deliveries.
type JobKind string

const (
	JobCron    JobKind = "cron"
	JobOneShot JobKind = "oneshot"
)

// JobStatus enumerates the scheduled-job lifecycle.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// ScheduledJob is a persisted cron or one-shot job. Exactly one of
// CronExpr / TriggerAt is set, matching Kind.
type ScheduledJob struct {
	Name      string
	Kind      JobKind
	CronExpr  string
	TriggerAt *time.Time
	Handler   string
	Params    string // opaque JSON
	Enabled   bool
	LastRun   *time.Time
	NextRun   *time.Time
	Status    JobStatus
	UserID    string
	CreatedAt time.Time
}

// ChatType is the context a chat is bound to.
type ChatType string

const (
	ChatRepo    ChatType = "repo"
	ChatCompany ChatType = "company"
	ChatHQ      ChatType = "hq"
)

// NotificationLevel filters event delivery per chat.
type NotificationLevel string

const (
	NotifyAll      NotificationLevel = "all"
	NotifyCritical NotificationLevel = "critical"
	NotifyDigest   NotificationLevel = "digest"
)

// ChatRegistration binds a chat to a repo, a company, or the HQ role.
// Target is required iff Type is repo or company.
type ChatRegistration struct {
	ChatID        string
	Type          ChatType
	Target        string
	Notifications NotificationLevel
	Platform      string
	Label         string
	RegisteredAt  time.Time
	RegisteredBy  string
}

// AuditEntry records one side-effectful action. Bounded ring.
type AuditEntry struct {
	ID     int64
	At     time.Time
	Action string
	Target string
	Status string // success | failed
	Actor  string
	Extra  string // opaque JSON
}

// Secret is an opaque encrypted credential.
type Secret struct {
	Name            string
	EncryptedValue  []byte
	EncryptionKeyID string
	OwnerUserID     string
	UpdatedAt       time.Time
}

// Meeting is one recorded meeting session.
type Meeting struct {
	ID         int64
	UserID     string
	Title      string
	AudioPath  string
	Transcript string
	StartedAt  time.Time
	EndedAt    *time.Time
}
