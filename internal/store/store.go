// Package store owns every persisted entity: conversations, facts,
// tasks, scheduled jobs, chat registrations, secrets, and the audit
// log. All mutation goes through this package; invariants that the
// data model demands (fact updated_at bumps, task completed_at
// transitions, job next_run recomputes) are enforced by SQLite
// triggers created at init so no caller can skip them.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"clawd/internal/logging"
)

// ErrStorage wraps any failure reaching or mutating the database so
// callers can degrade gracefully instead of propagating driver errors.
var ErrStorage = errors.New("storage unavailable")

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store is the sqlite-backed persistent store.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	// conversationRetention caps entries kept per user; pruning runs
	// opportunistically on append.
	conversationRetention int
	auditCap              int
}

// Options configures store construction.
type Options struct {
	Path                  string
	ConversationRetention int // entries kept per user; 0 means default 200
	AuditCap              int // audit ring size; 0 means default 100
}

// New opens (creating if needed) the sqlite database at the given path
// and ensures the schema, migrations, and triggers are in place.
func New(opts Options) (*Store, error) {
	logging.Store("Initializing store at path: %s", opts.Path)

	dir := filepath.Dir(opts.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer connection; sqlite serializes writes anyway and this
	// avoids SQLITE_BUSY churn under concurrent skill execution.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	s := &Store{
		db:                    db,
		dbPath:                opts.Path,
		conversationRetention: opts.ConversationRetention,
		auditCap:              opts.AuditCap,
	}
	if s.conversationRetention <= 0 {
		s.conversationRetention = 200
	}
	if s.auditCap < 100 {
		s.auditCap = 100
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Store("Store initialization complete")
	return s, nil
}

// initialize creates the required tables and triggers.
func (s *Store) initialize() error {
	conversationsTable := `
	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL CHECK(role IN ('user','assistant','system')),
		content TEXT NOT NULL CHECK(length(content) > 0),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, id);
	`

	factsTable := `
	CREATE TABLE IF NOT EXISTS facts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'general',
		fact TEXT NOT NULL CHECK(length(fact) > 0),
		source TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_facts_user ON facts(user_id);
	CREATE INDEX IF NOT EXISTS idx_facts_category ON facts(category);
	`

	tasksTable := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL CHECK(length(title) > 0),
		description TEXT,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK(status IN ('pending','in_progress','completed','cancelled')),
		priority TEXT NOT NULL DEFAULT 'medium'
			CHECK(priority IN ('low','medium','high','urgent')),
		due_date DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id, status);
	`

	jobsTable := `
	CREATE TABLE IF NOT EXISTS scheduled_jobs (
		name TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK(kind IN ('cron','oneshot')),
		cron_expr TEXT,
		trigger_at DATETIME,
		handler TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		last_run DATETIME,
		next_run DATETIME,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK(status IN ('pending','completed','cancelled','failed')),
		user_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_due ON scheduled_jobs(enabled, status, next_run);
	CREATE INDEX IF NOT EXISTS idx_jobs_user ON scheduled_jobs(user_id);
	`

	chatsTable := `
	CREATE TABLE IF NOT EXISTS chat_registrations (
		chat_id TEXT PRIMARY KEY,
		type TEXT NOT NULL CHECK(type IN ('repo','company','hq')),
		target TEXT,
		notifications TEXT NOT NULL DEFAULT 'all'
			CHECK(notifications IN ('all','critical','digest')),
		platform TEXT NOT NULL,
		label TEXT,
		registered_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		registered_by TEXT NOT NULL,
		CHECK((type = 'hq' AND target IS NULL) OR (type != 'hq' AND target IS NOT NULL))
	);
	`

	secretsTable := `
	CREATE TABLE IF NOT EXISTS secrets (
		name TEXT PRIMARY KEY,
		encrypted_value BLOB NOT NULL,
		encryption_key_id TEXT NOT NULL,
		owner_user_id TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS secret_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	auditTable := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at DATETIME DEFAULT CURRENT_TIMESTAMP,
		action TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK(status IN ('success','failed')),
		actor TEXT NOT NULL DEFAULT '',
		extra TEXT NOT NULL DEFAULT '{}'
	);
	`

	meetingsTable := `
	CREATE TABLE IF NOT EXISTS meetings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		title TEXT,
		audio_path TEXT,
		transcript TEXT,
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		ended_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_meetings_user ON meetings(user_id);
	`

	for _, table := range []string{
		conversationsTable,
		factsTable,
		tasksTable,
		jobsTable,
		chatsTable,
		secretsTable,
		auditTable,
		meetingsTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	if err := RunMigrations(s.db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return s.createTriggers()
}

// createTriggers installs the write-time invariant enforcement.
func (s *Store) createTriggers() error {
	triggers := []string{
		// Fact.updated_at bumped on any row mutation.
		`CREATE TRIGGER IF NOT EXISTS trg_facts_touch
		 AFTER UPDATE ON facts
		 FOR EACH ROW
		 WHEN NEW.updated_at = OLD.updated_at
		 BEGIN
			UPDATE facts SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
		 END;`,

		// Task.completed_at set on transition to completed.
		`CREATE TRIGGER IF NOT EXISTS trg_tasks_complete
		 AFTER UPDATE OF status ON tasks
		 FOR EACH ROW
		 WHEN NEW.status = 'completed' AND OLD.status != 'completed'
		 BEGIN
			UPDATE tasks SET completed_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
		 END;`,

		// Task.completed_at cleared on transition away from completed.
		`CREATE TRIGGER IF NOT EXISTS trg_tasks_uncomplete
		 AFTER UPDATE OF status ON tasks
		 FOR EACH ROW
		 WHEN NEW.status != 'completed' AND OLD.status = 'completed'
		 BEGIN
			UPDATE tasks SET completed_at = NULL WHERE id = NEW.id;
		 END;`,
	}

	for _, trg := range triggers {
		if _, err := s.db.Exec(trg); err != nil {
			return fmt.Errorf("failed to create trigger: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store database connection")
	return s.db.Close()
}

// DB returns the underlying connection. Tests and migrations only.
func (s *Store) DB() *sql.DB {
	return s.db
}

// storageErr wraps a driver error into the ErrStorage class.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Stats returns per-table row counts.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{
		"conversations", "facts", "tasks", "scheduled_jobs",
		"chat_registrations", "secrets", "audit_log", "meetings",
	}
	for _, table := range tables {
		var count int64
		err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}
