package store

import (
	"time"

	"clawd/internal/logging"
)

// AppendAudit records one side-effectful action and trims the log to
// the configured ring size, oldest first.
func (s *Store) AppendAudit(e AuditEntry) error {
	if e.Status != "success" && e.Status != "failed" {
		e.Status = "failed"
	}
	if e.Extra == "" {
		e.Extra = "{}"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO audit_log (at, action, target, status, actor, extra)
		VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC(), e.Action, e.Target, e.Status, e.Actor, e.Extra,
	)
	if err != nil {
		return storageErr("append audit", err)
	}

	_, err = s.db.Exec(`
		DELETE FROM audit_log WHERE id NOT IN (
			SELECT id FROM audit_log ORDER BY id DESC LIMIT ?
		)`, s.auditCap)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("Audit trim failed: %v", err)
	}
	return nil
}

// RecentAudit returns up to n of the newest audit entries, newest first.
func (s *Store) RecentAudit(n int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, at, action, target, status, actor, extra
		FROM audit_log ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, storageErr("recent audit", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.At, &e.Action, &e.Target, &e.Status, &e.Actor, &e.Extra); err != nil {
			return nil, storageErr("scan audit", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
