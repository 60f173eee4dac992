package store

import (
	"fmt"
	"time"

	"clawd/internal/logging"
)

// AppendConversation records one conversation turn and opportunistically
// prunes the user's history to the retention cap. Entries are append-only;
// pruning is by age, never id reuse.
func (s *Store) AppendConversation(userID string, role Role, content string) (int64, error) {
	if content == "" {
		return 0, fmt.Errorf("conversation content must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"INSERT INTO conversations (user_id, role, content, created_at) VALUES (?, ?, ?, ?)",
		userID, string(role), content, time.Now().UTC(),
	)
	if err != nil {
		return 0, storageErr("append conversation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("append conversation", err)
	}

	// Keep only the newest N entries per user.
	_, err = s.db.Exec(`
		DELETE FROM conversations
		WHERE user_id = ? AND id NOT IN (
			SELECT id FROM conversations WHERE user_id = ? ORDER BY id DESC LIMIT ?
		)`, userID, userID, s.conversationRetention)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("Conversation prune failed for %s: %v", userID, err)
	}

	return id, nil
}

// RecentConversations returns up to n of the newest entries for a user,
// oldest first so they read in order.
func (s *Store) RecentConversations(userID string, n int) ([]ConversationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, role, content, created_at FROM (
			SELECT id, user_id, role, content, created_at
			FROM conversations WHERE user_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, userID, n)
	if err != nil {
		return nil, storageErr("recent conversations", err)
	}
	defer rows.Close()

	var entries []ConversationEntry
	for rows.Next() {
		var e ConversationEntry
		var role string
		if err := rows.Scan(&e.ID, &e.UserID, &role, &e.Content, &e.CreatedAt); err != nil {
			return nil, storageErr("scan conversation", err)
		}
		e.Role = Role(role)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ConversationCount returns how many entries a user currently has.
func (s *Store) ConversationCount(userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM conversations WHERE user_id = ?", userID,
	).Scan(&count)
	if err != nil {
		return 0, storageErr("count conversations", err)
	}
	return count, nil
}
