package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertChat registers a chat, replacing any existing registration for
// the same chat id. A chat has at most one registration.
func (s *Store) UpsertChat(reg ChatRegistration) error {
	switch reg.Type {
	case ChatRepo, ChatCompany:
		if reg.Target == "" {
			return fmt.Errorf("target required for %s registration", reg.Type)
		}
	case ChatHQ:
		if reg.Target != "" {
			return fmt.Errorf("hq registration must not carry a target")
		}
	default:
		return fmt.Errorf("unknown chat type %q", reg.Type)
	}
	if reg.Notifications == "" {
		reg.Notifications = NotifyAll
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO chat_registrations
			(chat_id, type, target, notifications, platform, label, registered_at, registered_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			type = excluded.type,
			target = excluded.target,
			notifications = excluded.notifications,
			platform = excluded.platform,
			label = excluded.label,
			registered_at = excluded.registered_at,
			registered_by = excluded.registered_by`,
		reg.ChatID, string(reg.Type), nullStr(reg.Target), string(reg.Notifications),
		reg.Platform, nullStr(reg.Label), time.Now().UTC(), reg.RegisteredBy,
	)
	if err != nil {
		return storageErr("upsert chat", err)
	}
	return nil
}

// GetChat returns the registration for a chat, or ErrNotFound.
func (s *Store) GetChat(chatID string) (*ChatRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r ChatRegistration
	var typ, notif string
	var target, label sql.NullString
	err := s.db.QueryRow(`
		SELECT chat_id, type, target, notifications, platform, label,
		       registered_at, registered_by
		FROM chat_registrations WHERE chat_id = ?`, chatID,
	).Scan(&r.ChatID, &typ, &target, &notif, &r.Platform, &label,
		&r.RegisteredAt, &r.RegisteredBy)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
		}
		return nil, storageErr("get chat", err)
	}
	r.Type = ChatType(typ)
	r.Notifications = NotificationLevel(notif)
	r.Target = target.String
	r.Label = label.String
	return &r, nil
}

// DeleteChat unregisters a chat.
func (s *Store) DeleteChat(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM chat_registrations WHERE chat_id = ?", chatID)
	if err != nil {
		return storageErr("delete chat", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	return nil
}

// SetChatNotifications updates the delivery filter for a chat.
func (s *Store) SetChatNotifications(chatID string, level NotificationLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE chat_registrations SET notifications = ? WHERE chat_id = ?",
		string(level), chatID,
	)
	if err != nil {
		return storageErr("set chat notifications", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	return nil
}

// AllChats lists every registered chat.
func (s *Store) AllChats() ([]ChatRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT chat_id, type, target, notifications, platform, label,
		       registered_at, registered_by
		FROM chat_registrations ORDER BY registered_at ASC`)
	if err != nil {
		return nil, storageErr("list chats", err)
	}
	defer rows.Close()

	var regs []ChatRegistration
	for rows.Next() {
		var r ChatRegistration
		var typ, notif string
		var target, label sql.NullString
		if err := rows.Scan(&r.ChatID, &typ, &target, &notif, &r.Platform, &label,
			&r.RegisteredAt, &r.RegisteredBy); err != nil {
			return nil, storageErr("scan chat", err)
		}
		r.Type = ChatType(typ)
		r.Notifications = NotificationLevel(notif)
		r.Target = target.String
		r.Label = label.String
		regs = append(regs, r)
	}
	return regs, rows.Err()
}
