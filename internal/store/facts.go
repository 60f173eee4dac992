package store

import (
	"fmt"
	"time"
)

// AddFact stores a new fact. Category defaults to "general".
func (s *Store) AddFact(userID, category, fact, source string) (int64, error) {
	if fact == "" {
		return 0, fmt.Errorf("fact must not be empty")
	}
	if category == "" {
		category = "general"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO facts (user_id, category, fact, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, category, fact, source, now, now,
	)
	if err != nil {
		return 0, storageErr("add fact", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("add fact", err)
	}
	return id, nil
}

// UpdateFact rewrites a fact's text and category. The updated_at bump
// happens in the trigger so every mutation path is covered.
func (s *Store) UpdateFact(id int64, category, fact string) error {
	if fact == "" {
		return fmt.Errorf("fact must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE facts SET category = ?, fact = ? WHERE id = ?",
		category, fact, id,
	)
	if err != nil {
		return storageErr("update fact", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: fact %d", ErrNotFound, id)
	}
	return nil
}

// GetFact returns one fact by id.
func (s *Store) GetFact(id int64) (*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var f Fact
	err := s.db.QueryRow(`
		SELECT id, user_id, category, fact, source, created_at, updated_at
		FROM facts WHERE id = ?`, id,
	).Scan(&f.ID, &f.UserID, &f.Category, &f.Fact, &f.Source, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: fact %d", ErrNotFound, id)
		}
		return nil, storageErr("get fact", err)
	}
	return &f, nil
}

// FactsByUser lists a user's facts, optionally filtered by category.
func (s *Store) FactsByUser(userID, category string) ([]Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, user_id, category, fact, source, created_at, updated_at
		FROM facts WHERE user_id = ?`
	args := []any{userID}
	if category != "" {
		query += " AND category = ?"
		args = append(args, category)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, storageErr("list facts", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.UserID, &f.Category, &f.Fact, &f.Source, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, storageErr("scan fact", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// DeleteFact removes one fact.
func (s *Store) DeleteFact(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM facts WHERE id = ?", id)
	if err != nil {
		return storageErr("delete fact", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: fact %d", ErrNotFound, id)
	}
	return nil
}
