package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AddTask creates a new pending task.
func (s *Store) AddTask(userID, title, description string, priority TaskPriority, due *time.Time) (int64, error) {
	if title == "" {
		return 0, fmt.Errorf("task title must not be empty")
	}
	if priority == "" {
		priority = PriorityMedium
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO tasks (user_id, title, description, priority, due_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, title, description, string(priority), due, time.Now().UTC(),
	)
	if err != nil {
		return 0, storageErr("add task", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("add task", err)
	}
	return id, nil
}

// SetTaskStatus transitions a task. The completed_at set/clear happens in
// triggers, so the invariant (completed ⇔ completed_at set) holds no
// matter which caller performs the transition.
func (s *Store) SetTaskStatus(id int64, status TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE tasks SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return storageErr("set task status", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: task %d", ErrNotFound, id)
	}
	return nil
}

// GetTask returns one task by id.
func (s *Store) GetTask(id int64) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t Task
	var status, priority string
	var due, completed sql.NullTime
	err := s.db.QueryRow(`
		SELECT id, user_id, title, COALESCE(description,''), status, priority,
		       due_date, created_at, completed_at
		FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &status, &priority,
		&due, &t.CreatedAt, &completed)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: task %d", ErrNotFound, id)
		}
		return nil, storageErr("get task", err)
	}
	t.Status = TaskStatus(status)
	t.Priority = TaskPriority(priority)
	t.DueDate = nullTimePtr(due)
	t.CompletedAt = nullTimePtr(completed)
	return &t, nil
}

// TasksByUser lists a user's tasks, optionally filtered by status.
func (s *Store) TasksByUser(userID string, status TaskStatus) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, user_id, title, COALESCE(description,''), status, priority,
		due_date, created_at, completed_at FROM tasks WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		var st, pr string
		var due, completed sql.NullTime
		if err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &st, &pr,
			&due, &t.CreatedAt, &completed); err != nil {
			return nil, storageErr("scan task", err)
		}
		t.Status = TaskStatus(st)
		t.Priority = TaskPriority(pr)
		t.DueDate = nullTimePtr(due)
		t.CompletedAt = nullTimePtr(completed)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return storageErr("delete task", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: task %d", ErrNotFound, id)
	}
	return nil
}
