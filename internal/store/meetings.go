package store

import (
	"database/sql"
	"fmt"
	"time"
)

// StartMeeting opens a meeting record. The audio path points into the
// configured audio directory; the skill owns writing the artifact.
func (s *Store) StartMeeting(userID, title, audioPath string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"INSERT INTO meetings (user_id, title, audio_path, started_at) VALUES (?, ?, ?, ?)",
		userID, title, audioPath, time.Now().UTC(),
	)
	if err != nil {
		return 0, storageErr("start meeting", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("start meeting", err)
	}
	return id, nil
}

// EndMeeting closes a meeting and attaches the transcript.
func (s *Store) EndMeeting(id int64, transcript string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE meetings SET ended_at = ?, transcript = ? WHERE id = ?",
		time.Now().UTC(), transcript, id,
	)
	if err != nil {
		return storageErr("end meeting", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: meeting %d", ErrNotFound, id)
	}
	return nil
}

// MeetingsByUser lists a user's meetings, newest first.
func (s *Store) MeetingsByUser(userID string, limit int) ([]Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, COALESCE(title,''), COALESCE(audio_path,''),
		       COALESCE(transcript,''), started_at, ended_at
		FROM meetings WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, storageErr("list meetings", err)
	}
	defer rows.Close()

	var meetings []Meeting
	for rows.Next() {
		var m Meeting
		var ended sql.NullTime
		if err := rows.Scan(&m.ID, &m.UserID, &m.Title, &m.AudioPath, &m.Transcript,
			&m.StartedAt, &ended); err != nil {
			return nil, storageErr("scan meeting", err)
		}
		m.EndedAt = nullTimePtr(ended)
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}
