package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ErrJobExists is returned when scheduling over an existing name without
// the replace flag.
var ErrJobExists = fmt.Errorf("job already exists")

// UpsertJob persists a job. When replace is false an existing name is a
// conflict; when true the row is overwritten.
func (s *Store) UpsertJob(job ScheduledJob, replace bool) error {
	if job.Name == "" || job.Handler == "" {
		return fmt.Errorf("job name and handler are required")
	}
	switch job.Kind {
	case JobCron:
		if job.CronExpr == "" || job.TriggerAt != nil {
			return fmt.Errorf("cron job %s must set cron_expr and no trigger_at", job.Name)
		}
	case JobOneShot:
		if job.TriggerAt == nil || job.CronExpr != "" {
			return fmt.Errorf("one-shot job %s must set trigger_at and no cron_expr", job.Name)
		}
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
	if job.Params == "" {
		job.Params = "{}"
	}
	if job.Status == "" {
		job.Status = JobPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !replace {
		var one int
		err := s.db.QueryRow("SELECT 1 FROM scheduled_jobs WHERE name = ?", job.Name).Scan(&one)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrJobExists, job.Name)
		}
		if !isNoRows(err) {
			return storageErr("check job", err)
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO scheduled_jobs
			(name, kind, cron_expr, trigger_at, handler, params, enabled,
			 last_run, next_run, status, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind = excluded.kind,
			cron_expr = excluded.cron_expr,
			trigger_at = excluded.trigger_at,
			handler = excluded.handler,
			params = excluded.params,
			enabled = excluded.enabled,
			next_run = excluded.next_run,
			status = excluded.status,
			user_id = excluded.user_id`,
		job.Name, string(job.Kind), nullStr(job.CronExpr), job.TriggerAt,
		job.Handler, job.Params, job.Enabled, job.LastRun, job.NextRun,
		string(job.Status), nullStr(job.UserID), time.Now().UTC(),
	)
	if err != nil {
		return storageErr("upsert job", err)
	}
	return nil
}

// GetJob returns one job by name.
func (s *Store) GetJob(name string) (*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getJobLocked(name)
}

func (s *Store) getJobLocked(name string) (*ScheduledJob, error) {
	row := s.db.QueryRow(`
		SELECT name, kind, cron_expr, trigger_at, handler, params, enabled,
		       last_run, next_run, status, user_id, created_at
		FROM scheduled_jobs WHERE name = ?`, name)
	job, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, name)
		}
		return nil, storageErr("get job", err)
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*ScheduledJob, error) {
	var j ScheduledJob
	var kind, status string
	var cronExpr, userID sql.NullString
	var triggerAt, lastRun, nextRun sql.NullTime
	err := r.Scan(&j.Name, &kind, &cronExpr, &triggerAt, &j.Handler, &j.Params,
		&j.Enabled, &lastRun, &nextRun, &status, &userID, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	j.Kind = JobKind(kind)
	j.Status = JobStatus(status)
	j.CronExpr = cronExpr.String
	j.UserID = userID.String
	j.TriggerAt = nullTimePtr(triggerAt)
	j.LastRun = nullTimePtr(lastRun)
	j.NextRun = nullTimePtr(nextRun)
	return &j, nil
}

// DueJobs returns enabled pending jobs whose next_run is at or before now.
func (s *Store) DueJobs(now time.Time) ([]ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT name, kind, cron_expr, trigger_at, handler, params, enabled,
		       last_run, next_run, status, user_id, created_at
		FROM scheduled_jobs
		WHERE enabled AND status = 'pending' AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC`, now.UTC())
	if err != nil {
		return nil, storageErr("due jobs", err)
	}
	defer rows.Close()

	var jobs []ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storageErr("scan job", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// MarkJobFiring durably records a fire before the handler runs: last_run
// is set to the due instant and next_run advances (or clears for
// one-shots). This is what makes a fire exactly-once across restarts —
// a crash after this write re-runs nothing for the same due instant.
func (s *Store) MarkJobFiring(name string, firedAt time.Time, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE scheduled_jobs SET last_run = ?, next_run = ? WHERE name = ?",
		firedAt.UTC(), next, name,
	)
	if err != nil {
		return storageErr("mark job firing", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: job %s", ErrNotFound, name)
	}
	return nil
}

// MarkJobResult records the handler outcome after the fire completes.
// Cron jobs stay pending for their next occurrence; one-shots finish.
func (s *Store) MarkJobResult(name string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getJobLocked(name)
	if err != nil {
		return err
	}

	status := job.Status
	switch {
	case job.Kind == JobOneShot && success:
		status = JobCompleted
	case job.Kind == JobOneShot && !success:
		status = JobFailed
	case job.Kind == JobCron && !success:
		// Recorded as failed for this fire; the pending reset happens on
		// the next tick via RearmCronJob.
		status = JobFailed
	default:
		status = JobPending
	}

	_, err = s.db.Exec("UPDATE scheduled_jobs SET status = ? WHERE name = ?", string(status), name)
	if err != nil {
		return storageErr("mark job result", err)
	}
	return nil
}

// RearmCronJob resets a failed cron job to pending so the next
// occurrence still fires.
func (s *Store) RearmCronJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE scheduled_jobs SET status = 'pending' WHERE name = ? AND kind = 'cron' AND status = 'failed'",
		name,
	)
	if err != nil {
		return storageErr("rearm cron job", err)
	}
	return nil
}

// CancelJob marks a job cancelled and disables it.
func (s *Store) CancelJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE scheduled_jobs SET status = 'cancelled', enabled = FALSE WHERE name = ?",
		name,
	)
	if err != nil {
		return storageErr("cancel job", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: job %s", ErrNotFound, name)
	}
	return nil
}

// JobsByUser lists jobs owned by a user, optionally filtered by status.
func (s *Store) JobsByUser(userID string, status JobStatus) ([]ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT name, kind, cron_expr, trigger_at, handler, params, enabled,
		last_run, next_run, status, user_id, created_at
		FROM scheduled_jobs WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY next_run ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, storageErr("list jobs", err)
	}
	defer rows.Close()

	var jobs []ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storageErr("scan job", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// PendingJobs returns every enabled pending job, for crash-safe resume.
func (s *Store) PendingJobs() ([]ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT name, kind, cron_expr, trigger_at, handler, params, enabled,
		       last_run, next_run, status, user_id, created_at
		FROM scheduled_jobs WHERE enabled AND status = 'pending'`)
	if err != nil {
		return nil, storageErr("pending jobs", err)
	}
	defer rows.Close()

	var jobs []ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storageErr("scan job", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// DeleteJob removes a job row entirely.
func (s *Store) DeleteJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM scheduled_jobs WHERE name = ?", name)
	if err != nil {
		return storageErr("delete job", err)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
