package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const taskColumns = `id, chat_id, prompt, schedule_type, schedule_value, context_mode,
	next_run, last_run, last_result, status, created_at`

func (s *Store) CreateTask(ctx context.Context, t ScheduledTask) error {
	if err := s.ok(); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	if t.ContextMode == "" {
		t.ContextMode = ContextIsolated
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks(`+taskColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ChatID, t.Prompt, string(t.ScheduleType), t.ScheduleValue, string(t.ContextMode),
		nullMillis(t.NextRun), nullMillis(t.LastRun), nullStr(t.LastResult), string(t.Status), millis(t.CreatedAt),
	)
	return err
}

func (s *Store) Task(ctx context.Context, id string) (ScheduledTask, error) {
	if err := s.ok(); err != nil {
		return ScheduledTask{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledTask{}, ErrNotFound
	}
	return t, err
}

// Tasks lists tasks, optionally restricted to one chat.
func (s *Store) Tasks(ctx context.Context, chat string) ([]ScheduledTask, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	q := `SELECT ` + taskColumns + ` FROM scheduled_tasks`
	var args []any
	if chat != "" {
		q += ` WHERE chat_id = ?`
		args = append(args, chat)
	}
	q += ` ORDER BY created_at, id`
	return s.queryTasks(ctx, q, args...)
}

// DueTasks returns active tasks whose next run is at or before now, earliest first.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks
		 WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		 ORDER BY next_run, id`,
		string(TaskActive), now.UnixMilli(),
	)
}

func (s *Store) queryTasks(ctx context.Context, q string, args ...any) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetTaskStatus changes the status of a task. Resuming may also move next_run.
func (s *Store) SetTaskStatus(ctx context.Context, id string, status TaskStatus, nextRun time.Time) error {
	if err := s.ok(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = ?, next_run = COALESCE(?, next_run) WHERE id = ?`,
		string(status), nullMillis(nextRun), id,
	)
	return expectRow(res, err)
}

// RecordTaskRun stores the outcome of a run and moves the task forward.
// A zero nextRun completes the task.
func (s *Store) RecordTaskRun(ctx context.Context, run TaskRunLog, nextRun time.Time) error {
	if err := s.ok(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	summary := run.Result
	if run.Error != "" {
		summary = "error: " + run.Error
	}
	status := TaskActive
	if nextRun.IsZero() {
		status = TaskCompleted
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE scheduled_tasks SET last_run = ?, last_result = ?, next_run = ?,
		   status = CASE WHEN status = ? THEN status ELSE ? END
		 WHERE id = ?`,
		millis(run.RunAt), nullStr(truncate(summary, 500)), nullMillis(nextRun),
		string(TaskPaused), string(status), run.TaskID,
	)
	if err := expectRow(res, err); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_run_logs(task_id, run_at, duration_ms, status, result, error) VALUES(?,?,?,?,?,?)`,
		run.TaskID, millis(run.RunAt), run.Duration.Milliseconds(), run.Status, nullStr(run.Result), nullStr(run.Error),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// TaskRuns returns the newest runs of a task first.
func (s *Store) TaskRuns(ctx context.Context, id string, limit int) ([]TaskRunLog, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, run_at, duration_ms, status, COALESCE(result, ''), COALESCE(error, '')
		 FROM task_run_logs WHERE task_id = ? ORDER BY run_at DESC, id DESC LIMIT ?`,
		id, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaskRunLog
	for rows.Next() {
		var (
			r       TaskRunLog
			at, dur int64
		)
		if err := rows.Scan(&r.TaskID, &at, &dur, &r.Status, &r.Result, &r.Error); err != nil {
			return nil, err
		}
		r.RunAt = fromMillis(at)
		r.Duration = time.Duration(dur) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if err := s.ok(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_run_logs WHERE task_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err := expectRow(res, err); err != nil {
		return err
	}
	return tx.Commit()
}

func scanTask(r scanner) (ScheduledTask, error) {
	var (
		t                 ScheduledTask
		typ, mode, status string
		next, last        sql.NullInt64
		result            sql.NullString
		created           int64
	)
	if err := r.Scan(&t.ID, &t.ChatID, &t.Prompt, &typ, &t.ScheduleValue, &mode,
		&next, &last, &result, &status, &created); err != nil {
		return ScheduledTask{}, err
	}
	t.ScheduleType = ScheduleType(typ)
	t.ContextMode = ContextMode(mode)
	t.Status = TaskStatus(status)
	if next.Valid {
		t.NextRun = fromMillis(next.Int64)
	}
	if last.Valid {
		t.LastRun = fromMillis(last.Int64)
	}
	t.LastResult = result.String
	t.CreatedAt = fromMillis(created)
	return t, nil
}

func expectRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
