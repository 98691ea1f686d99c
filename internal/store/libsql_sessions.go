package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepgate/pkg/schema"
)

// --- Sessions ---

const sessionColumns = `id, external_id, project_id, parent_session_id, status, title, cli, cwd,
	terminal_name, transcript_path, summary_markdown, created_at, updated_at`

func (s *LibSQLStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.Status == "" {
		sess.Status = schema.SessionActive
	}
	sess.CreatedAt = timeOrNow(sess.CreatedAt)
	sess.UpdatedAt = timeOrNow(sess.UpdatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, nullStr(sess.ExternalID), nullStr(sess.ProjectID), nullStr(sess.ParentSessionID),
		sess.Status, nullStr(sess.Title), nullStr(sess.CLI), nullStr(sess.Cwd), nullStr(sess.TerminalName),
		nullStr(sess.TranscriptPath), nullStr(sess.SummaryMarkdown), sess.CreatedAt, sess.UpdatedAt,
	)
	return wrapStore(err, "create session")
}

func scanSession(row rowScanner) (*Session, error) {
	sess := &Session{}
	var ext, project, parent, title, cli, cwd, terminal, transcript, summary sql.NullString
	if err := row.Scan(&sess.ID, &ext, &project, &parent, &sess.Status, &title, &cli, &cwd,
		&terminal, &transcript, &summary, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.ExternalID = ext.String
	sess.ProjectID = project.String
	sess.ParentSessionID = parent.String
	sess.Title = title.String
	sess.CLI = cli.String
	sess.Cwd = cwd.String
	sess.TerminalName = terminal.String
	sess.TranscriptPath = transcript.String
	sess.SummaryMarkdown = summary.String
	return sess, nil
}

func (s *LibSQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("session", id)
	}
	if err != nil {
		return nil, wrapStore(err, "get session")
	}
	return sess, nil
}

func (s *LibSQLStore) GetSessionByExternalID(ctx context.Context, externalID string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE external_id = ? ORDER BY created_at DESC LIMIT 1`, externalID))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("session", externalID)
	}
	if err != nil {
		return nil, wrapStore(err, "get session by external id")
	}
	return sess, nil
}

func (s *LibSQLStore) FindSessionsByPrefix(ctx context.Context, prefix string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 10
	}
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id LIKE ? ESCAPE '\' ORDER BY created_at DESC LIMIT ?`,
		escaped+"%", limit)
}

func (s *LibSQLStore) UpdateSession(ctx context.Context, id string, update SessionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, nullStr(*update.Title))
	}
	if update.TerminalName != nil {
		sets = append(sets, "terminal_name = ?")
		args = append(args, nullStr(*update.TerminalName))
	}
	if update.TranscriptPath != nil {
		sets = append(sets, "transcript_path = ?")
		args = append(args, nullStr(*update.TranscriptPath))
	}
	if update.SummaryMarkdown != nil {
		sets = append(sets, "summary_markdown = ?")
		args = append(args, nullStr(*update.SummaryMarkdown))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE sessions SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return wrapStore(err, "update session")
	}
	return checkRowsAffected(res, "session", id)
}

func (s *LibSQLStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	var where []string
	var args []any

	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Exclude != "" {
		where = append(where, "id != ?")
		args = append(args, filter.Exclude)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return s.querySessions(ctx, query, args...)
}

func (s *LibSQLStore) querySessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStore(err, "list sessions")
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, wrapStore(err, "list sessions")
		}
		out = append(out, sess)
	}
	return out, wrapStore(rows.Err(), "list sessions")
}

// --- Schedules ---

// UpsertSchedule registers or replaces a cron trigger. Run history is kept across updates.
func (s *LibSQLStore) UpsertSchedule(ctx context.Context, sched *PipelineSchedule) error {
	inputs, err := marshalMapOrDefault(sched.Inputs)
	if err != nil {
		return wrapStore(fmt.Errorf("marshal schedule inputs: %w", err), "upsert schedule")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_schedules (pipeline_name, cron_expression, inputs_json, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pipeline_name) DO UPDATE SET
		   cron_expression=excluded.cron_expression, inputs_json=excluded.inputs_json,
		   enabled=excluded.enabled, next_run_at=excluded.next_run_at`,
		sched.PipelineName, sched.CronExpression, inputs, boolInt(sched.Enabled),
		nullTime(sched.NextRunAt), timeOrNow(sched.CreatedAt),
	)
	return wrapStore(err, "upsert schedule")
}

const scheduleColumns = `pipeline_name, cron_expression, inputs_json, enabled, next_run_at, last_run_at, last_run_status, created_at`

func scanSchedule(row rowScanner) (*PipelineSchedule, error) {
	sc := &PipelineSchedule{}
	var (
		inputs           string
		enabled          int
		nextRun, lastRun sql.NullTime
		lastStatus       sql.NullString
	)
	if err := row.Scan(&sc.PipelineName, &sc.CronExpression, &inputs, &enabled, &nextRun, &lastRun,
		&lastStatus, &sc.CreatedAt); err != nil {
		return nil, err
	}
	sc.Inputs = unmarshalMap(inputs)
	sc.Enabled = enabled != 0
	sc.NextRunAt = timePtr(nextRun)
	sc.LastRunAt = timePtr(lastRun)
	sc.LastRunStatus = lastStatus.String
	return sc, nil
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, pipelineName string) (*PipelineSchedule, error) {
	sc, err := scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM pipeline_schedules WHERE pipeline_name = ?`, pipelineName))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", pipelineName)
	}
	if err != nil {
		return nil, wrapStore(err, "get schedule")
	}
	return sc, nil
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]*PipelineSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM pipeline_schedules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY pipeline_name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapStore(err, "list schedules")
	}
	defer rows.Close()

	var out []*PipelineSchedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, wrapStore(err, "list schedules")
		}
		out = append(out, sc)
	}
	return out, wrapStore(rows.Err(), "list schedules")
}

func (s *LibSQLStore) UpdateScheduleRun(ctx context.Context, pipelineName string, update ScheduleRunUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_schedules SET last_run_at = ?, next_run_at = ?, last_run_status = ? WHERE pipeline_name = ?`,
		update.LastRunAt, nullTime(update.NextRunAt), nullStr(update.LastRunStatus), pipelineName)
	if err != nil {
		return wrapStore(err, "update schedule run")
	}
	return checkRowsAffected(res, "schedule", pipelineName)
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, pipelineName string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_schedules WHERE pipeline_name = ?`, pipelineName)
	if err != nil {
		return wrapStore(err, "delete schedule")
	}
	return checkRowsAffected(res, "schedule", pipelineName)
}
