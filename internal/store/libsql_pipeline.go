package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/stepgate/pkg/schema"
)

// --- Pipeline executions ---

const executionColumns = `id, pipeline_name, project_id, status, inputs_json, outputs_json, error,
	resume_token, session_id, definition_json, created_at, updated_at, completed_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *PipelineExecution) error {
	inputs, err := marshalMapOrDefault(exec.Inputs)
	if err != nil {
		return wrapStore(fmt.Errorf("marshal inputs: %w", err), "create execution")
	}
	if exec.Status == "" {
		exec.Status = schema.StatusPending
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = timeOrNow(exec.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.PipelineName, nullStr(exec.ProjectID), string(exec.Status), inputs,
		nullRaw(exec.Outputs), nullStr(exec.Error), nullStr(exec.ResumeToken), nullStr(exec.SessionID),
		nullRaw(exec.DefinitionJSON), exec.CreatedAt, exec.UpdatedAt, nullTime(exec.CompletedAt),
	)
	return wrapStore(err, "create execution")
}

func scanExecution(row rowScanner) (*PipelineExecution, error) {
	e := &PipelineExecution{}
	var (
		projectID, outputs, errMsg, token, sessionID, def sql.NullString
		status, inputs                                    string
		completedAt                                       sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.PipelineName, &projectID, &status, &inputs, &outputs, &errMsg,
		&token, &sessionID, &def, &e.CreatedAt, &e.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	e.ProjectID = projectID.String
	e.Status = schema.ExecutionStatus(status)
	e.Inputs = unmarshalMap(inputs)
	e.Outputs = rawOrNil(outputs)
	e.Error = errMsg.String
	e.ResumeToken = token.String
	e.SessionID = sessionID.String
	e.DefinitionJSON = rawOrNil(def)
	e.CompletedAt = timePtr(completedAt)
	return e, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*PipelineExecution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM pipeline_executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, wrapStore(err, "get execution")
	}
	return e, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Outputs != nil {
		sets = append(sets, "outputs_json = ?")
		args = append(args, string(update.Outputs))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.ResumeToken != nil {
		sets = append(sets, "resume_token = ?")
		args = append(args, nullStr(*update.ResumeToken))
	}
	if update.SessionID != nil {
		sets = append(sets, "session_id = ?")
		args = append(args, nullStr(*update.SessionID))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE pipeline_executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapStore(err, "update execution")
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*PipelineExecution, error) {
	var where []string
	var args []any

	if filter.PipelineName != "" {
		where = append(where, "pipeline_name = ?")
		args = append(args, filter.PipelineName)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}

	query := `SELECT ` + executionColumns + ` FROM pipeline_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStore(err, "list executions")
	}
	defer rows.Close()

	var out []*PipelineExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, wrapStore(err, "list executions")
		}
		out = append(out, e)
	}
	return out, wrapStore(rows.Err(), "list executions")
}

// --- Step executions ---

const stepColumns = `id, execution_id, step_id, status, output_json, error, approval_token,
	approval_expires_at, approved_by, approved_at, started_at, completed_at, created_at, updated_at`

func (s *LibSQLStore) CreateStepExecution(ctx context.Context, step *StepExecution) error {
	if step.Status == "" {
		step.Status = schema.StatusPending
	}
	step.CreatedAt = timeOrNow(step.CreatedAt)
	step.UpdatedAt = timeOrNow(step.UpdatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_executions (`+stepColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.ExecutionID, step.StepID, string(step.Status), nullRaw(step.Output),
		nullStr(step.Error), nullStr(step.ApprovalToken), nullTime(step.ApprovalExpiresAt),
		nullStr(step.ApprovedBy), nullTime(step.ApprovedAt), nullTime(step.StartedAt),
		nullTime(step.CompletedAt), step.CreatedAt, step.UpdatedAt,
	)
	return wrapStore(err, "create step execution")
}

func scanStep(row rowScanner) (*StepExecution, error) {
	st := &StepExecution{}
	var (
		status                                       string
		output, errMsg, token, approvedBy            sql.NullString
		expiresAt, approvedAt, startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(&st.ID, &st.ExecutionID, &st.StepID, &status, &output, &errMsg, &token,
		&expiresAt, &approvedBy, &approvedAt, &startedAt, &completedAt, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.Status = schema.ExecutionStatus(status)
	st.Output = rawOrNil(output)
	st.Error = errMsg.String
	st.ApprovalToken = token.String
	st.ApprovedBy = approvedBy.String
	st.ApprovalExpiresAt = timePtr(expiresAt)
	st.ApprovedAt = timePtr(approvedAt)
	st.StartedAt = timePtr(startedAt)
	st.CompletedAt = timePtr(completedAt)
	return st, nil
}

func (s *LibSQLStore) UpdateStepExecution(ctx context.Context, id string, update StepExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output_json = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.ApprovalToken != nil {
		sets = append(sets, "approval_token = ?")
		args = append(args, nullStr(*update.ApprovalToken))
	}
	if update.ApprovalExpiresAt != nil {
		sets = append(sets, "approval_expires_at = ?")
		args = append(args, *update.ApprovalExpiresAt)
	}
	if update.ApprovedBy != nil {
		sets = append(sets, "approved_by = ?")
		args = append(args, nullStr(*update.ApprovedBy))
	}
	if update.ApprovedAt != nil {
		sets = append(sets, "approved_at = ?")
		args = append(args, *update.ApprovedAt)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE step_executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapStore(err, "update step execution")
	}
	return checkRowsAffected(res, "step execution", id)
}

func (s *LibSQLStore) GetStepsForExecution(ctx context.Context, executionID string) ([]*StepExecution, error) {
	return s.querySteps(ctx, "get steps",
		`SELECT `+stepColumns+` FROM step_executions WHERE execution_id = ? ORDER BY created_at ASC, rowid ASC`,
		executionID)
}

// GetStepByApprovalToken resolves a token through the unique index.
func (s *LibSQLStore) GetStepByApprovalToken(ctx context.Context, token string) (*StepExecution, error) {
	st, err := scanStep(s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM step_executions WHERE approval_token = ?`, token))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval token", "")
	}
	if err != nil {
		return nil, wrapStore(err, "get step by token")
	}
	return st, nil
}

// ListExpiredApprovals returns waiting steps whose approval deadline is before now.
func (s *LibSQLStore) ListExpiredApprovals(ctx context.Context, now time.Time) ([]*StepExecution, error) {
	return s.querySteps(ctx, "list expired approvals",
		`SELECT `+stepColumns+` FROM step_executions
		 WHERE status = ? AND approval_expires_at IS NOT NULL AND approval_expires_at < ?
		 ORDER BY approval_expires_at ASC`,
		string(schema.StatusWaitingApproval), now)
}

func (s *LibSQLStore) querySteps(ctx context.Context, op, query string, args ...any) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStore(err, op)
	}
	defer rows.Close()

	var out []*StepExecution
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, wrapStore(err, op)
		}
		out = append(out, st)
	}
	return out, wrapStore(rows.Err(), op)
}
