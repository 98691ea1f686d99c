package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const instanceColumns = `id, session_id, workflow_name, enabled, priority, step, step_entered_at,
	step_action_count, total_action_count, artifacts, observations, reflection_pending,
	context_injected, variables, created_at, updated_at`

func scanInstance(row rowScanner) (*WorkflowInstance, error) {
	inst := &WorkflowInstance{}
	var (
		enabled, reflection, injected int
		enteredAt                     sql.NullTime
		artifacts, observations, vars string
	)
	err := row.Scan(&inst.ID, &inst.SessionID, &inst.WorkflowName, &enabled, &inst.Priority,
		&inst.Step, &enteredAt, &inst.StepActionCount, &inst.TotalActionCount,
		&artifacts, &observations, &reflection, &injected, &vars, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.Enabled = enabled != 0
	inst.ReflectionPending = reflection != 0
	inst.ContextInjected = injected != 0
	if enteredAt.Valid {
		inst.StepEnteredAt = enteredAt.Time
	}
	inst.Artifacts = map[string]string{}
	_ = json.Unmarshal([]byte(artifacts), &inst.Artifacts)
	_ = json.Unmarshal([]byte(observations), &inst.Observations)
	inst.Variables = unmarshalMap(vars)
	return inst, nil
}

func (s *LibSQLStore) getInstance(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, sessionID, workflow string) (*WorkflowInstance, error) {
	inst, err := scanInstance(q.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE session_id = ? AND workflow_name = ?`,
		sessionID, workflow))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow instance", sessionID+"/"+workflow)
	}
	return inst, err
}

// --- Instances ---

func (s *LibSQLStore) GetInstance(ctx context.Context, sessionID, workflow string) (*WorkflowInstance, error) {
	inst, err := s.getInstance(ctx, s.db, sessionID, workflow)
	return inst, wrapStore(err, "get instance")
}

// SaveInstance upserts the full row, instance flags included.
func (s *LibSQLStore) SaveInstance(ctx context.Context, inst *WorkflowInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	args, err := stateArgs(&inst.WorkflowState)
	if err != nil {
		return wrapStore(err, "save instance")
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_instances (id, enabled, priority, session_id, workflow_name, step, step_entered_at,
		   step_action_count, total_action_count, artifacts, observations, reflection_pending,
		   context_injected, variables, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, workflow_name) DO UPDATE SET
		   enabled=excluded.enabled, priority=excluded.priority, step=excluded.step,
		   step_entered_at=excluded.step_entered_at, step_action_count=excluded.step_action_count,
		   total_action_count=excluded.total_action_count, artifacts=excluded.artifacts,
		   observations=excluded.observations, reflection_pending=excluded.reflection_pending,
		   context_injected=excluded.context_injected, variables=excluded.variables,
		   updated_at=excluded.updated_at`,
		append(append([]any{inst.ID, boolInt(inst.Enabled), inst.Priority}, args...), timeOrNow(inst.CreatedAt), now)...,
	)
	if err != nil {
		return wrapStore(err, "save instance")
	}
	inst.UpdatedAt = now
	return nil
}

func (s *LibSQLStore) ListInstances(ctx context.Context, sessionID string, filter InstanceFilter) ([]*WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE session_id = ?`
	if filter.EnabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY priority ASC, workflow_name ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, wrapStore(err, "list instances")
	}
	defer rows.Close()

	var out []*WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, wrapStore(err, "list instances")
		}
		out = append(out, inst)
	}
	return out, wrapStore(rows.Err(), "list instances")
}

func (s *LibSQLStore) SetInstanceEnabled(ctx context.Context, sessionID, workflow string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_instances SET enabled = ?, updated_at = ? WHERE session_id = ? AND workflow_name = ?`,
		boolInt(enabled), time.Now().UTC(), sessionID, workflow)
	if err != nil {
		return wrapStore(err, "set instance enabled")
	}
	return checkRowsAffected(res, "workflow instance", sessionID+"/"+workflow)
}

// DeleteInstance is an alias of DeleteState.
func (s *LibSQLStore) DeleteInstance(ctx context.Context, sessionID, workflow string) error {
	return s.DeleteState(ctx, sessionID, workflow)
}

// --- State ---

func (s *LibSQLStore) GetState(ctx context.Context, sessionID, workflow string) (*WorkflowState, error) {
	inst, err := s.GetInstance(ctx, sessionID, workflow)
	if err != nil {
		return nil, err
	}
	return &inst.WorkflowState, nil
}

// SaveState upserts the state columns. A new row is created enabled with priority 0;
// an existing row keeps its instance flags.
func (s *LibSQLStore) SaveState(ctx context.Context, state *WorkflowState) error {
	args, err := stateArgs(state)
	if err != nil {
		return wrapStore(err, "save state")
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_instances (id, session_id, workflow_name, step, step_entered_at,
		   step_action_count, total_action_count, artifacts, observations, reflection_pending,
		   context_injected, variables, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, workflow_name) DO UPDATE SET
		   step=excluded.step, step_entered_at=excluded.step_entered_at,
		   step_action_count=excluded.step_action_count, total_action_count=excluded.total_action_count,
		   artifacts=excluded.artifacts, observations=excluded.observations,
		   reflection_pending=excluded.reflection_pending, context_injected=excluded.context_injected,
		   variables=excluded.variables, updated_at=excluded.updated_at`,
		append(append([]any{uuid.New().String()}, args...), now, now)...,
	)
	if err != nil {
		return wrapStore(err, "save state")
	}
	state.UpdatedAt = now
	return nil
}

func (s *LibSQLStore) DeleteState(ctx context.Context, sessionID, workflow string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_instances WHERE session_id = ? AND workflow_name = ?`, sessionID, workflow)
	if err != nil {
		return wrapStore(err, "delete state")
	}
	return checkRowsAffected(res, "workflow state", sessionID+"/"+workflow)
}

func (s *LibSQLStore) ListStates(ctx context.Context, sessionID string) ([]*WorkflowState, error) {
	insts, err := s.ListInstances(ctx, sessionID, InstanceFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]*WorkflowState, len(insts))
	for i, inst := range insts {
		out[i] = &inst.WorkflowState
	}
	return out, nil
}

// stateArgs returns the state column values in insert order, starting at session_id.
func stateArgs(st *WorkflowState) ([]any, error) {
	artifacts := st.Artifacts
	if artifacts == nil {
		artifacts = map[string]string{}
	}
	a, err := json.Marshal(artifacts)
	if err != nil {
		return nil, fmt.Errorf("marshal artifacts: %w", err)
	}
	observations := st.Observations
	if observations == nil {
		observations = []string{}
	}
	o, err := json.Marshal(observations)
	if err != nil {
		return nil, fmt.Errorf("marshal observations: %w", err)
	}
	v, err := marshalMapOrDefault(st.Variables)
	if err != nil {
		return nil, fmt.Errorf("marshal variables: %w", err)
	}
	return []any{
		st.SessionID, st.WorkflowName, st.Step, timeOrNow(st.StepEnteredAt),
		st.StepActionCount, st.TotalActionCount, string(a), string(o),
		boolInt(st.ReflectionPending), boolInt(st.ContextInjected), v,
	}, nil
}

// --- Variables ---

func (s *LibSQLStore) MergeVariables(ctx context.Context, sessionID, workflow string, updates map[string]any) (map[string]any, error) {
	var merged map[string]any
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT variables FROM workflow_instances WHERE session_id = ? AND workflow_name = ?`,
			sessionID, workflow).Scan(&raw)
		exists := true
		if err == sql.ErrNoRows {
			exists = false
		} else if err != nil {
			return err
		}

		merged = unmarshalMap(raw)
		for k, v := range updates {
			merged[k] = v
		}
		encoded, err := marshalMapOrDefault(merged)
		if err != nil {
			return fmt.Errorf("marshal variables: %w", err)
		}

		now := time.Now().UTC()
		if exists {
			_, err = tx.ExecContext(ctx,
				`UPDATE workflow_instances SET variables = ?, updated_at = ? WHERE session_id = ? AND workflow_name = ?`,
				encoded, now, sessionID, workflow)
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflow_instances (id, session_id, workflow_name, step_entered_at, variables, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), sessionID, workflow, now, encoded, now, now)
		return err
	})
	if err != nil {
		return nil, wrapStore(err, "merge variables")
	}
	return merged, nil
}

func (s *LibSQLStore) SetVariable(ctx context.Context, sessionID, workflow, name string, value any) error {
	_, err := s.MergeVariables(ctx, sessionID, workflow, map[string]any{name: value})
	return err
}

// --- Session variables ---

func (s *LibSQLStore) GetSessionVariables(ctx context.Context, sessionID string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT variables FROM session_variables WHERE session_id = ?`, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, wrapStore(err, "get session variables")
	}
	return unmarshalMap(raw), nil
}

func (s *LibSQLStore) MergeSessionVariables(ctx context.Context, sessionID string, updates map[string]any) (map[string]any, error) {
	var merged map[string]any
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT variables FROM session_variables WHERE session_id = ?`, sessionID).Scan(&raw)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		merged = unmarshalMap(raw)
		for k, v := range updates {
			merged[k] = v
		}
		encoded, err := marshalMapOrDefault(merged)
		if err != nil {
			return fmt.Errorf("marshal session variables: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO session_variables (session_id, variables, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET variables=excluded.variables, updated_at=excluded.updated_at`,
			sessionID, encoded, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, wrapStore(err, "merge session variables")
	}
	return merged, nil
}

func (s *LibSQLStore) SetSessionVariable(ctx context.Context, sessionID, name string, value any) error {
	_, err := s.MergeSessionVariables(ctx, sessionID, map[string]any{name: value})
	return err
}

func (s *LibSQLStore) DeleteSessionVariables(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_variables WHERE session_id = ?`, sessionID)
	return wrapStore(err, "delete session variables")
}
