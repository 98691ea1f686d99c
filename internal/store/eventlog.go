package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/stepgate/pkg/schema"
)

// AppendEvent appends an event with a monotonically increasing per-stream sequence.
// A stream is an execution, or a session for workflow events.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	stream := event.streamID()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE stream_id = ?`, stream,
		).Scan(&seq); err != nil {
			return fmt.Errorf("get next sequence: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (stream_id, execution_id, session_id, step_id, event_type, payload, timestamp, sequence)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			stream, nullStr(event.ExecutionID), nullStr(event.SessionID), nullStr(event.StepID),
			event.Type, nullRaw(event.Payload), event.Timestamp, seq,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		event.Sequence = seq
		event.ID, _ = res.LastInsertId()
		return nil
	})
	return wrapStore(err, "append event")
}

// ListEvents returns events matching the filter. Execution-scoped queries are ordered
// by sequence, everything else newest first.
func (s *LibSQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, execution_id, session_id, step_id, event_type, payload, timestamp, sequence FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.ExecutionID != "" {
		query += " ORDER BY sequence ASC"
	} else {
		query += " ORDER BY timestamp DESC, id DESC"
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStore(err, "list events")
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var execID, sessionID, stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &execID, &sessionID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, wrapStore(err, "list events")
		}
		e.ExecutionID = execID.String
		e.SessionID = sessionID.String
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, wrapStore(rows.Err(), "list events")
}

// PruneEvents deletes every stream whose newest event is older than before and
// returns the number of rows removed. Streams are dropped whole so a replay
// never sees a sequence gap.
func (s *LibSQLStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE stream_id IN (
			SELECT stream_id FROM events GROUP BY stream_id HAVING MAX(timestamp) < ?
		)`, before.UTC())
	if err != nil {
		return 0, wrapStore(err, "prune events")
	}
	n, err := res.RowsAffected()
	return n, wrapStore(err, "prune events")
}

// StepTimeline is the step status reconstructed from an execution's events.
type StepTimeline struct {
	StepID      string                 `json:"step_id"`
	Status      schema.ExecutionStatus `json:"status"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	DurationMs  int64                  `json:"duration_ms,omitempty"`
}

// ReplayExecution rebuilds per-step status from the audit trail of one execution.
// It fails on sequence gaps.
func ReplayExecution(ctx context.Context, events EventStore, executionID string) (map[string]*StepTimeline, error) {
	list, err := events.ListEvents(ctx, EventFilter{ExecutionID: executionID})
	if err != nil {
		return nil, fmt.Errorf("list events for replay: %w", err)
	}

	for i, e := range list {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	steps := make(map[string]*StepTimeline)
	for _, e := range list {
		if e.StepID == "" {
			continue
		}
		st, ok := steps[e.StepID]
		if !ok {
			st = &StepTimeline{StepID: e.StepID, Status: schema.StatusPending}
			steps[e.StepID] = st
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepStarted:
			st.Status = schema.StatusRunning
			st.StartedAt = &ts
		case schema.EventStepCompleted:
			st.Status = schema.StatusCompleted
			st.CompletedAt = &ts
			if st.StartedAt != nil {
				st.DurationMs = ts.Sub(*st.StartedAt).Milliseconds()
			}
		case schema.EventStepFailed, schema.EventApprovalRejected, schema.EventApprovalExpired:
			st.Status = schema.StatusFailed
			st.CompletedAt = &ts
		case schema.EventApprovalPending:
			st.Status = schema.StatusWaitingApproval
		case schema.EventApprovalGranted:
			// The step body still has to run after a grant.
			st.Status = schema.StatusPending
		}
	}
	return steps, nil
}
