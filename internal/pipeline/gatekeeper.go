package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/stepgate/internal/logging"
	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/internal/webhook"
	"github.com/rendis/stepgate/pkg/schema"
)

const approvalTokenBytes = 24

// NewApprovalToken returns a URL-safe random token.
func NewApprovalToken() (string, error) {
	buf := make([]byte, approvalTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "generate approval token: %s", err.Error()).WithCause(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CheckApprovalGate suspends the execution before step when the step requires
// approval. It returns nil for ungated steps and *schema.ApprovalRequired
// once the pause is persisted.
func (e *Executor) CheckApprovalGate(ctx context.Context, step schema.PipelineStep, exec *store.PipelineExecution, stepExec *store.StepExecution, def *schema.PipelineDefinition) error {
	if !step.RequiresApproval() {
		return nil
	}
	if err := CheckStepTransition(step.ID, stepExec.Status, schema.StatusWaitingApproval); err != nil {
		return err
	}

	token, err := NewApprovalToken()
	if err != nil {
		return err
	}
	waiting := schema.StatusWaitingApproval
	update := store.StepExecutionUpdate{Status: &waiting, ApprovalToken: &token}
	if e.cfg.ApprovalTTL > 0 {
		expires := time.Now().UTC().Add(e.cfg.ApprovalTTL)
		update.ApprovalExpiresAt = &expires
		stepExec.ApprovalExpiresAt = &expires
	}
	if err := e.deps.Store.UpdateStepExecution(ctx, stepExec.ID, update); err != nil {
		return err
	}
	stepExec.Status = waiting
	stepExec.ApprovalToken = token

	if err := e.setExecutionStatus(ctx, exec, waiting, store.ExecutionUpdate{ResumeToken: &token}, false); err != nil {
		return err
	}

	msg := approvalMessage(step)
	payload := webhook.Payload{
		Event:        schema.EventApprovalPending,
		ExecutionID:  exec.ID,
		PipelineName: exec.PipelineName,
		Status:       string(waiting),
		StepID:       step.ID,
		Token:        token,
		Message:      msg,
	}
	if base := strings.TrimRight(e.cfg.BaseURL, "/"); base != "" {
		payload.ApproveURL = base + "/api/pipelines/approve/" + token
		payload.RejectURL = base + "/api/pipelines/reject/" + token
	}
	e.notify(ctx, webhookOf(def, func(w *schema.Webhooks) *schema.WebhookEndpoint { return w.OnApprovalPending }), payload)

	logging.LogWith(logging.WithStepID(ctx, step.ID), e.deps.Logger).Info("step waiting for approval")
	return &schema.ApprovalRequired{
		ExecutionID: exec.ID,
		StepID:      step.ID,
		Token:       token,
		Message:     msg,
	}
}

// ApproveStep records the approval for token. It does not resume the execution.
func (e *Executor) ApproveStep(ctx context.Context, token, approvedBy string) (*store.PipelineExecution, error) {
	rec, exec, err := e.lookupToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !e.claim(exec.ID) {
		return nil, conflict(exec.ID)
	}
	defer e.release(exec.ID)

	// Another approval may have consumed the token before the claim.
	rec, err = e.deps.Store.GetStepByApprovalToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec.Status != schema.StatusWaitingApproval {
		return nil, schema.NewError(schema.ErrCodeInvalidToken, "approval token is invalid or already used")
	}
	if approvedBy == "" {
		approvedBy = "unknown"
	}
	if err := CheckStepTransition(rec.StepID, rec.Status, schema.StatusCompleted); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	completed := schema.StatusCompleted
	if err := e.deps.Store.UpdateStepExecution(ctx, rec.ID, store.StepExecutionUpdate{
		Status:     &completed,
		ApprovedBy: &approvedBy,
		ApprovedAt: &now,
	}); err != nil {
		return nil, err
	}
	noToken := ""
	if err := e.deps.Store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{ResumeToken: &noToken}); err != nil {
		return nil, err
	}
	e.record(ctx, schema.EventApprovalGranted, exec, rec.StepID, map[string]any{"approved_by": approvedBy})
	logging.LogWith(logging.WithExecutionID(ctx, exec.ID), e.deps.Logger).Info("step approved",
		slog.String("step_id", rec.StepID),
		slog.String("approved_by", approvedBy),
	)
	return e.deps.Store.GetExecution(ctx, exec.ID)
}

// RejectStep fails the gated step and cancels the execution.
func (e *Executor) RejectStep(ctx context.Context, token, rejectedBy string) (*store.PipelineExecution, error) {
	rec, exec, err := e.lookupToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if rejectedBy == "" {
		rejectedBy = "unknown"
	}
	reason := "rejected by " + rejectedBy
	if err := e.cancelGate(ctx, exec, rec, reason, schema.EventApprovalRejected); err != nil {
		return nil, err
	}
	return exec, nil
}

// ExpireStale cancels executions whose approval deadline passed before now.
// It returns how many were cancelled.
func (e *Executor) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	recs, err := e.deps.Store.ListExpiredApprovals(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		exec, err := e.deps.Store.GetExecution(ctx, rec.ExecutionID)
		if err != nil {
			e.deps.Logger.Warn("expire approval: load execution",
				slog.String("execution_id", rec.ExecutionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if exec.Status.IsTerminal() {
			continue
		}
		if err := e.cancelGate(ctx, exec, rec, "approval expired", schema.EventApprovalExpired); err != nil {
			e.deps.Logger.Warn("expire approval",
				slog.String("execution_id", exec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		n++
	}
	return n, nil
}

// lookupToken resolves a token to its waiting step and execution. Expired
// tokens cancel the execution and report APPROVAL_EXPIRED.
func (e *Executor) lookupToken(ctx context.Context, token string) (*store.StepExecution, *store.PipelineExecution, error) {
	invalid := schema.NewError(schema.ErrCodeInvalidToken, "approval token is invalid or already used")
	if token == "" {
		return nil, nil, invalid
	}
	rec, err := e.deps.Store.GetStepByApprovalToken(ctx, token)
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, nil, invalid
		}
		return nil, nil, err
	}
	if rec.Status != schema.StatusWaitingApproval {
		return nil, nil, invalid
	}
	exec, err := e.deps.Store.GetExecution(ctx, rec.ExecutionID)
	if err != nil {
		return nil, nil, err
	}
	if exec.Status.IsTerminal() {
		return nil, nil, invalid
	}
	if rec.ApprovalExpiresAt != nil && time.Now().After(*rec.ApprovalExpiresAt) {
		if err := e.cancelGate(ctx, exec, rec, "approval expired", schema.EventApprovalExpired); err != nil {
			return nil, nil, err
		}
		return nil, nil, schema.NewErrorf(schema.ErrCodeApprovalExpired,
			"approval for step %s expired at %s", rec.StepID, rec.ApprovalExpiresAt.Format(time.RFC3339)).
			WithStep(rec.StepID)
	}
	return rec, exec, nil
}

// cancelGate fails the waiting step and cancels its execution.
func (e *Executor) cancelGate(ctx context.Context, exec *store.PipelineExecution, rec *store.StepExecution, reason, eventType string) error {
	if !e.claim(exec.ID) {
		return conflict(exec.ID)
	}
	defer e.release(exec.ID)

	if err := CheckStepTransition(rec.StepID, rec.Status, schema.StatusFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	failed := schema.StatusFailed
	if err := e.deps.Store.UpdateStepExecution(ctx, rec.ID, store.StepExecutionUpdate{
		Status:      &failed,
		Error:       &reason,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	rec.Status = failed
	e.record(ctx, eventType, exec, rec.StepID, map[string]any{"reason": reason})

	msg := "step " + rec.StepID + " " + reason
	noToken := ""
	return e.setExecutionStatus(ctx, exec, schema.StatusCancelled, store.ExecutionUpdate{
		Error:       &msg,
		ResumeToken: &noToken,
		CompletedAt: &now,
	}, false)
}

func approvalMessage(step schema.PipelineStep) string {
	if step.Approval != nil && step.Approval.Message != "" {
		return step.Approval.Message
	}
	return "Approve step " + step.ID + "?"
}
