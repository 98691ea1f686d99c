package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepgate/internal/streaming"
	"github.com/rendis/stepgate/pkg/schema"
)

// notificationMethod is the MCP logging notification clients display.
const notificationMethod = "notifications/message"

// forwardedEvents are the hub events worth interrupting an agent for.
var forwardedEvents = []string{
	schema.EventExecutionFailed,
	schema.EventApprovalPending,
	schema.EventApprovalExpired,
}

// Sender delivers server notifications. *server.MCPServer implements it.
type Sender interface {
	SendNotificationToAllClients(method string, params map[string]any)
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// Notifier pushes execution events to MCP clients.
type Notifier struct {
	sender   Sender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewNotifier creates a notifier. A nil registry broadcasts everything.
func NewNotifier(sender Sender, sessions *SessionRegistry, logger *slog.Logger) *Notifier {
	if sessions == nil {
		sessions = NewSessionRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sender: sender, sessions: sessions, logger: logger}
}

// Notify sends ev to the client that started the execution, or to every
// client when none did (scheduled and background runs). Best-effort.
func (n *Notifier) Notify(_ context.Context, ev streaming.StreamEvent) error {
	params := notificationParams(ev)

	if sessionID, ok := n.sessions.SessionFor(ev.ExecutionID); ok {
		err := n.sender.SendNotificationToSpecificClient(sessionID, notificationMethod, params)
		if err == nil {
			n.settle(ev)
			return nil
		}
		if !errors.Is(err, server.ErrSessionNotFound) {
			return err
		}
		// Client went away between lookup and send: fall back to a broadcast.
		n.sessions.Remove(sessionID)
	}
	n.sender.SendNotificationToAllClients(notificationMethod, params)
	return nil
}

// settle drops the client mapping once the execution can no longer notify.
func (n *Notifier) settle(ev streaming.StreamEvent) {
	if ev.EventType == schema.EventExecutionFailed || ev.EventType == schema.EventApprovalExpired {
		n.sessions.Forget(ev.ExecutionID)
	}
}

// Forward subscribes to the hub and notifies until ctx is cancelled.
func (n *Notifier) Forward(ctx context.Context, hub streaming.EventHub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: forwardedEvents})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := n.Notify(ctx, ev); err != nil {
				n.logger.Warn("mcp notification failed",
					slog.String("execution_id", ev.ExecutionID),
					slog.String("event_type", ev.EventType),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// notificationParams shapes ev as a logging message notification.
func notificationParams(ev streaming.StreamEvent) map[string]any {
	level := "info"
	switch ev.EventType {
	case schema.EventExecutionFailed:
		level = "error"
	case schema.EventApprovalPending, schema.EventApprovalExpired:
		level = "warning"
	}
	data := map[string]any{
		"event_type":   ev.EventType,
		"execution_id": ev.ExecutionID,
	}
	if ev.StepID != "" {
		data["step_id"] = ev.StepID
	}
	if ev.SessionID != "" {
		data["session_id"] = ev.SessionID
	}
	if ev.Payload != nil {
		data["payload"] = ev.Payload
	}
	return map[string]any{
		"level":  level,
		"logger": "stepgate",
		"data":   data,
	}
}
