// Package sessions tracks agent sessions: registration, reference resolution,
// status and handoff summaries, transcripts and terminal spawning.
package sessions

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/pkg/schema"
)

// minPrefixLen is the shortest id prefix Resolve accepts.
const minPrefixLen = 4

// Manager is the session service used by actions, pipeline steps and the API.
type Manager struct {
	store  store.SessionStore
	logger *slog.Logger
}

// NewManager creates a Manager over st.
func NewManager(st store.SessionStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, logger: logger}
}

// Get returns a session by its internal id.
func (m *Manager) Get(ctx context.Context, id string) (*store.Session, error) {
	return m.store.GetSession(ctx, id)
}

// Register records a session. When ExternalID is already known the existing
// session is returned, with its transcript path and cwd refreshed if they changed.
func (m *Manager) Register(ctx context.Context, sess *store.Session) (*store.Session, error) {
	if sess.ExternalID != "" {
		existing, err := m.store.GetSessionByExternalID(ctx, sess.ExternalID)
		switch {
		case err == nil:
			if sess.TranscriptPath != "" && sess.TranscriptPath != existing.TranscriptPath {
				if err := m.store.UpdateSession(ctx, existing.ID, store.SessionUpdate{TranscriptPath: &sess.TranscriptPath}); err != nil {
					return nil, err
				}
				existing.TranscriptPath = sess.TranscriptPath
			}
			return existing, nil
		case !schema.IsNotFound(err):
			return nil, err
		}
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	m.logger.Debug("session registered",
		slog.String("session_id", sess.ID),
		slog.String("external_id", sess.ExternalID),
	)
	return sess, nil
}

// Resolve finds a session from a user-supplied reference: an internal id, an
// external (agent CLI) id, or a unique internal id prefix of at least four characters.
func (m *Manager) Resolve(ctx context.Context, ref string) (*store.Session, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty session reference")
	}

	if sess, err := m.store.GetSession(ctx, ref); err == nil {
		return sess, nil
	} else if !schema.IsNotFound(err) {
		return nil, err
	}

	if sess, err := m.store.GetSessionByExternalID(ctx, ref); err == nil {
		return sess, nil
	} else if !schema.IsNotFound(err) {
		return nil, err
	}

	if len(ref) >= minPrefixLen {
		matches, err := m.store.FindSessionsByPrefix(ctx, ref, 2)
		if err != nil {
			return nil, err
		}
		switch len(matches) {
		case 1:
			return matches[0], nil
		case 2:
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "session reference %q is ambiguous", ref).
				WithDetails(map[string]any{"candidates": []string{matches[0].ID, matches[1].ID}})
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "session %q not found", ref)
}

// UpdateStatus sets a session's status.
func (m *Manager) UpdateStatus(ctx context.Context, id, status string) error {
	return m.store.UpdateSession(ctx, id, store.SessionUpdate{Status: &status})
}

// SetSummary stores the handoff summary markdown.
func (m *Manager) SetSummary(ctx context.Context, id, markdown string) error {
	return m.store.UpdateSession(ctx, id, store.SessionUpdate{SummaryMarkdown: &markdown})
}

// SetTerminal records the terminal a session runs in.
func (m *Manager) SetTerminal(ctx context.Context, id, terminal string) error {
	return m.store.UpdateSession(ctx, id, store.SessionUpdate{TerminalName: &terminal})
}

// PreviousSummary returns the handoff summary that precedes sessionID: the parent
// session's summary, or else the newest summary of another session in the same
// project. It returns "" when there is none.
func (m *Manager) PreviousSummary(ctx context.Context, sessionID string) (string, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if schema.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}

	if sess.ParentSessionID != "" {
		parent, err := m.store.GetSession(ctx, sess.ParentSessionID)
		if err == nil && parent.SummaryMarkdown != "" {
			return parent.SummaryMarkdown, nil
		}
		if err != nil && !schema.IsNotFound(err) {
			return "", err
		}
	}

	if sess.ProjectID == "" {
		return "", nil
	}
	siblings, err := m.store.ListSessions(ctx, store.SessionFilter{ProjectID: sess.ProjectID, Exclude: sess.ID, Limit: 20})
	if err != nil {
		return "", err
	}
	for _, s := range siblings {
		if s.SummaryMarkdown != "" {
			return s.SummaryMarkdown, nil
		}
	}
	return "", nil
}

// List returns sessions matching filter, newest first.
func (m *Manager) List(ctx context.Context, filter store.SessionFilter) ([]*store.Session, error) {
	return m.store.ListSessions(ctx, filter)
}
