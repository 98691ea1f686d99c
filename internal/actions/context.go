package actions

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/stepgate/internal/sessions"
	"github.com/rendis/stepgate/internal/skills"
	"github.com/rendis/stepgate/pkg/schema"
)

// Context sources understood by inject_context.
const (
	SourcePreviousSummary = "previous_session_summary"
	SourceSkills          = "skills"
	prefixFile            = "file:"
	prefixTranscript      = "transcript:"
	prefixSessionID       = "session_id:"
)

const defaultTranscriptMessages = 20

func (e *Executor) injectContext(ctx context.Context, ac *ActionContext, params map[string]any) (*Result, error) {
	source := strings.TrimSpace(stringParam(params, "source", ""))
	if source == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "inject_context: source is required")
	}

	var (
		content string
		err     error
	)
	switch {
	case source == SourcePreviousSummary:
		content, err = e.previousSummary(ctx, ac)
	case source == SourceSkills:
		content, err = e.skillsContext(params)
	case strings.HasPrefix(source, prefixFile):
		content = e.fileContext(ctx, ac, strings.TrimPrefix(source, prefixFile))
	case strings.HasPrefix(source, prefixTranscript):
		content, err = e.transcriptContext(ctx, ac, strings.TrimPrefix(source, prefixTranscript))
	case strings.HasPrefix(source, prefixSessionID):
		content, err = e.sessionSummary(ctx, strings.TrimPrefix(source, prefixSessionID))
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "inject_context: unknown source %q", source)
	}
	if err != nil {
		return nil, err
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, nil
	}
	if header := stringParam(params, "header", ""); header != "" {
		content = header + "\n\n" + content
	}
	return &Result{Context: content, Data: map[string]any{"source": source}}, nil
}

func (e *Executor) previousSummary(ctx context.Context, ac *ActionContext) (string, error) {
	if e.deps.Sessions == nil {
		return "", nil
	}
	return e.deps.Sessions.PreviousSummary(ctx, ac.SessionID)
}

func (e *Executor) skillsContext(params map[string]any) (string, error) {
	if e.deps.Skills == nil {
		return "", nil
	}
	list := e.deps.Skills.Find(stringParam(params, "filter", ""))
	if len(list) == 0 {
		return "", nil
	}
	if format := stringParam(params, "format", ""); format != "" {
		out, err := skills.Render(list, format)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "inject_context: %v", err)
		}
		return out, nil
	}
	return skills.RenderInjection(list), nil
}

// fileContext reads a file relative to the session cwd. A missing or
// unreadable file injects nothing.
func (e *Executor) fileContext(ctx context.Context, ac *ActionContext, path string) string {
	path = e.resolvePath(ctx, ac, strings.TrimSpace(path))
	data, err := os.ReadFile(path)
	if err != nil {
		ac.Logger.Warn("inject_context: file not readable",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return string(data)
}

func (e *Executor) transcriptContext(ctx context.Context, ac *ActionContext, count string) (string, error) {
	n := defaultTranscriptMessages
	if count = strings.TrimSpace(count); count != "" {
		v, err := strconv.Atoi(count)
		if err != nil || v < 0 {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "inject_context: bad transcript count %q", count)
		}
		n = v
	}
	if e.deps.Sessions == nil {
		return "", nil
	}
	sess, err := e.deps.Sessions.Get(ctx, ac.SessionID)
	if err != nil {
		if schema.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	if sess.TranscriptPath == "" {
		return "", nil
	}
	msgs, err := e.deps.Transcripts.Read(sess.TranscriptPath, n)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", schema.NewErrorf(schema.ErrCodeExecution, "inject_context: %v", err).WithCause(err)
	}
	return sessions.FormatTranscript(msgs), nil
}

func (e *Executor) sessionSummary(ctx context.Context, ref string) (string, error) {
	if e.deps.Sessions == nil {
		return "", nil
	}
	sess, err := e.deps.Sessions.Resolve(ctx, ref)
	if err != nil {
		if schema.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return sess.SummaryMarkdown, nil
}

// captureArtifact records the newest file matching pattern under state.artifacts[as].
func (e *Executor) captureArtifact(ctx context.Context, ac *ActionContext, params map[string]any) (*Result, error) {
	pattern := strings.TrimSpace(stringParam(params, "pattern", ""))
	as := strings.TrimSpace(stringParam(params, "as", ""))
	if pattern == "" || as == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "capture_artifact: pattern and as are required")
	}
	pattern = e.resolvePath(ctx, ac, pattern)

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "capture_artifact: bad pattern %q", pattern).WithCause(err)
	}
	var (
		newest   string
		newestAt time.Time
	)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if newest == "" || info.ModTime().After(newestAt) {
			newest, newestAt = m, info.ModTime()
		}
	}
	if newest == "" {
		ac.Logger.Debug("capture_artifact: no match", slog.String("pattern", pattern))
		return nil, nil
	}
	ac.State.Artifacts[as] = newest
	return &Result{Data: map[string]any{"as": as, "path": newest}}, nil
}

// generateHandoff summarizes the session transcript and marks the session
// ready for handoff.
func (e *Executor) generateHandoff(ctx context.Context, ac *ActionContext, params map[string]any) (*Result, error) {
	if e.deps.Sessions == nil {
		return nil, nil
	}
	provider := e.deps.LLM.DefaultProvider()
	if provider == nil {
		ac.Logger.Warn("generate_handoff: no llm provider configured")
		return nil, nil
	}
	sess, err := e.deps.Sessions.Get(ctx, ac.SessionID)
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var transcript string
	if sess.TranscriptPath != "" {
		msgs, err := e.deps.Transcripts.Read(sess.TranscriptPath, 0)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "generate_handoff: %v", err).WithCause(err)
		}
		transcript = sessions.FormatTranscript(msgs)
	}
	if notes := stringParam(params, "notes", ""); notes != "" {
		transcript = strings.TrimSpace(transcript + "\n\nNotes: " + notes)
	}
	if strings.TrimSpace(transcript) == "" {
		return nil, nil
	}

	summary, err := provider.GenerateSummary(ctx, transcript)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "generate_handoff: %v", err).WithCause(err)
	}
	if err := e.deps.Sessions.SetSummary(ctx, sess.ID, summary); err != nil {
		return nil, err
	}
	if err := e.deps.Sessions.UpdateStatus(ctx, sess.ID, schema.SessionHandoffReady); err != nil {
		return nil, err
	}
	return &Result{Data: map[string]any{"session_id": sess.ID, "summary": summary}}, nil
}

// resolvePath makes path absolute against the session cwd when known.
func (e *Executor) resolvePath(ctx context.Context, ac *ActionContext, path string) string {
	if filepath.IsAbs(path) || e.deps.Sessions == nil {
		return path
	}
	sess, err := e.deps.Sessions.Get(ctx, ac.SessionID)
	if err != nil || sess.Cwd == "" {
		return path
	}
	return filepath.Join(sess.Cwd, path)
}
