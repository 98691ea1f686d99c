package sessions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestTranscriptReader_JSONL(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"role":"user","content":"fix the login bug"}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Looking at auth.go"},{"type":"tool_use","name":"Read"}]}}`,
		`{"type":"summary","summary":"ignored"}`,
		``,
		`{"role":"user","content":"thanks"}`,
	)

	msgs, err := TranscriptReader{}.Read(path, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, Message{Role: "assistant", Text: "Looking at auth.go"}, msgs[1])

	last, err := TranscriptReader{}.Read(path, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "thanks", last[1].Text)

	assert.Equal(t, "assistant: Looking at auth.go\n\nuser: thanks", FormatTranscript(last))
}

func TestTranscriptReader_PlainAndTruncate(t *testing.T) {
	path := writeTranscript(t, "line one", "line two")
	msgs, err := TranscriptReader{MaxChars: 8}.Read(path, 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "transcript", msgs[0].Role)
	assert.Equal(t, "line one...", msgs[0].Text)
}

func TestTranscriptReader_Missing(t *testing.T) {
	_, err := TranscriptReader{}.Read(filepath.Join(t.TempDir(), "nope"), 1)
	assert.Error(t, err)
}
