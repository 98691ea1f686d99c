package sessions

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTmuxSpawner_Tmux(t *testing.T) {
	var captured *exec.Cmd
	s := NewTmuxSpawner("", "", nil).WithRunners(func(cmd *exec.Cmd) error {
		captured = cmd
		return nil
	}, nil)

	res, err := s.Spawn(context.Background(), SpawnRequest{
		SessionID: "0123456789abcdef",
		Prompt:    "it's time",
		Cwd:       "/work",
	})
	require.NoError(t, err)
	assert.Equal(t, "stepgate-01234567", res.TerminalSession)

	require.NotNil(t, captured)
	assert.Equal(t, []string{
		"tmux", "new-session", "-d", "-s", "stepgate-01234567", "-c", "/work",
		"-e", "STEPGATE_SESSION_ID=0123456789abcdef",
		`claude 'it'\''s time'`,
	}, captured.Args)
}

func TestTmuxSpawner_Headless(t *testing.T) {
	var captured *exec.Cmd
	s := NewTmuxSpawner("tmux", "codex exec", nil).WithRunners(nil, func(cmd *exec.Cmd) error {
		captured = cmd
		return nil
	})
	res, err := s.Spawn(context.Background(), SpawnRequest{SessionID: "s1", Mode: ModeHeadless, Prompt: "go"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.PID)
	assert.Equal(t, []string{"codex", "exec", "-p", "go"}, captured.Args)
	assert.Contains(t, captured.Env, "STEPGATE_SESSION_ID=s1")
}

func TestTmuxSpawner_Errors(t *testing.T) {
	s := NewTmuxSpawner("", "", nil)
	_, err := s.Spawn(context.Background(), SpawnRequest{Mode: "vnc"})
	assert.Error(t, err)

	assert.Equal(t, "my-title-1", terminalName(SpawnRequest{Title: "my title!1"}))
}
