package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// Spawn modes.
const (
	ModeTmux     = "tmux"
	ModeHeadless = "headless"
)

// SpawnRequest describes a new agent session to start.
type SpawnRequest struct {
	SessionID string
	CLI       string
	Prompt    string
	Cwd       string
	Mode      string
	Title     string
	Env       map[string]string
}

// SpawnResult identifies the started process or terminal.
type SpawnResult struct {
	TerminalSession string `json:"terminal_session,omitempty"`
	PID             int    `json:"pid,omitempty"`
}

// Spawner starts agent sessions.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error)
}

// CommandRunner runs a prepared command. Tests replace it.
type CommandRunner func(cmd *exec.Cmd) error

// TmuxSpawner starts sessions in detached tmux sessions, or as background
// processes in headless mode.
type TmuxSpawner struct {
	tmux       string
	defaultCLI string
	run        CommandRunner
	start      CommandRunner
	logger     *slog.Logger
}

// NewTmuxSpawner creates a spawner. tmuxBin defaults to "tmux" and defaultCLI to "claude".
func NewTmuxSpawner(tmuxBin, defaultCLI string, logger *slog.Logger) *TmuxSpawner {
	if tmuxBin == "" {
		tmuxBin = "tmux"
	}
	if defaultCLI == "" {
		defaultCLI = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TmuxSpawner{
		tmux:       tmuxBin,
		defaultCLI: defaultCLI,
		run:        func(cmd *exec.Cmd) error { return cmd.Run() },
		start:      func(cmd *exec.Cmd) error { return cmd.Start() },
		logger:     logger,
	}
}

// WithRunners replaces how commands are executed.
func (s *TmuxSpawner) WithRunners(run, start CommandRunner) *TmuxSpawner {
	s.run, s.start = run, start
	return s
}

func (s *TmuxSpawner) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	cli := req.CLI
	if cli == "" {
		cli = s.defaultCLI
	}
	env := map[string]string{"STEPGATE_SESSION_ID": req.SessionID}
	for k, v := range req.Env {
		env[k] = v
	}

	switch req.Mode {
	case "", ModeTmux:
		name := terminalName(req)
		args := []string{"new-session", "-d", "-s", name}
		if strings.TrimSpace(req.Cwd) != "" {
			args = append(args, "-c", req.Cwd)
		}
		for _, k := range sortedEnvKeys(env) {
			args = append(args, "-e", k+"="+env[k])
		}
		args = append(args, agentCommandLine(cli, req.Prompt))
		cmd := exec.CommandContext(ctx, s.tmux, args...)
		if err := s.run(cmd); err != nil {
			return nil, fmt.Errorf("tmux new-session %s: %w", name, err)
		}
		s.logger.Info("session spawned in tmux",
			slog.String("session_id", req.SessionID),
			slog.String("terminal", name),
		)
		return &SpawnResult{TerminalSession: name}, nil

	case ModeHeadless:
		argv := strings.Fields(cli)
		if len(argv) == 0 {
			return nil, fmt.Errorf("empty agent command")
		}
		if req.Prompt != "" {
			argv = append(argv, "-p", req.Prompt)
		}
		// Not bound to ctx: the agent outlives the request that started it.
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Dir = req.Cwd
		cmd.Env = os.Environ()
		for _, k := range sortedEnvKeys(env) {
			cmd.Env = append(cmd.Env, k+"="+env[k])
		}
		if err := s.start(cmd); err != nil {
			return nil, fmt.Errorf("start %s: %w", argv[0], err)
		}
		pid := 0
		if cmd.Process != nil {
			pid = cmd.Process.Pid
			go func() { _ = cmd.Wait() }()
		}
		return &SpawnResult{PID: pid}, nil

	default:
		return nil, fmt.Errorf("unknown spawn mode %q (want tmux or headless)", req.Mode)
	}
}

// terminalName derives a tmux-safe session name.
func terminalName(req SpawnRequest) string {
	base := req.Title
	if base == "" {
		id := req.SessionID
		if len(id) > 8 {
			id = id[:8]
		}
		base = "stepgate-" + id
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, base)
}

// agentCommandLine builds the shell command tmux runs, single-quoting the prompt.
func agentCommandLine(cli, prompt string) string {
	if prompt == "" {
		return cli
	}
	return cli + " '" + strings.ReplaceAll(prompt, "'", `'\''`) + "'"
}

func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
