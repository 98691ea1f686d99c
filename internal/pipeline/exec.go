package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/stepgate/pkg/schema"
)

// commandSpec is a fully rendered exec step.
type commandSpec struct {
	Argv    []string
	Cwd     string
	Env     map[string]string
	Timeout time.Duration
	MaxOut  int64
}

// runCommand runs spec without a shell. Exit codes, timeouts and spawn failures
// are reported in the result, never as an error.
func runCommand(ctx context.Context, spec commandSpec) map[string]any {
	execCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Cwd
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: spec.MaxOut}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: spec.MaxOut}

	start := time.Now()
	runErr := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	exitCode := 0
	killed := false
	result := map[string]any{}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			result["error"] = runErr.Error()
		}
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			killed = true
		}
	}

	// stdout is parsed when it is JSON so templates can reach into it.
	stdoutStr := stdoutBuf.String()
	var parsedStdout any = stdoutStr
	if trimmed := bytes.TrimSpace(stdoutBuf.Bytes()); len(trimmed) > 0 && json.Valid(trimmed) {
		var parsed any
		if err := json.Unmarshal(trimmed, &parsed); err == nil {
			parsedStdout = parsed
		}
	}

	result["stdout"] = parsedStdout
	result["stdout_raw"] = stdoutStr
	result["stderr"] = stderrBuf.String()
	result["exit_code"] = exitCode
	result["duration_ms"] = durationMs
	result["killed"] = killed
	return result
}

// SplitCommand splits a command line into argv. Single and double quotes group
// words and a backslash escapes the next character outside single quotes.
// No expansion of any kind is performed.
func SplitCommand(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "exec: unterminated %c quote in %q", quote, line)
	}
	if escaped {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "exec: trailing backslash in %q", line)
	}
	if inWord {
		args = append(args, cur.String())
	}
	if len(args) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "exec: empty command")
	}
	return args, nil
}

// limitedWriter discards bytes beyond limit but reports them written so the
// child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
