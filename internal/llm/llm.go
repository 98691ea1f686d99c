// Package llm provides text generation for prompt steps and handoff summaries.
// The default provider pipes the prompt to a configured command (for example
// `claude -p` or `llm -m gpt-4o`) and reads the completion from stdout.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rendis/stepgate/pkg/schema"
)

// DefaultTimeout bounds a single completion.
const DefaultTimeout = 5 * time.Minute

// summaryInstructions frames the transcript for GenerateSummary.
const summaryInstructions = `Summarize the following agent session transcript as a handoff note for the next session.
Use markdown with these sections: ## Goal, ## Done, ## In progress, ## Next steps, ## Files touched.
Be concise and concrete.`

// Provider generates text.
type Provider interface {
	Name() string
	GenerateText(ctx context.Context, prompt, system string) (string, error)
	GenerateSummary(ctx context.Context, transcript string) (string, error)
}

// Service holds the configured providers.
type Service struct {
	mu        sync.RWMutex
	providers map[string]Provider
	def       string
}

// NewService creates a Service. The first registered provider becomes the default.
func NewService(providers ...Provider) *Service {
	s := &Service{providers: make(map[string]Provider)}
	for _, p := range providers {
		s.Register(p)
	}
	return s
}

// Register adds or replaces a provider.
func (s *Service) Register(p Provider) {
	if p == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.Name()] = p
	if s.def == "" {
		s.def = p.Name()
	}
}

// DefaultProvider returns the default provider, or nil when none is configured.
func (s *Service) DefaultProvider() Provider {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.providers[s.def]
}

// Provider returns a provider by name.
func (s *Service) Provider(name string) (Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[name]
	return p, ok
}

// CommandProvider runs argv with the prompt on stdin.
type CommandProvider struct {
	argv    []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewCommandProvider creates a provider for argv. It returns nil for an empty argv.
func NewCommandProvider(argv []string, timeout time.Duration, logger *slog.Logger) *CommandProvider {
	if len(argv) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandProvider{argv: argv, timeout: timeout, logger: logger}
}

func (p *CommandProvider) Name() string { return "command" }

// GenerateText sends the system prompt (if any) and the prompt separated by a blank line.
func (p *CommandProvider) GenerateText(ctx context.Context, prompt, system string) (string, error) {
	input := prompt
	if system != "" {
		input = system + "\n\n" + prompt
	}
	return p.run(ctx, input)
}

func (p *CommandProvider) GenerateSummary(ctx context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "empty transcript")
	}
	return p.GenerateText(ctx, transcript, summaryInstructions)
}

func (p *CommandProvider) run(ctx context.Context, input string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.argv[0], p.argv[1:]...)
	cmd.Stdin = strings.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	p.logger.Debug("llm command finished",
		slog.String("command", p.argv[0]),
		slog.Duration("duration", time.Since(start)),
	)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", schema.NewErrorf(schema.ErrCodeTimeout, "llm command timed out after %s", p.timeout).WithCause(err)
		}
		return "", schema.NewErrorf(schema.ErrCodeExecution, "llm command failed: %s", firstLine(stderr.String(), err)).
			WithCause(err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func firstLine(stderr string, err error) string {
	if line, _, _ := strings.Cut(strings.TrimSpace(stderr), "\n"); line != "" {
		return line
	}
	return fmt.Sprint(err)
}

var _ Provider = (*CommandProvider)(nil)
