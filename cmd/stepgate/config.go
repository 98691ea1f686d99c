package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/stepgate/internal/mcpproxy"
	"github.com/rendis/stepgate/internal/pipeline"
)

// Config holds all stepgate daemon configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string                            `json:"listen_addr"`
	BaseURL         string                            `json:"base_url"`
	DBPath          string                            `json:"db_path"`
	LogLevel        string                            `json:"log_level"`
	WorkflowsDir    string                            `json:"workflows_dir"`
	PipelinesDir    string                            `json:"pipelines_dir"`
	SkillsDir       string                            `json:"skills_dir"`
	DispatchTimeout Duration                          `json:"dispatch_timeout"`
	ExecTimeout     Duration                          `json:"exec_timeout"`
	ApprovalTTL     Duration                          `json:"approval_ttl"`
	WebhookTimeout  Duration                          `json:"webhook_timeout"`
	EventRetention  Duration                          `json:"event_retention"`
	LLMCommand      []string                          `json:"llm_command,omitempty"`
	SpawnCommand    string                            `json:"spawn_command"`
	MCPServers      map[string]mcpproxy.ServerConfig `json:"mcp_servers,omitempty"`
	Watch           bool                              `json:"watch"`
}

// Duration is a time.Duration written as "5s" in settings.json. Bare
// numbers are read as seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := parseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\" or a number of seconds")
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

func defaultConfig() Config {
	dir := stepgateDir()
	return Config{
		ListenAddr:      ":4200",
		DBPath:          filepath.Join(dir, "stepgate.db"),
		LogLevel:        "info",
		WorkflowsDir:    filepath.Join(dir, "workflows"),
		PipelinesDir:    filepath.Join(dir, "pipelines"),
		SkillsDir:       filepath.Join(dir, "skills"),
		DispatchTimeout: Duration(5 * time.Second),
		ExecTimeout:     Duration(5 * time.Minute),
		WebhookTimeout:  Duration(10 * time.Second),
		EventRetention:  Duration(30 * 24 * time.Hour),
		SpawnCommand:    "tmux",
		Watch:           true,
	}
}

func stepgateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepgate"
	}
	return filepath.Join(home, ".stepgate")
}

func settingsPath() string {
	return filepath.Join(stepgateDir(), "settings.json")
}

func lockPath() string {
	return filepath.Join(stepgateDir(), "stepgate.lock")
}

// loadConfig layers settings.json and STEPGATE_* env vars over the defaults.
// A missing settings file is fine; a malformed one is an error.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json.
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	// Layer 3: env vars override.
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"STEPGATE_LISTEN_ADDR":   &cfg.ListenAddr,
		"STEPGATE_BASE_URL":      &cfg.BaseURL,
		"STEPGATE_DB_PATH":       &cfg.DBPath,
		"STEPGATE_LOG_LEVEL":     &cfg.LogLevel,
		"STEPGATE_WORKFLOWS_DIR": &cfg.WorkflowsDir,
		"STEPGATE_PIPELINES_DIR": &cfg.PipelinesDir,
		"STEPGATE_SKILLS_DIR":    &cfg.SkillsDir,
		"STEPGATE_SPAWN_COMMAND": &cfg.SpawnCommand,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	durs := map[string]*Duration{
		"STEPGATE_DISPATCH_TIMEOUT": &cfg.DispatchTimeout,
		"STEPGATE_EXEC_TIMEOUT":     &cfg.ExecTimeout,
		"STEPGATE_APPROVAL_TTL":     &cfg.ApprovalTTL,
		"STEPGATE_WEBHOOK_TIMEOUT":  &cfg.WebhookTimeout,
		"STEPGATE_EVENT_RETENTION":  &cfg.EventRetention,
	}
	for key, dst := range durs {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = Duration(d)
	}

	if v := os.Getenv("STEPGATE_LLM_COMMAND"); v != "" {
		argv, err := pipeline.SplitCommand(v)
		if err != nil {
			return fmt.Errorf("STEPGATE_LLM_COMMAND: %w", err)
		}
		cfg.LLMCommand = argv
	}
	if v := os.Getenv("STEPGATE_WATCH"); v != "" {
		cfg.Watch = v == "true" || v == "1"
	}
	return nil
}

// finalize derives the fields left empty after every layer was applied.
func (c *Config) finalize() {
	if c.BaseURL == "" {
		addr := c.ListenAddr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		c.BaseURL = "http://" + addr
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}
