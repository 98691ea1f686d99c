// Package loader reads workflow and pipeline definitions from disk.
//
// Definitions live one per file in a workflows directory and a pipelines
// directory, as YAML (.yaml, .yml) or JSON (.json). YAML is converted to its
// JSON form first so both formats go through the same decoders in
// pkg/schema. A definition without a name takes the file stem.
//
// A file that fails to decode or validate is skipped and reported through
// Problems; the rest of the set still loads. Load swaps the whole set
// atomically, so readers never see a half-reloaded directory.
package loader

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stepgate/internal/validation"
	"github.com/rendis/stepgate/pkg/schema"
)

// Config names the definition directories. Either may be empty.
type Config struct {
	WorkflowsDir string
	PipelinesDir string
}

// Problem is a definition file that could not be loaded.
type Problem struct {
	Path string `json:"path"`
	Err  error  `json:"-"`
}

func (p Problem) String() string {
	return p.Path + ": " + p.Err.Error()
}

// Loader is a reloadable, read-mostly set of definitions. It satisfies the
// definition sources of the workflow engine and the pipeline executor.
type Loader struct {
	cfg       Config
	validator *validation.Validator
	logger    *slog.Logger

	mu        sync.RWMutex
	workflows map[string]*schema.WorkflowDefinition
	pipelines map[string]*schema.PipelineDefinition
	problems  []Problem

	subMu       sync.Mutex
	subscribers []func()
}

// New creates an empty Loader. A nil validator skips validation.
func New(cfg Config, validator *validation.Validator, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		cfg:       cfg,
		validator: validator,
		logger:    logger,
		workflows: make(map[string]*schema.WorkflowDefinition),
		pipelines: make(map[string]*schema.PipelineDefinition),
	}
}

// Dirs returns the configured definition directories.
func (l *Loader) Dirs() []string {
	var dirs []string
	for _, d := range []string{l.cfg.WorkflowsDir, l.cfg.PipelinesDir} {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// OnReload registers fn to run after every Load.
func (l *Loader) OnReload(fn func()) {
	l.subMu.Lock()
	l.subscribers = append(l.subscribers, fn)
	l.subMu.Unlock()
}

// Load (re)reads both directories. Missing directories yield empty sets. The
// returned error covers directory-level failures only; per-file failures are
// in Problems.
func (l *Loader) Load() error {
	var problems []Problem

	workflows := make(map[string]*schema.WorkflowDefinition)
	err := walkDefinitions(l.cfg.WorkflowsDir, func(path string, data []byte) error {
		def, err := DecodeWorkflow(data, filepath.Ext(path))
		if err != nil {
			return err
		}
		if def.Name == "" {
			def.Name = stem(path)
		}
		if _, dup := workflows[def.Name]; dup {
			return schema.NewErrorf(schema.ErrCodeConflict, "duplicate workflow %q", def.Name)
		}
		if err := l.validateWorkflow(def); err != nil {
			return err
		}
		workflows[def.Name] = def
		return nil
	}, &problems)
	if err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}

	pipelines := make(map[string]*schema.PipelineDefinition)
	err = walkDefinitions(l.cfg.PipelinesDir, func(path string, data []byte) error {
		def, err := DecodePipeline(data, filepath.Ext(path))
		if err != nil {
			return err
		}
		if def.Name == "" {
			def.Name = stem(path)
		}
		if _, dup := pipelines[def.Name]; dup {
			return schema.NewErrorf(schema.ErrCodeConflict, "duplicate pipeline %q", def.Name)
		}
		if err := l.validatePipeline(def); err != nil {
			return err
		}
		pipelines[def.Name] = def
		return nil
	}, &problems)
	if err != nil {
		return fmt.Errorf("load pipelines: %w", err)
	}

	for _, p := range problems {
		l.logger.Warn("skipping definition",
			slog.String("path", p.Path),
			slog.String("error", p.Err.Error()),
		)
	}

	l.mu.Lock()
	l.workflows = workflows
	l.pipelines = pipelines
	l.problems = problems
	l.mu.Unlock()

	l.logger.Info("definitions loaded",
		slog.Int("workflows", len(workflows)),
		slog.Int("pipelines", len(pipelines)),
		slog.Int("problems", len(problems)),
	)
	l.notify()
	return nil
}

func (l *Loader) notify() {
	l.subMu.Lock()
	subs := append([]func(){}, l.subscribers...)
	l.subMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (l *Loader) validateWorkflow(def *schema.WorkflowDefinition) error {
	if l.validator == nil {
		return nil
	}
	result := l.validator.ValidateWorkflow(def)
	for _, w := range result.Warnings {
		l.logger.Warn("workflow definition warning",
			slog.String("workflow", def.Name),
			slog.String("warning", w.String()),
		)
	}
	return result.ToError(def.Name)
}

func (l *Loader) validatePipeline(def *schema.PipelineDefinition) error {
	if l.validator == nil {
		return nil
	}
	result := l.validator.ValidatePipeline(def)
	for _, w := range result.Warnings {
		l.logger.Warn("pipeline definition warning",
			slog.String("pipeline", def.Name),
			slog.String("warning", w.String()),
		)
	}
	return result.ToError(def.Name)
}

// LoadWorkflow returns the named workflow, or nil, nil if it is unknown.
func (l *Loader) LoadWorkflow(name string) (*schema.WorkflowDefinition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.workflows[name], nil
}

// LoadPipeline returns the named pipeline, or nil, nil if it is unknown.
func (l *Loader) LoadPipeline(name string) (*schema.PipelineDefinition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pipelines[name], nil
}

// ListPipelines returns all pipelines sorted by name.
func (l *Loader) ListPipelines() []*schema.PipelineDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*schema.PipelineDefinition, 0, len(l.pipelines))
	for _, name := range schema.SortedKeys(l.pipelines) {
		out = append(out, l.pipelines[name])
	}
	return out
}

// ListWorkflows returns all workflows sorted by name.
func (l *Loader) ListWorkflows() []*schema.WorkflowDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*schema.WorkflowDefinition, 0, len(l.workflows))
	for _, name := range schema.SortedKeys(l.workflows) {
		out = append(out, l.workflows[name])
	}
	return out
}

// Problems returns the files skipped by the last Load.
func (l *Loader) Problems() []Problem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Problem(nil), l.problems...)
}

// walkDefinitions calls fn for every definition file under dir in lexical
// order. Errors returned by fn are recorded as problems.
func walkDefinitions(dir string, fn func(path string, data []byte) error, problems *[]Problem) error {
	if dir == "" {
		return nil
	}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsDefinitionFile(path) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			*problems = append(*problems, Problem{Path: path, Err: err})
			return nil
		}
		if err := fn(path, data); err != nil {
			*problems = append(*problems, Problem{Path: path, Err: err})
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// IsDefinitionFile reports whether path has a definition extension. Hidden
// files and editor backups are ignored.
func IsDefinitionFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// DecodeWorkflow decodes a workflow document. ext selects the format; anything
// other than .json is treated as YAML.
func DecodeWorkflow(data []byte, ext string) (*schema.WorkflowDefinition, error) {
	doc, err := toJSON(data, ext)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode workflow").WithCause(err)
	}
	return &def, nil
}

// DecodePipeline decodes a pipeline document. ext selects the format; anything
// other than .json is treated as YAML.
func DecodePipeline(data []byte, ext string) (*schema.PipelineDefinition, error) {
	doc, err := toJSON(data, ext)
	if err != nil {
		return nil, err
	}
	var def schema.PipelineDefinition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode pipeline").WithCause(err)
	}
	return &def, nil
}

func toJSON(data []byte, ext string) ([]byte, error) {
	if strings.EqualFold(ext, ".json") {
		return data, nil
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "parse yaml").WithCause(err)
	}
	if raw == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty document")
	}
	doc, err := json.Marshal(normalize(raw))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "convert yaml to json").WithCause(err)
	}
	return doc, nil
}

// normalize turns YAML maps with non-string keys into JSON-compatible maps.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	default:
		return v
	}
}
