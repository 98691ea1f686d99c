// Package skills loads the skill catalog: markdown files with YAML front matter
// under the configured skills directory (either <dir>/*.md or <dir>/<name>/SKILL.md).
package skills

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrMissingFrontMatter   = errors.New("skills: missing front matter")
	ErrMalformedFrontMatter = errors.New("skills: malformed front matter")
)

// Output formats accepted by Render.
const (
	FormatSummary = "summary"
	FormatFull    = "full"
	FormatContent = "content"
)

// Skill is one catalog entry.
type Skill struct {
	Name            string   `yaml:"name" json:"name"`
	Description     string   `yaml:"description" json:"description"`
	Tags            []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	AlwaysApply     bool     `yaml:"always_apply,omitempty" json:"always_apply,omitempty"`
	InjectionFormat string   `yaml:"injection_format,omitempty" json:"injection_format,omitempty"` // summary (default), full or content
	Content         string   `yaml:"-" json:"-"`
	Path            string   `yaml:"-" json:"path"`
}

// Catalog is a reloadable, read-mostly set of skills.
type Catalog struct {
	dir string

	mu     sync.RWMutex
	skills map[string]Skill
}

// NewCatalog creates an empty catalog rooted at dir. Call Load to populate it.
func NewCatalog(dir string) *Catalog {
	return &Catalog{dir: dir, skills: make(map[string]Skill)}
}

// Load (re)reads the skills directory. A missing directory yields an empty catalog.
// Files without front matter are indexed under their file name.
func (c *Catalog) Load() error {
	loaded := make(map[string]Skill)
	if c.dir == "" {
		c.swap(loaded)
		return nil
	}
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read skill %s: %w", path, err)
		}
		skill, err := Parse(data)
		if err != nil && !errors.Is(err, ErrMissingFrontMatter) {
			return fmt.Errorf("parse skill %s: %w", path, err)
		}
		if skill.Name == "" {
			skill.Name = defaultName(path)
		}
		skill.Path = path
		loaded[skill.Name] = skill
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	c.swap(loaded)
	return nil
}

func (c *Catalog) swap(skills map[string]Skill) {
	c.mu.Lock()
	c.skills = skills
	c.mu.Unlock()
}

// defaultName uses the parent directory for SKILL.md files, the file stem otherwise.
func defaultName(path string) string {
	base := filepath.Base(path)
	if strings.EqualFold(base, "SKILL.md") {
		return filepath.Base(filepath.Dir(path))
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Parse splits a markdown document into front matter and body.
func Parse(content []byte) (Skill, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Skill{Content: strings.TrimSpace(string(normalized))}, ErrMissingFrontMatter
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Skill{}, ErrMalformedFrontMatter
	}
	var s Skill
	if err := yaml.Unmarshal(parts[0], &s); err != nil {
		return Skill{}, fmt.Errorf("skills: parse front matter: %w", err)
	}
	s.Content = strings.TrimSpace(string(parts[1]))
	return s, nil
}

// Get returns a skill by name.
func (c *Catalog) Get(name string) (Skill, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.skills[name]
	return s, ok
}

// Find returns skills matching filter, sorted by name. An empty filter matches all.
// A filter matches the name exactly, a tag, or a case-insensitive substring of the
// name or description. The term "always_apply" matches skills flagged always_apply.
// Comma-separated filters are OR-ed.
func (c *Catalog) Find(filter string) []Skill {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var terms []string
	for _, t := range strings.Split(filter, ",") {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			terms = append(terms, t)
		}
	}

	out := make([]Skill, 0, len(c.skills))
	for _, s := range c.skills {
		if len(terms) == 0 || matches(s, terms) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func matches(s Skill, terms []string) bool {
	name := strings.ToLower(s.Name)
	desc := strings.ToLower(s.Description)
	for _, term := range terms {
		if term == "always_apply" {
			if s.AlwaysApply {
				return true
			}
			continue
		}
		if strings.Contains(name, term) || strings.Contains(desc, term) {
			return true
		}
		for _, tag := range s.Tags {
			if strings.EqualFold(tag, term) {
				return true
			}
		}
	}
	return false
}

// Render formats skills for context injection.
//   - summary: one "- name: description" line per skill
//   - full:    a heading, the description and the body per skill
//   - content: bodies only
func Render(list []Skill, format string) (string, error) {
	var b strings.Builder
	for i, s := range list {
		switch format {
		case "", FormatSummary:
			fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
		case FormatFull:
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "## %s\n\n", s.Name)
			if s.Description != "" {
				b.WriteString(s.Description + "\n\n")
			}
			b.WriteString(s.Content + "\n")
		case FormatContent:
			if i > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(s.Content)
		default:
			return "", fmt.Errorf("unknown skill format %q (want summary, full or content)", format)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// RenderInjection formats skills by their own InjectionFormat. Summary skills
// are grouped under one "## Available Skills" list, full skills get a
// "### <name>" section and content skills contribute their body alone.
func RenderInjection(list []Skill) string {
	var summaries, sections []string
	for _, s := range list {
		switch s.InjectionFormat {
		case FormatFull:
			sec := "### " + s.Name + "\n\n"
			if s.Description != "" {
				sec += s.Description + "\n\n"
			}
			sections = append(sections, strings.TrimRight(sec+s.Content, "\n"))
		case FormatContent:
			if s.Content != "" {
				sections = append(sections, s.Content)
			}
		default:
			summaries = append(summaries, fmt.Sprintf("- %s: %s", s.Name, s.Description))
		}
	}
	var parts []string
	if len(summaries) > 0 {
		parts = append(parts, "## Available Skills\n\n"+strings.Join(summaries, "\n"))
	}
	parts = append(parts, sections...)
	return strings.Join(parts, "\n\n")
}

// Len returns the number of loaded skills.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.skills)
}
