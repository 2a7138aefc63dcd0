package flow

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalogs/*.yaml
var builtinCatalogs embed.FS

// Rule types understood by the validator.
const (
	RuleRequired  = "required"
	RuleMinLength = "min_length"
	RuleMaxLength = "max_length"
	RuleUnique    = "unique"
	RuleOneOf     = "one_of"
)

type Rule struct {
	Type    string   `yaml:"type"`
	Value   int      `yaml:"value,omitempty"`
	Values  []string `yaml:"values,omitempty"`
	Message string   `yaml:"message,omitempty"`
}

// StepDefinition is one static step of a dialog.
type StepDefinition struct {
	Name      string `yaml:"name"`
	Field     string `yaml:"field"`
	Prompt    string `yaml:"prompt"`
	Skippable bool   `yaml:"skippable"`
	// Terminal marks the confirmation step that triggers finalize.
	Terminal bool   `yaml:"terminal"`
	Rules    []Rule `yaml:"rules"`
}

// Catalog is the ordered step list of one dialog kind.
type Catalog struct {
	Kind      string           `yaml:"kind"`
	Title     string           `yaml:"title"`
	Completed string           `yaml:"completed_message"`
	Cancelled string           `yaml:"cancelled_message"`
	Resume    string           `yaml:"resume_message"`
	Steps     []StepDefinition `yaml:"steps"`
}

// Validate checks structural constraints of a catalog.
func (c *Catalog) Validate() error {
	if strings.TrimSpace(c.Kind) == "" {
		return fmt.Errorf("catalog kind required")
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("catalog %s: no steps", c.Kind)
	}
	seen := make(map[string]struct{}, len(c.Steps))
	hasInitial := false
	for i, st := range c.Steps {
		if st.Name == "" {
			return fmt.Errorf("catalog %s: step %d has no name", c.Kind, i)
		}
		if _, dup := seen[st.Name]; dup {
			return fmt.Errorf("catalog %s: duplicate step %q", c.Kind, st.Name)
		}
		seen[st.Name] = struct{}{}
		if !st.Skippable && !st.Terminal {
			hasInitial = true
		}
		if st.Terminal && i != len(c.Steps)-1 {
			return fmt.Errorf("catalog %s: terminal step %q must be last, exactly one allowed", c.Kind, st.Name)
		}
		if !st.Terminal && st.Field == "" {
			return fmt.Errorf("catalog %s: step %q has no field", c.Kind, st.Name)
		}
		for _, r := range st.Rules {
			switch r.Type {
			case RuleRequired, RuleMinLength, RuleMaxLength, RuleUnique, RuleOneOf:
			default:
				return fmt.Errorf("catalog %s: step %q: unknown rule %q", c.Kind, st.Name, r.Type)
			}
		}
	}
	if !hasInitial {
		return fmt.Errorf("catalog %s: needs at least one step that cannot be skipped", c.Kind)
	}
	if !c.Steps[len(c.Steps)-1].Terminal {
		return fmt.Errorf("catalog %s: last step must be terminal", c.Kind)
	}
	return nil
}

// Initial returns the first step that cannot be skipped.
func (c *Catalog) Initial() StepDefinition {
	for _, st := range c.Steps {
		if !st.Skippable && !st.Terminal {
			return st
		}
	}
	return c.Steps[0]
}

func (c *Catalog) index(name string) int {
	for i, st := range c.Steps {
		if st.Name == name {
			return i
		}
	}
	return -1
}

// Step looks up a step by name.
func (c *Catalog) Step(name string) (StepDefinition, bool) {
	if i := c.index(name); i >= 0 {
		return c.Steps[i], true
	}
	return StepDefinition{}, false
}

func (c *Catalog) stepForField(field string) (StepDefinition, bool) {
	for _, st := range c.Steps {
		if st.Field != "" && strings.EqualFold(st.Field, field) {
			return st, true
		}
	}
	return StepDefinition{}, false
}

// LoadCatalogs parses the built-in catalogs and, if extraFile is set, a YAML
// file of additional catalogs that may override built-ins by kind.
func LoadCatalogs(extraFile string) (map[string]*Catalog, error) {
	out := make(map[string]*Catalog)
	entries, err := fs.ReadDir(builtinCatalogs, "catalogs")
	if err != nil {
		return nil, fmt.Errorf("read builtin catalogs: %w", err)
	}
	for _, e := range entries {
		raw, err := builtinCatalogs.ReadFile(path.Join("catalogs", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", e.Name(), err)
		}
		var c Catalog
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", e.Name(), err)
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		out[c.Kind] = &c
	}
	if strings.TrimSpace(extraFile) == "" {
		return out, nil
	}
	raw, err := os.ReadFile(extraFile)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var extra struct {
		Catalogs []Catalog `yaml:"catalogs"`
	}
	if err := yaml.Unmarshal(raw, &extra); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}
	for i := range extra.Catalogs {
		c := extra.Catalogs[i]
		if err := c.Validate(); err != nil {
			return nil, err
		}
		out[c.Kind] = &c
	}
	return out, nil
}
