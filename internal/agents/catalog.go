// Package agents holds the catalog of coding-agent CLIs a build can drive.
// The built-in catalog is embedded; a YAML file can override entries or add
// new ones. Values may reference environment variables via ${VAR} or $VAR.
package agents

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/p-blackswan/storyforge/internal/agentproc"
	perrors "github.com/p-blackswan/storyforge/internal/errors"
)

//go:embed builtin.yaml
var builtinYAML []byte

const (
	promptPlaceholder = "{{prompt}}"
	modelPlaceholder  = "{{model}}"
)

// Model is a model an agent can be asked to use.
type Model struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
}

// Plugin describes one agent CLI.
type Plugin struct {
	ID             string   `yaml:"id" json:"id"`
	Name           string   `yaml:"name" json:"name"`
	Command        string   `yaml:"command" json:"command"`
	VersionCommand []string `yaml:"version_command" json:"versionCommand"`
	// PrintArgs run the agent non-interactively; {{prompt}} is replaced
	// with the story prompt.
	PrintArgs []string `yaml:"print_args" json:"printArgs"`
	// ModelArgs are appended when a model is selected; {{model}} is replaced.
	ModelArgs       []string `yaml:"model_args,omitempty" json:"modelArgs,omitempty"`
	DefaultModel    string   `yaml:"default_model,omitempty" json:"defaultModel,omitempty"`
	SupportedModels []Model  `yaml:"supported_models,omitempty" json:"supportedModels"`
	Capabilities    []string `yaml:"capabilities" json:"capabilities"`
	Website         string   `yaml:"website,omitempty" json:"website,omitempty"`
	Description     string   `yaml:"description,omitempty" json:"description,omitempty"`
}

type catalogFile struct {
	Agents []Plugin `yaml:"agents"`
}

// Catalog is an immutable set of plugins keyed by id.
type Catalog struct {
	order []string
	byID  map[string]Plugin
}

// Builtin returns the embedded catalog.
func Builtin() (*Catalog, error) {
	return LoadCatalogBytes(builtinYAML)
}

// LoadCatalog returns the built-in catalog merged with the plugins in path.
// Entries in the file replace built-ins with the same id. An empty path
// returns the built-ins.
func LoadCatalog(path string) (*Catalog, error) {
	c, err := Builtin()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return c, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agents: read %s: %w", path, err)
	}
	extra, err := parse(raw)
	if err != nil {
		return nil, fmt.Errorf("agents: parse %s: %w", path, err)
	}
	for _, p := range extra {
		c.put(p)
	}
	return c, nil
}

// LoadCatalogBytes parses a catalog document.
func LoadCatalogBytes(data []byte) (*Catalog, error) {
	plugins, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("agents: parse: %w", err)
	}
	c := &Catalog{byID: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		c.put(p)
	}
	return c, nil
}

func parse(data []byte) ([]Plugin, error) {
	var f catalogFile
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &f); err != nil {
		return nil, err
	}
	for i, p := range f.Agents {
		if p.ID == "" {
			return nil, fmt.Errorf("agent %d: id is required: %w", i, perrors.ErrInvalidInput)
		}
		if p.Command == "" {
			return nil, fmt.Errorf("agent %s: command is required: %w", p.ID, perrors.ErrInvalidInput)
		}
		if !containsPlaceholder(p.PrintArgs, promptPlaceholder) {
			return nil, fmt.Errorf("agent %s: print_args must contain %s: %w", p.ID, promptPlaceholder, perrors.ErrInvalidInput)
		}
		if p.Name == "" {
			f.Agents[i].Name = p.ID
		}
	}
	return f.Agents, nil
}

func (c *Catalog) put(p Plugin) {
	if _, ok := c.byID[p.ID]; !ok {
		c.order = append(c.order, p.ID)
	}
	c.byID[p.ID] = p
}

// Get returns the plugin with id.
func (c *Catalog) Get(id string) (Plugin, error) {
	p, ok := c.byID[id]
	if !ok {
		return Plugin{}, fmt.Errorf("agent %q: %w", id, perrors.ErrNotFound)
	}
	return p, nil
}

// List returns every plugin in catalog order.
func (c *Catalog) List() []Plugin {
	out := make([]Plugin, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// IDs returns the sorted plugin ids.
func (c *Catalog) IDs() []string {
	ids := append([]string(nil), c.order...)
	sort.Strings(ids)
	return ids
}

// Command builds the spawn command that runs agentID on prompt inside
// workDir. An empty model uses the plugin's default; plugins without model
// arguments ignore it.
func (c *Catalog) Command(agentID, model, prompt, workDir string) (agentproc.Command, error) {
	p, err := c.Get(agentID)
	if err != nil {
		return agentproc.Command{}, err
	}
	if model == "" {
		model = p.DefaultModel
	}

	args := make([]string, 0, len(p.PrintArgs)+len(p.ModelArgs))
	for _, a := range p.PrintArgs {
		args = append(args, strings.ReplaceAll(a, promptPlaceholder, prompt))
	}
	if model != "" {
		for _, a := range p.ModelArgs {
			args = append(args, strings.ReplaceAll(a, modelPlaceholder, model))
		}
	}

	return agentproc.Command{
		Executable: p.Command,
		Args:       args,
		WorkDir:    workDir,
		AgentID:    p.ID,
	}, nil
}

func containsPlaceholder(args []string, placeholder string) bool {
	for _, a := range args {
		if strings.Contains(a, placeholder) {
			return true
		}
	}
	return false
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with their environment values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
