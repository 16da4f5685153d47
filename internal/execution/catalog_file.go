package execution

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// CatalogFile is the on-disk agent catalog, written as YAML or TOML:
//
//	agents:
//	  - id: crypto_analysis_agent
//	    kind: http
//	    url: http://127.0.0.1:2024/runs/wait
//	    timeout: 10m
//	  - id: report_agent
//	    kind: command
//	    command: ["python", "report_agent.py"]
type CatalogFile struct {
	Agents []AgentSpec `yaml:"agents" toml:"agents"`
}

type AgentSpec struct {
	ID          string `yaml:"id" toml:"id"`
	Kind        string `yaml:"kind" toml:"kind"`
	Description string `yaml:"description,omitempty" toml:"description"`
	Timeout     string `yaml:"timeout,omitempty" toml:"timeout"`

	// echo
	Delay string `yaml:"delay,omitempty" toml:"delay"`

	// command
	Command []string          `yaml:"command,omitempty" toml:"command"`
	Dir     string            `yaml:"dir,omitempty" toml:"dir"`
	Env     map[string]string `yaml:"env,omitempty" toml:"env"`

	// http
	URL         string            `yaml:"url,omitempty" toml:"url"`
	AssistantID string            `yaml:"assistant_id,omitempty" toml:"assistant_id"`
	Headers     map[string]string `yaml:"headers,omitempty" toml:"headers"`
}

// LoadCatalog reads a catalog file, choosing the decoder by extension.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	case ".toml":
		format = "toml"
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", filepath.Ext(path))
	}
	return ParseCatalog(data, format)
}

func ParseCatalog(data []byte, format string) (*Catalog, error) {
	var file CatalogFile
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("decode catalog: %w", err)
		}
	case "toml":
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("decode catalog: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", format)
	}

	agents := make([]Agent, 0, len(file.Agents))
	for i, spec := range file.Agents {
		agent, err := spec.build()
		if err != nil {
			return nil, fmt.Errorf("agents[%d]: %w", i, err)
		}
		agents = append(agents, agent)
	}
	return NewCatalog(agents...)
}

func (s AgentSpec) build() (Agent, error) {
	id := strings.TrimSpace(s.ID)
	if id == "" {
		return Agent{}, fmt.Errorf("id is required")
	}
	timeout, err := parseOptionalDuration("timeout", s.Timeout)
	if err != nil {
		return Agent{}, fmt.Errorf("%s: %w", id, err)
	}

	kind := strings.ToLower(strings.TrimSpace(s.Kind))
	var unit Unit
	switch kind {
	case KindEcho:
		delay, err := parseOptionalDuration("delay", s.Delay)
		if err != nil {
			return Agent{}, fmt.Errorf("%s: %w", id, err)
		}
		unit = &EchoUnit{Delay: delay}
	case KindCommand:
		u, err := NewCommandUnit(s.Command, s.Dir, s.Env)
		if err != nil {
			return Agent{}, fmt.Errorf("%s: %w", id, err)
		}
		unit = u
	case KindHTTP:
		u, err := NewHTTPUnit(s.URL, s.AssistantID, s.Headers)
		if err != nil {
			return Agent{}, fmt.Errorf("%s: %w", id, err)
		}
		unit = u
	default:
		return Agent{}, fmt.Errorf("%s: unknown kind %q", id, s.Kind)
	}

	return Agent{
		ID:          id,
		Kind:        kind,
		Description: strings.TrimSpace(s.Description),
		Timeout:     timeout,
		Unit:        unit,
	}, nil
}
