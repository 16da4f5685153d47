package execution

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Catalog is the immutable set of agents a gateway can run.
type Catalog struct {
	agents map[string]Agent
}

func NewCatalog(agents ...Agent) (*Catalog, error) {
	c := &Catalog{agents: make(map[string]Agent, len(agents))}
	for _, a := range agents {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return nil, errors.New("agent id is required")
		}
		if a.Unit == nil {
			return nil, fmt.Errorf("agent %s: unit is required", id)
		}
		if _, dup := c.agents[id]; dup {
			return nil, fmt.Errorf("agent %s: duplicate id", id)
		}
		a.ID = id
		c.agents[id] = a
	}
	if len(c.agents) == 0 {
		return nil, errors.New("catalog has no agents")
	}
	return c, nil
}

// DefaultCatalog serves a single builtin echo agent.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(Agent{
		ID:          "echo",
		Kind:        KindEcho,
		Description: "returns its input",
		Unit:        &EchoUnit{},
	})
	return c
}

func (c *Catalog) Lookup(id string) (Agent, bool) {
	a, ok := c.agents[strings.TrimSpace(id)]
	return a, ok
}

// IDs lists agent identifiers in lexical order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.agents))
	for id := range c.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Describe returns a serialisable summary of every agent.
func (c *Catalog) Describe() []AgentInfo {
	out := make([]AgentInfo, 0, len(c.agents))
	for _, id := range c.IDs() {
		a := c.agents[id]
		info := AgentInfo{ID: a.ID, Kind: a.Kind, Description: a.Description}
		if a.Timeout > 0 {
			info.Timeout = a.Timeout.String()
		}
		out = append(out, info)
	}
	return out
}

type AgentInfo struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

func parseOptionalDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be >= 0", field)
	}
	return d, nil
}
