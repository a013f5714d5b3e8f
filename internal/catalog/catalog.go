// ABOUTME: Read-only agent catalog loaded from a directory of descriptor files
// ABOUTME: Accepts JSON and TOML descriptors and groups agents by sales stage

package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Pipeline stages every catalog reports, even when empty
var Stages = []string{"targeting", "origination", "progression", "growth"}

// ErrAgentNotFound is returned when an agent ID is not in the catalog
var ErrAgentNotFound = errors.New("agent not found")

// Agent describes one workflow entry point in the external engine.
type Agent struct {
	ID          string `json:"id" toml:"id"`
	Name        string `json:"name,omitempty" toml:"name"`
	Stage       string `json:"stage" toml:"stage"`
	WebhookPath string `json:"webhook_path" toml:"webhook_path"`
	Description string `json:"description,omitempty" toml:"description"`
}

// Catalog is an immutable snapshot of agent descriptors. Safe for concurrent use.
type Catalog struct {
	agents map[string]*Agent
	order  []string // agent IDs sorted by file name
}

// New builds a catalog from already-parsed agents. Later duplicates are ignored.
func New(agents []*Agent) *Catalog {
	c := &Catalog{agents: make(map[string]*Agent, len(agents))}
	for _, a := range agents {
		if _, dup := c.agents[a.ID]; dup {
			continue
		}
		c.agents[a.ID] = a
		c.order = append(c.order, a.ID)
	}
	return c
}

// Load reads every *.json and *.toml file in dir. A missing directory yields an
// empty catalog; a malformed file is an error.
func Load(dir string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "catalog")

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("agents directory not found, catalog is empty", "dir", dir)
		return New(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading agents directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".toml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	agents := make([]*Agent, 0, len(names))
	for _, name := range names {
		a, err := loadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}

	c := New(agents)
	logger.Info("agent catalog loaded", "dir", dir, "agents", len(c.order))
	return c, nil
}

func loadFile(path string) (*Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent file %s: %w", path, err)
	}

	var a Agent
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err = toml.Decode(string(data), &a)
	} else {
		err = json.Unmarshal(data, &a)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing agent file %s: %w", path, err)
	}

	if a.ID == "" {
		return nil, fmt.Errorf("agent file %s: id is required", path)
	}
	if a.WebhookPath == "" {
		return nil, fmt.Errorf("agent file %s: webhook_path is required", path)
	}
	if !strings.HasPrefix(a.WebhookPath, "/") {
		a.WebhookPath = "/" + a.WebhookPath
	}
	return &a, nil
}

// Get returns the agent with the given ID.
func (c *Catalog) Get(id string) (*Agent, error) {
	a, ok := c.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return a, nil
}

// List returns all agents in load order.
func (c *Catalog) List() []*Agent {
	out := make([]*Agent, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.agents[id])
	}
	return out
}

// Grouped returns agents keyed by stage. The standard stages are always present;
// agents with other stages get a group of their own.
func (c *Catalog) Grouped() map[string][]*Agent {
	grouped := make(map[string][]*Agent, len(Stages))
	for _, s := range Stages {
		grouped[s] = []*Agent{}
	}
	for _, a := range c.List() {
		grouped[a.Stage] = append(grouped[a.Stage], a)
	}
	return grouped
}

// Len returns the number of agents in the catalog.
func (c *Catalog) Len() int {
	return len(c.order)
}
