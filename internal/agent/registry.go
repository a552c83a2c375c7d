package agent

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tenex/tenex/internal/common/logger"
)

// Common errors.
var (
	ErrNotFound = errors.New("agent not found")
	ErrNoPM     = errors.New("no project-manager agent defined")
)

// definitionsFile is the on-disk shape of agents.yaml.
type definitionsFile struct {
	Version string        `yaml:"version,omitempty"`
	Agents  []*Definition `yaml:"agents"`
}

// Registry holds the loaded agent definitions.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Definition
	byKey  map[string]*Definition
	pmID   string
	logger *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Definition),
		byKey:  make(map[string]*Definition),
		logger: log.WithFields(zap.String("component", "agent-registry")),
	}
}

// LoadFromFile loads agent definitions from a YAML file. Invalid entries
// are skipped with a warning; duplicates are rejected.
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read agent definitions: %w", err)
	}

	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse agent definitions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, def := range file.Agents {
		if err := def.Validate(); err != nil {
			r.logger.Warn("skipping invalid agent definition", zap.Error(err))
			continue
		}
		if _, exists := r.agents[def.ID]; exists {
			return fmt.Errorf("duplicate agent id %q", def.ID)
		}
		r.agents[def.ID] = def
		if def.PublicKey != "" {
			r.byKey[def.PublicKey] = def
		}
		if def.PM {
			if r.pmID != "" {
				return fmt.Errorf("multiple project-manager agents: %q and %q", r.pmID, def.ID)
			}
			r.pmID = def.ID
		}
		r.logger.Info("loaded agent definition", zap.String("agent_id", def.ID))
	}
	return nil
}

// LoadDefaults installs the built-in definitions used when no agents.yaml
// is configured.
func (r *Registry) LoadDefaults() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range defaultAgents() {
		r.agents[def.ID] = def
		if def.PM {
			r.pmID = def.ID
		}
		r.logger.Info("loaded default agent definition", zap.String("agent_id", def.ID))
	}
}

// Get returns an agent definition by id.
func (r *Registry) Get(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return def, nil
}

// Has reports whether the agent id is known.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// ByKey resolves an agent definition from its signing key.
func (r *Registry) ByKey(publicKey string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byKey[publicKey]
	return def, ok
}

// PM returns the project-manager agent, the fallback routing target.
func (r *Registry) PM() (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.pmID == "" {
		return nil, ErrNoPM
	}
	return r.agents[r.pmID], nil
}

// List returns all definitions.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.agents))
	for _, def := range r.agents {
		out = append(out, def)
	}
	return out
}
