package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tenex/tenex/internal/agent"
	"github.com/tenex/tenex/internal/llm"
)

// Common errors.
var (
	ErrToolNotFound   = errors.New("tool not found")
	ErrToolRegistered = errors.New("tool already registered")
)

type registered struct {
	tool   *Tool
	schema *jsonschema.Schema // nil when the tool declares no schema
}

// Registry holds the project's tools. Schemas are compiled at registration
// so malformed schemas fail fast instead of at call time.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registered)}
}

// Register adds a tool, compiling its argument schema.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool missing name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q missing handler", t.Name)
	}

	var compiled *jsonschema.Schema
	if len(t.Schema) > 0 {
		var doc any
		if err := json.Unmarshal(t.Schema, &doc); err != nil {
			return fmt.Errorf("tool %q: unmarshal schema: %w", t.Name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return fmt.Errorf("tool %q: add schema resource: %w", t.Name, err)
		}
		schema, err := c.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("tool %q: compile schema: %w", t.Name, err)
		}
		compiled = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolRegistered, t.Name)
	}
	r.tools[t.Name] = &registered{tool: t, schema: compiled}
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

// DefsFor returns the tool advertisements available to the given agent,
// respecting its tool grants.
func (r *Registry) DefsFor(def *agent.Definition) []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDef, 0, len(r.tools))
	for name, reg := range r.tools {
		if def == nil || def.HasTool(name) {
			out = append(out, reg.tool.Def())
		}
	}
	return out
}

// validate checks call arguments against the tool's compiled schema.
func (r *Registry) validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if reg.schema == nil {
		return nil
	}

	var doc any
	payload := args
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return reg.schema.Validate(doc)
}
