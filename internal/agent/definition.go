// Package agent manages the project's agent definitions: who can be routed
// to, what instructions and tools each agent carries, and which signing key
// identifies its events.
package agent

import (
	"fmt"
	"strings"
)

// Definition describes one routable agent.
type Definition struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description,omitempty" json:"description,omitempty"`
	Instructions string   `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Model        string   `yaml:"model,omitempty" json:"model,omitempty"`
	Tools        []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	PublicKey    string   `yaml:"public_key,omitempty" json:"public_key,omitempty"`

	// PM marks the project-manager agent, the routing fallback when the
	// orchestrator cannot produce a usable decision.
	PM bool `yaml:"pm,omitempty" json:"pm,omitempty"`
}

// Validate checks the fields every definition must carry.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("agent definition missing id")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("agent %q missing name", d.ID)
	}
	return nil
}

// HasTool reports whether the definition grants the named tool. An empty
// tool list grants everything in the project registry.
func (d *Definition) HasTool(name string) bool {
	if len(d.Tools) == 0 {
		return true
	}
	for _, t := range d.Tools {
		if t == name {
			return true
		}
	}
	return false
}
