// Package registry maps agent classes to the factories that build them.
// Conversation metadata names a class per internal participant; the
// lifecycle manager looks the factory up here when it starts the agent.
package registry

import (
	"fmt"
	"sync"

	"github.com/confab/confab/internal/agent/runtime"
	v1 "github.com/confab/confab/pkg/api/v1"
)

// Factory builds an agent instance for one participant. The participant
// carries the per-conversation config blob.
type Factory func(participant v1.Participant) (runtime.Agent, error)

// Registry holds the known agent classes.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for an agent class, replacing any previous one.
func (r *Registry) Register(class string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[class] = factory
}

// Create builds an agent for the participant's class.
func (r *Registry) Create(participant v1.Participant) (runtime.Agent, error) {
	r.mu.RLock()
	factory, ok := r.factories[participant.AgentClass]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent class %q", participant.AgentClass)
	}
	return factory(participant)
}

// Classes lists the registered class names.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	classes := make([]string, 0, len(r.factories))
	for class := range r.factories {
		classes = append(classes, class)
	}
	return classes
}
