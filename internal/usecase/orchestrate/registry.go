package orchestrate

import (
	_ "embed"
	"fmt"
	"log/slog"
	"sync"

	"gopkg.in/yaml.v3"

	"niolab/internal/domain"
)

//go:embed experts.yaml
var expertCatalogYAML []byte

// fallbackSynthesizerPrompt is used when the embedded catalog cannot be
// parsed, so synthesis still has a persona to speak with.
const fallbackSynthesizerPrompt = "你是破界实验室的核心编排代理nio。"

type expertCatalog struct {
	Experts     []domain.ExpertDefinition `yaml:"experts"`
	Synthesizer domain.ExpertDefinition   `yaml:"synthesizer"`
}

// Registry holds expert definitions: the built-in catalog plus custom
// experts added at runtime. Custom experts live in memory only and are gone
// after a restart.
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]domain.ExpertDefinition
	order       []string // insertion order for List
	synthesizer domain.ExpertDefinition
	logger      *slog.Logger
}

// NewRegistry creates a registry seeded with the embedded expert catalog.
// A corrupt catalog degrades to an empty registry with a warning instead of
// failing startup.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		byID:   make(map[string]domain.ExpertDefinition),
		logger: logger,
		synthesizer: domain.ExpertDefinition{
			ID:           "nio",
			DisplayName:  "nio",
			Role:         "核心编排代理",
			SystemPrompt: fallbackSynthesizerPrompt,
			BuiltIn:      true,
		},
	}

	var catalog expertCatalog
	if err := yaml.Unmarshal(expertCatalogYAML, &catalog); err != nil {
		logger.Warn("expert catalog unreadable, starting with empty registry", "error", err)
		return r
	}

	for _, def := range catalog.Experts {
		def.BuiltIn = true
		if err := def.Validate(); err != nil {
			logger.Warn("skipping invalid built-in expert", "id", def.ID, "error", err)
			continue
		}
		r.byID[def.ID] = def
		r.order = append(r.order, def.ID)
	}
	if catalog.Synthesizer.SystemPrompt != "" {
		catalog.Synthesizer.BuiltIn = true
		r.synthesizer = catalog.Synthesizer
	}

	logger.Debug("expert registry loaded", "experts", len(r.order))
	return r
}

// Get returns the expert with the given id.
func (r *Registry) Get(id string) (domain.ExpertDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byID[id]
	if !ok {
		return domain.ExpertDefinition{}, domain.NewDomainError("Registry.Get", domain.ErrNotFound,
			fmt.Sprintf("expert %q", id))
	}
	return def, nil
}

// List returns all experts in insertion order: built-ins first, then custom
// experts in the order they were added.
func (r *Registry) List() []domain.ExpertDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ExpertDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// IDs returns all registered expert ids in insertion order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Add registers a custom expert. The definition must be complete and the id
// must not collide with an existing expert.
func (r *Registry) Add(def domain.ExpertDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	def.BuiltIn = false

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[def.ID]; exists {
		return domain.NewDomainError("Registry.Add", domain.ErrDuplicate,
			fmt.Sprintf("expert %q", def.ID))
	}
	r.byID[def.ID] = def
	r.order = append(r.order, def.ID)

	r.logger.Info("custom expert added", "id", def.ID, "name", def.DisplayName)
	return nil
}

// Remove deletes a custom expert. Built-in experts cannot be removed.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.byID[id]
	if !ok {
		return domain.NewDomainError("Registry.Remove", domain.ErrNotFound,
			fmt.Sprintf("expert %q", id))
	}
	if def.BuiltIn {
		return domain.NewDomainError("Registry.Remove", domain.ErrProtected,
			fmt.Sprintf("expert %q", id))
	}

	delete(r.byID, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.logger.Info("custom expert removed", "id", id)
	return nil
}

// Synthesizer returns the orchestration persona used for routing and
// synthesis prompts.
func (r *Registry) Synthesizer() domain.ExpertDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.synthesizer
}
