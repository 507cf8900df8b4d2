package domain

// ExpertDefinition describes a persona the router may delegate a request to.
// Built-in experts are loaded once at startup and are immutable; custom
// experts live in memory only and disappear on restart.
type ExpertDefinition struct {
	ID              string   `json:"id" yaml:"id"`
	DisplayName     string   `json:"name" yaml:"name"`
	Role            string   `json:"role" yaml:"role"`
	SystemPrompt    string   `json:"systemPrompt" yaml:"system_prompt"`
	ExpertiseAreas  []string `json:"expertiseAreas" yaml:"expertise_areas"`
	TriggerKeywords []string `json:"triggerKeywords" yaml:"trigger_keywords"`
	BuiltIn         bool     `json:"builtIn" yaml:"-"`
}

// Validate reports whether the definition carries all required fields.
func (e ExpertDefinition) Validate() error {
	if e.ID == "" || e.DisplayName == "" || e.Role == "" || e.SystemPrompt == "" {
		return NewDomainError("Expert.Validate", ErrInvalidInput,
			"id, name, role and systemPrompt are required")
	}
	return nil
}
