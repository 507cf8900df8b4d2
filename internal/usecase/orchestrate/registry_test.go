package orchestrate

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"niolab/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryLoadsBuiltins(t *testing.T) {
	r := NewRegistry(discardLogger())

	want := []string{"product-manager", "tech-architect", "ux-designer", "data-analyst", "qa-engineer"}
	got := r.IDs()
	if len(got) != len(want) {
		t.Fatalf("IDs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("IDs()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	pm, err := r.Get("product-manager")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !pm.BuiltIn {
		t.Error("catalog experts must be marked built-in")
	}
	if pm.SystemPrompt == "" {
		t.Error("catalog expert missing system prompt")
	}

	if syn := r.Synthesizer(); syn.ID != "nio" || syn.SystemPrompt == "" {
		t.Errorf("Synthesizer() = %+v", syn)
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	r := NewRegistry(discardLogger())

	def := domain.ExpertDefinition{
		ID:           "legal-advisor",
		DisplayName:  "法务顾问",
		Role:         "法务专家",
		SystemPrompt: "你是法务顾问。",
	}
	if err := r.Add(def); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := r.Get("legal-advisor")
	if err != nil {
		t.Fatalf("Get after Add: %v", err)
	}
	if got.DisplayName != def.DisplayName || got.SystemPrompt != def.SystemPrompt {
		t.Errorf("Get = %+v, want %+v", got, def)
	}
	if got.BuiltIn {
		t.Error("added expert must not be built-in")
	}

	// Built-ins are protected and survive a removal attempt.
	if err := r.Remove("product-manager"); !errors.Is(err, domain.ErrProtected) {
		t.Errorf("Remove(built-in) = %v, want ErrProtected", err)
	}
	if _, err := r.Get("product-manager"); err != nil {
		t.Error("built-in expert vanished after rejected removal")
	}

	if err := r.Remove("legal-advisor"); err != nil {
		t.Fatalf("Remove(custom): %v", err)
	}
	if _, err := r.Get("legal-advisor"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get after Remove = %v, want ErrNotFound", err)
	}
}

func TestRegistryAddValidation(t *testing.T) {
	r := NewRegistry(discardLogger())

	incomplete := domain.ExpertDefinition{ID: "x", DisplayName: "X"}
	if err := r.Add(incomplete); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Add(incomplete) = %v, want ErrInvalidInput", err)
	}

	dup := domain.ExpertDefinition{
		ID: "product-manager", DisplayName: "冒名", Role: "r", SystemPrompt: "p",
	}
	if err := r.Add(dup); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("Add(duplicate) = %v, want ErrDuplicate", err)
	}
}

func TestRegistryListOrder(t *testing.T) {
	r := NewRegistry(discardLogger())
	if err := r.Add(domain.ExpertDefinition{
		ID: "zz-custom", DisplayName: "Z", Role: "r", SystemPrompt: "p",
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	list := r.List()
	if list[0].ID != "product-manager" {
		t.Errorf("first expert = %q, want product-manager", list[0].ID)
	}
	if list[len(list)-1].ID != "zz-custom" {
		t.Errorf("last expert = %q, want the freshly added one", list[len(list)-1].ID)
	}
}
