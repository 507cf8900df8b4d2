package orchestrate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"niolab/internal/adapter/llm"
	"niolab/internal/domain"
)

// recordingBus captures published events synchronously.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(ctx context.Context, event domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }

func (b *recordingBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

// pipelineInvoker tells routing, expert, and synthesis calls apart by their
// system prompts, the way the real model sees them.
func pipelineInvoker(routing string, expertErr, synthErr error) *scriptedInvoker {
	return &scriptedInvoker{fn: func(messages []domain.Message, _ llm.InvokeOptions) (*llm.Completion, error) {
		system := messages[0].Content
		switch {
		case strings.Contains(system, "请分析用户需求"):
			return &llm.Completion{Content: routing}, nil
		case strings.Contains(system, "请综合各专家意见"):
			if synthErr != nil {
				return nil, synthErr
			}
			return &llm.Completion{Content: "综合建议"}, nil
		default:
			if expertErr != nil {
				return nil, expertErr
			}
			return &llm.Completion{Content: "专家意见"}, nil
		}
	}}
}

func newOrchestrator(inv llm.Invoker, bus domain.EventBus) *Orchestrator {
	reg := NewRegistry(discardLogger())
	return NewOrchestrator(
		NewRouter(inv, reg, discardLogger()),
		NewDispatcher(inv, reg, 6, 5, discardLogger()),
		NewSynthesizer(inv, reg, discardLogger()),
		bus,
		discardLogger(),
	)
}

func TestConverseHappyPath(t *testing.T) {
	inv := pipelineInvoker(`{"experts": ["product-manager", "tech-architect"], "reasoning": "产品加技术"}`, nil, nil)
	bus := &recordingBus{}
	o := newOrchestrator(inv, bus)

	result, err := o.Converse(context.Background(), "做一个新功能", nil)
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if !result.Succeeded {
		t.Fatalf("result = %+v, want success", result)
	}
	if result.RunID == "" {
		t.Error("missing run id")
	}
	if result.FinalResponse != "综合建议" {
		t.Errorf("final = %q", result.FinalResponse)
	}
	if len(result.ExpertResults) != 2 {
		t.Errorf("expert results = %d, want 2", len(result.ExpertResults))
	}
	if result.Routing.Method != domain.RoutingMethodModel {
		t.Errorf("routing method = %q", result.Routing.Method)
	}
	if result.FinishedAt.Before(result.StartedAt) {
		t.Error("finished before started")
	}

	types := bus.types()
	want := []domain.EventType{
		domain.EventRunStarted,
		domain.EventRunRouted,
		domain.EventExpertCompleted,
		domain.EventExpertCompleted,
		domain.EventRunSynthesized,
		domain.EventRunFinished,
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestConverseRejectsBlankInput(t *testing.T) {
	inv := replyWith("should never run")
	o := newOrchestrator(inv, nil)

	for _, input := range []string{"", "   ", "\n\t"} {
		_, err := o.Converse(context.Background(), input, nil)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Converse(%q) = %v, want ErrInvalidInput", input, err)
		}
	}
	if inv.calls != 0 {
		t.Errorf("invoker called %d times for blank input, want 0", inv.calls)
	}
}

func TestConversePartialExpertFailureStillSucceeds(t *testing.T) {
	// tech fails, product succeeds; synthesis runs on the survivor.
	inv := &scriptedInvoker{fn: func(messages []domain.Message, _ llm.InvokeOptions) (*llm.Completion, error) {
		system := messages[0].Content
		switch {
		case strings.Contains(system, "请分析用户需求"):
			return &llm.Completion{Content: `{"experts": ["product-manager", "tech-architect"]}`}, nil
		case strings.Contains(system, "请综合各专家意见"):
			return &llm.Completion{Content: "综合建议"}, nil
		case strings.Contains(system, "技术架构师"):
			return nil, domain.ErrUpstream
		default:
			return &llm.Completion{Content: "产品意见"}, nil
		}
	}}
	o := newOrchestrator(inv, nil)

	result, err := o.Converse(context.Background(), "评估方案", nil)
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if !result.Succeeded {
		t.Fatalf("result = %+v, want success despite one expert failing", result)
	}
	var failed, ok int
	for _, r := range result.ExpertResults {
		if r.Succeeded {
			ok++
		} else {
			failed++
		}
	}
	if ok != 1 || failed != 1 {
		t.Errorf("ok=%d failed=%d, want 1/1", ok, failed)
	}
}

func TestConverseSynthesisFailureIsFatal(t *testing.T) {
	inv := pipelineInvoker(`{"experts": ["product-manager"]}`, nil, domain.ErrTimeout)
	o := newOrchestrator(inv, nil)

	result, err := o.Converse(context.Background(), "做规划", nil)
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if result.Succeeded {
		t.Fatal("result succeeded despite synthesis failure")
	}
	if result.ErrorMessage == "" {
		t.Error("missing error message")
	}
	// The successful per-expert content is still returned.
	if len(result.ExpertResults) != 1 || !result.ExpertResults[0].Succeeded {
		t.Errorf("expert results = %+v", result.ExpertResults)
	}
}

func TestConverseAllExpertsFailing(t *testing.T) {
	// Synthesis still runs with zero expert successes and answers from the
	// user input alone.
	inv := pipelineInvoker(`{"experts": ["product-manager", "qa-engineer"]}`, domain.ErrUpstream, nil)
	o := newOrchestrator(inv, nil)

	result, err := o.Converse(context.Background(), "做规划", nil)
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if !result.Succeeded {
		t.Fatalf("result = %+v, want success from degraded synthesis", result)
	}
	if result.FinalResponse != "综合建议" {
		t.Errorf("final = %q", result.FinalResponse)
	}
	if len(result.ExpertResults) != 2 {
		t.Errorf("expert results = %d, want 2", len(result.ExpertResults))
	}
	for _, r := range result.ExpertResults {
		if r.Succeeded {
			t.Errorf("expert %s succeeded, want failure", r.ExpertID)
		}
	}
}

func TestConverseAllExpertsAndSynthesisFailing(t *testing.T) {
	inv := pipelineInvoker(`{"experts": ["product-manager"]}`, domain.ErrUpstream, domain.ErrUpstream)
	o := newOrchestrator(inv, nil)

	result, err := o.Converse(context.Background(), "做规划", nil)
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if result.Succeeded {
		t.Fatal("result succeeded with synthesis failing")
	}
	if result.ErrorMessage == "" {
		t.Error("missing error message")
	}
}

func TestConverseRunIDsAreUnique(t *testing.T) {
	inv := pipelineInvoker(`{"experts": ["product-manager"]}`, nil, nil)
	o := newOrchestrator(inv, nil)

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		result, err := o.Converse(context.Background(), "输入", nil)
		if err != nil {
			t.Fatalf("Converse: %v", err)
		}
		if seen[result.RunID] {
			t.Fatalf("duplicate run id %q", result.RunID)
		}
		seen[result.RunID] = true
	}
}
