package orchestrate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"niolab/internal/adapter/llm"
	"niolab/internal/domain"
)

func TestSynthesizeJoinsSuccessfulResults(t *testing.T) {
	var gotUser string
	inv := &scriptedInvoker{fn: func(messages []domain.Message, _ llm.InvokeOptions) (*llm.Completion, error) {
		gotUser = messages[len(messages)-1].Content
		return &llm.Completion{Content: "最终建议"}, nil
	}}
	s := NewSynthesizer(inv, NewRegistry(discardLogger()), discardLogger())

	results := []domain.ExpertResult{
		{ExpertID: "product-manager", ExpertName: "产品经理", Succeeded: true, Content: "做MVP"},
		{ExpertID: "tech-architect", ExpertName: "技术架构师", Succeeded: false, ErrorMessage: "timeout"},
		{ExpertID: "data-analyst", ExpertName: "数据分析师", Succeeded: true, Content: "先定指标"},
	}
	final, err := s.Synthesize(context.Background(), "怎么起步", results)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if final != "最终建议" {
		t.Errorf("final = %q", final)
	}

	if !strings.Contains(gotUser, "【产品经理】\n做MVP") {
		t.Errorf("prompt missing labeled opinion: %q", gotUser)
	}
	if !strings.Contains(gotUser, "\n\n---\n\n") {
		t.Error("opinions must be separated by ---")
	}
	if strings.Contains(gotUser, "技术架构师") {
		t.Error("failed expert leaked into the synthesis prompt")
	}
}

func TestSynthesizeWithZeroSuccesses(t *testing.T) {
	var gotUser string
	inv := &scriptedInvoker{fn: func(messages []domain.Message, _ llm.InvokeOptions) (*llm.Completion, error) {
		gotUser = messages[len(messages)-1].Content
		return &llm.Completion{Content: "直接回答"}, nil
	}}
	s := NewSynthesizer(inv, NewRegistry(discardLogger()), discardLogger())

	results := []domain.ExpertResult{
		{ExpertID: "product-manager", ExpertName: "产品经理", Succeeded: false, ErrorMessage: "boom"},
	}
	final, err := s.Synthesize(context.Background(), "输入", results)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if final != "直接回答" {
		t.Errorf("final = %q", final)
	}
	if inv.calls != 1 {
		t.Errorf("invoker called %d times, want 1 even with zero successes", inv.calls)
	}
	if strings.Contains(gotUser, "产品经理") {
		t.Error("failed expert leaked into the synthesis prompt")
	}
}

func TestSynthesizePropagatesModelError(t *testing.T) {
	s := NewSynthesizer(failWith(domain.ErrTimeout), NewRegistry(discardLogger()), discardLogger())

	results := []domain.ExpertResult{
		{ExpertID: "product-manager", ExpertName: "产品经理", Succeeded: true, Content: "建议"},
	}
	_, err := s.Synthesize(context.Background(), "输入", results)
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}
