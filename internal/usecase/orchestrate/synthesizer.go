package orchestrate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"niolab/internal/adapter/llm"
	"niolab/internal/domain"
	"niolab/internal/infra/tracer"
)

// Synthesizer merges successful expert results into one final answer voiced
// by the orchestration persona.
type Synthesizer struct {
	invoker  llm.Invoker
	registry *Registry
	logger   *slog.Logger
}

// NewSynthesizer creates a synthesizer.
func NewSynthesizer(invoker llm.Invoker, registry *Registry, logger *slog.Logger) *Synthesizer {
	return &Synthesizer{invoker: invoker, registry: registry, logger: logger}
}

// Synthesize produces the final response from the successful expert results.
// Failed results are excluded from the summary. With zero successes the call
// still runs over an empty evidence section; the model is left to answer
// from the user input alone.
func (s *Synthesizer) Synthesize(ctx context.Context, userInput string, results []domain.ExpertResult) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrate.synthesize")
	defer span.End()

	succeeded := domain.SucceededResults(results)
	span.SetAttributes(tracer.IntAttr("synthesize.inputs", len(succeeded)))

	opinions := make([]string, len(succeeded))
	for i, r := range succeeded {
		opinions[i] = fmt.Sprintf("【%s】\n%s", r.ExpertName, r.Content)
	}

	persona := s.registry.Synthesizer()
	system := persona.SystemPrompt +
		"\n\n请综合各专家意见，给出结构化的行动建议。要求：1)确认理解需求 2)提炼核心建议(3-5条,带优先级) 3)给出下一步行动。保持简洁专业。"

	messages := []domain.Message{
		domain.SystemMessage(system),
		domain.UserMessage(fmt.Sprintf("用户需求：%s\n\n专家意见汇总：\n%s\n\n请综合上述意见，给出最终建议。",
			userInput, strings.Join(opinions, "\n\n---\n\n"))),
	}

	completion, err := s.invoker.Invoke(ctx, messages, llm.InvokeOptions{})
	if err != nil {
		tracer.RecordError(span, err)
		return "", domain.WrapOp("Synthesizer.Synthesize", err)
	}

	tracer.SetOK(span)
	return completion.Content, nil
}
