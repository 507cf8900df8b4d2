package orchestrate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"niolab/internal/adapter/llm"
	"niolab/internal/domain"
	"niolab/internal/infra/tracer"
)

// Dispatcher fans a request out to the selected experts in parallel. One
// expert failing never aborts the others; every expert produces a result,
// success or not, in the same order as the routing decision.
type Dispatcher struct {
	invoker       llm.Invoker
	registry      *Registry
	historyWindow int
	maxConcurrent int
	logger        *slog.Logger
}

// NewDispatcher creates a dispatcher. historyWindow bounds how many trailing
// history messages each expert sees; maxConcurrent caps parallel model calls.
func NewDispatcher(invoker llm.Invoker, registry *Registry, historyWindow, maxConcurrent int, logger *slog.Logger) *Dispatcher {
	if historyWindow <= 0 {
		historyWindow = 6
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Dispatcher{
		invoker:       invoker,
		registry:      registry,
		historyWindow: historyWindow,
		maxConcurrent: maxConcurrent,
		logger:        logger,
	}
}

// Dispatch consults every expert in expertIDs concurrently and returns their
// results indexed to match expertIDs.
func (d *Dispatcher) Dispatch(ctx context.Context, expertIDs []string, userInput string, history []domain.Message) []domain.ExpertResult {
	ctx, span := tracer.StartSpan(ctx, "orchestrate.dispatch")
	defer span.End()
	span.SetAttributes(tracer.IntAttr("dispatch.experts", len(expertIDs)))

	results := make([]domain.ExpertResult, len(expertIDs))
	sem := make(chan struct{}, d.maxConcurrent)
	var wg sync.WaitGroup

	for i, id := range expertIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			defer func() {
				if rec := recover(); rec != nil {
					d.logger.Error("expert call panicked", "expert", id, "panic", rec)
					results[i] = domain.ExpertResult{
						ExpertID:     id,
						Succeeded:    false,
						ErrorMessage: fmt.Sprintf("expert panicked: %v", rec),
					}
				}
			}()

			results[i] = d.consult(ctx, id, userInput, history)
		}(i, id)
	}
	wg.Wait()

	tracer.SetOK(span)
	return results
}

// consult runs a single expert call.
func (d *Dispatcher) consult(ctx context.Context, id, userInput string, history []domain.Message) domain.ExpertResult {
	expert, err := d.registry.Get(id)
	if err != nil {
		return domain.ExpertResult{
			ExpertID:     id,
			Succeeded:    false,
			ErrorMessage: fmt.Sprintf("未找到专家: %s", id),
		}
	}

	messages := make([]domain.Message, 0, d.historyWindow+2)
	messages = append(messages, domain.SystemMessage(expert.SystemPrompt))
	messages = append(messages, domain.TailWindow(history, d.historyWindow)...)
	messages = append(messages, domain.UserMessage(userInput))

	completion, err := d.invoker.Invoke(ctx, messages, llm.InvokeOptions{})
	if err != nil {
		d.logger.Warn("expert call failed", "expert", id, "error", err)
		return domain.ExpertResult{
			ExpertID:     id,
			ExpertName:   expert.DisplayName,
			Succeeded:    false,
			ErrorMessage: err.Error(),
		}
	}

	return domain.ExpertResult{
		ExpertID:   id,
		ExpertName: expert.DisplayName,
		Succeeded:  true,
		Content:    completion.Content,
		Usage:      completion.Usage,
	}
}
