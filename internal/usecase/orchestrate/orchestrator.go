package orchestrate

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"niolab/internal/domain"
	"niolab/internal/infra/tracer"
)

// Orchestrator is the facade over the route, dispatch, synthesize pipeline.
type Orchestrator struct {
	router      *Router
	dispatcher  *Dispatcher
	synthesizer *Synthesizer
	bus         domain.EventBus
	logger      *slog.Logger

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewOrchestrator wires the pipeline stages together. bus may be nil when
// no one listens for lifecycle events.
func NewOrchestrator(router *Router, dispatcher *Dispatcher, synthesizer *Synthesizer, bus domain.EventBus, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		router:      router,
		dispatcher:  dispatcher,
		synthesizer: synthesizer,
		bus:         bus,
		logger:      logger,
		entropy:     ulid.Monotonic(rand.Reader, 0),
	}
}

// newRunID mints a sortable unique run id.
func (o *Orchestrator) newRunID() string {
	o.entropyMu.Lock()
	defer o.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), o.entropy).String()
}

// Converse runs one full orchestration turn: route the input to experts,
// consult them in parallel, and synthesize their answers. Partial expert
// failures degrade gracefully; only a blank input or a fully failed turn
// yields an unsuccessful result.
func (o *Orchestrator) Converse(ctx context.Context, userInput string, history []domain.Message) (result *domain.OrchestrationResult, err error) {
	if strings.TrimSpace(userInput) == "" {
		return nil, domain.NewDomainError("Orchestrator.Converse", domain.ErrInvalidInput,
			"empty user input")
	}

	runID := o.newRunID()
	started := time.Now()

	ctx, span := tracer.StartSpan(ctx, "orchestrate.converse")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("run.id", runID))

	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("orchestration panicked", "run_id", runID, "panic", rec)
			result = &domain.OrchestrationResult{
				RunID:        runID,
				Succeeded:    false,
				ErrorMessage: fmt.Sprintf("internal error: %v", rec),
				StartedAt:    started,
				FinishedAt:   time.Now(),
			}
			err = nil
		}
	}()

	o.publish(ctx, domain.EventRunStarted, runID, map[string]any{"input": userInput})

	routing := o.router.Route(ctx, userInput)
	o.logger.Info("routing decided",
		"run_id", runID,
		"method", routing.Method,
		"experts", routing.ExpertIDs,
	)
	o.publish(ctx, domain.EventRunRouted, runID, routing)

	expertResults := o.dispatcher.Dispatch(ctx, routing.ExpertIDs, userInput, history)
	for _, r := range expertResults {
		o.publish(ctx, domain.EventExpertCompleted, runID, r)
	}

	result = &domain.OrchestrationResult{
		RunID:         runID,
		Routing:       routing,
		ExpertResults: expertResults,
		StartedAt:     started,
	}

	final, synthErr := o.synthesizer.Synthesize(ctx, userInput, expertResults)
	if synthErr != nil {
		o.logger.Warn("synthesis failed", "run_id", runID, "error", synthErr)
		tracer.RecordError(span, synthErr)
		result.Succeeded = false
		result.ErrorMessage = synthErr.Error()
	} else {
		result.Succeeded = true
		result.FinalResponse = final
		o.publish(ctx, domain.EventRunSynthesized, runID, map[string]any{
			"length": len(final),
		})
		tracer.SetOK(span)
	}
	result.FinishedAt = time.Now()
	span.SetAttributes(tracer.BoolAttr("run.success", result.Succeeded))

	o.publish(ctx, domain.EventRunFinished, runID, map[string]any{
		"success":  result.Succeeded,
		"duration": result.FinishedAt.Sub(result.StartedAt).String(),
	})
	return result, nil
}

// publish emits a lifecycle event, dropping it silently when no bus is wired.
func (o *Orchestrator) publish(ctx context.Context, eventType domain.EventType, runID string, payload any) {
	if o.bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		o.logger.Warn("event payload unmarshalable", "type", eventType, "error", err)
		raw = nil
	}
	o.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now(),
		Payload:   raw,
	})
}
