package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"niolab/internal/adapter/llm"
	"niolab/internal/domain"
	"niolab/internal/infra/tracer"
)

// routingTemperature keeps the routing call deterministic-ish; creative
// routing is not a feature.
const routingTemperature = 0.3

// jsonObjectPattern extracts the first top-level JSON object from model
// output, tolerating prose or markdown fences around it.
var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// routingDecisionSchema validates the shape of the model's routing reply
// before it is trusted. Both keys are optional; a reply without experts is
// an explicit zero-expert decision.
const routingDecisionSchema = `{
	"type": "object",
	"properties": {
		"experts": {
			"type": "array",
			"items": {"type": "string"}
		},
		"reasoning": {"type": "string"}
	}
}`

// Router decides which experts handle a request. It asks the model first
// and falls back to trigger keyword matching when the model is unavailable
// or replies with garbage. Routing itself never fails.
type Router struct {
	invoker  llm.Invoker
	registry *Registry
	schema   *jsonschema.Schema
	logger   *slog.Logger
}

// NewRouter creates a router over the given registry.
func NewRouter(invoker llm.Invoker, registry *Registry, logger *slog.Logger) *Router {
	schema := jsonschema.MustCompileString("routing-decision.json", routingDecisionSchema)
	return &Router{
		invoker:  invoker,
		registry: registry,
		schema:   schema,
		logger:   logger,
	}
}

// Route selects the experts for userInput.
func (r *Router) Route(ctx context.Context, userInput string) domain.RoutingDecision {
	ctx, span := tracer.StartSpan(ctx, "orchestrate.route")
	defer span.End()

	decision, err := r.routeByModel(ctx, userInput)
	if err != nil {
		r.logger.Warn("model routing unavailable, falling back to keywords", "error", err)
		decision = r.routeByKeywords(userInput)
	}

	span.SetAttributes(
		tracer.StringAttr("routing.method", decision.Method),
		tracer.IntAttr("routing.experts", len(decision.ExpertIDs)),
	)
	tracer.SetOK(span)
	return decision
}

// routeByModel asks the model for a routing decision in JSON.
func (r *Router) routeByModel(ctx context.Context, userInput string) (domain.RoutingDecision, error) {
	persona := r.registry.Synthesizer()

	var options strings.Builder
	for _, def := range r.registry.List() {
		fmt.Fprintf(&options, "%s（%s）、", def.ID, def.DisplayName)
	}

	system := persona.SystemPrompt +
		"\n\n请分析用户需求，决定需要调动哪些专家。可选专家：" + strings.TrimRight(options.String(), "、") +
		"。\n\n请用JSON格式回复：{\"experts\": [\"expert-id-1\", \"expert-id-2\"], \"reasoning\": \"选择理由\"}"

	messages := []domain.Message{
		domain.SystemMessage(system),
		domain.UserMessage(fmt.Sprintf("用户需求：%s\n\n请分析需要调动哪些专家，并说明理由。", userInput)),
	}

	temp := routingTemperature
	completion, err := r.invoker.Invoke(ctx, messages, llm.InvokeOptions{Temperature: &temp})
	if err != nil {
		return domain.RoutingDecision{}, err
	}

	return r.parseDecision(completion.Content)
}

// parseDecision extracts and validates the routing JSON from model output.
func (r *Router) parseDecision(content string) (domain.RoutingDecision, error) {
	raw := jsonObjectPattern.FindString(content)
	if raw == "" {
		return domain.RoutingDecision{}, domain.NewDomainError("Router.parseDecision", domain.ErrParse,
			"no JSON object in model output")
	}

	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return domain.RoutingDecision{}, fmt.Errorf("%w: %s", domain.ErrParse, err)
	}
	if err := r.schema.Validate(decoded); err != nil {
		return domain.RoutingDecision{}, fmt.Errorf("%w: %s", domain.ErrParse, err)
	}

	var decision domain.RoutingDecision
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		return domain.RoutingDecision{}, fmt.Errorf("%w: %s", domain.ErrParse, err)
	}
	if decision.ExpertIDs == nil {
		decision.ExpertIDs = []string{}
	}
	if decision.Reasoning == "" {
		decision.Reasoning = "智能分析结果"
	}
	// The expert list is honored verbatim, absent or empty included. Unknown
	// ids are reported per-expert at dispatch time.
	decision.Method = domain.RoutingMethodModel
	return decision, nil
}

// routeByKeywords matches the input against each expert's trigger keywords.
// ASCII keywords match case-insensitively.
func (r *Router) routeByKeywords(userInput string) domain.RoutingDecision {
	lowered := strings.ToLower(userInput)

	var ids []string
	var reasons []string
	for _, def := range r.registry.List() {
		for _, kw := range def.TriggerKeywords {
			if kw != "" && strings.Contains(lowered, strings.ToLower(kw)) {
				ids = append(ids, def.ID)
				reasons = append(reasons, "涉及"+def.DisplayName+"领域")
				break
			}
		}
	}

	if len(ids) == 0 {
		ids = []string{"product-manager"}
	}
	reasoning := strings.Join(reasons, "、")
	if reasoning == "" {
		reasoning = "通用产品咨询"
	}
	return domain.RoutingDecision{
		ExpertIDs: ids,
		Reasoning: reasoning,
		Method:    domain.RoutingMethodKeyword,
	}
}
