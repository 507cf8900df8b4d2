package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"niolab/internal/domain"
	"niolab/internal/infra/config"
	"niolab/internal/infra/tracer"
)

// Completion is a single model reply.
type Completion struct {
	Content string         `json:"content"`
	Model   string         `json:"model"`
	Usage   map[string]any `json:"usage,omitempty"`
}

// InvokeOptions tune a single model call. Zero values defer to the stored
// model config.
type InvokeOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

// Invoker sends a message sequence to the model and returns its reply.
type Invoker interface {
	Invoke(ctx context.Context, messages []domain.Message, opts InvokeOptions) (*Completion, error)
}

// Client calls an OpenAI-compatible chat completions endpoint using the
// model config held by a ModelService. Config is re-read on every call, so
// endpoint changes take effect without a restart.
type Client struct {
	service *config.ModelService
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates a model API client.
func NewClient(service *config.ModelService, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	return &Client{service: service, client: httpClient, logger: logger}
}

// Invoke implements Invoker. An incomplete model config fails before any
// network I/O with domain.ErrConfigIncomplete.
func (c *Client) Invoke(ctx context.Context, messages []domain.Message, opts InvokeOptions) (*Completion, error) {
	cfg := c.service.Get()
	if !cfg.IsConfigured() {
		return nil, domain.NewDomainError("llm.Invoke", domain.ErrConfigIncomplete,
			"set baseUrl, apiKey, and modelName first")
	}
	return c.invoke(ctx, cfg, messages, opts)
}

// TestConnection performs a minimal round trip against cfg without touching
// the stored config. Used to vet candidate settings before saving them.
func (c *Client) TestConnection(ctx context.Context, cfg config.ModelConfig) (*Completion, error) {
	if !cfg.IsConfigured() {
		return nil, domain.NewDomainError("llm.TestConnection", domain.ErrConfigIncomplete,
			"set baseUrl, apiKey, and modelName first")
	}
	probe := []domain.Message{domain.UserMessage("Hello")}
	return c.invoke(ctx, cfg, probe, InvokeOptions{MaxTokens: 16})
}

func (c *Client) invoke(ctx context.Context, cfg config.ModelConfig, messages []domain.Message, opts InvokeOptions) (*Completion, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.invoke",
		trace.WithAttributes(
			tracer.StringAttr("llm.model", cfg.ModelName),
			tracer.IntAttr("llm.messages", len(messages)),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	req := chatRequest{
		Model:       cfg.ModelName,
		Messages:    toWireMessages(messages),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Stream:      false,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{
		"Authorization": "Bearer " + cfg.APIKey,
	}

	url := strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions"
	respBody, err := doJSONRequest(ctx, c.client, url, body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("%w: unmarshal response: %s", domain.ErrUpstream, err)
	}
	// An absent first choice degrades to empty content, not an error.
	var content string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	if resp.Usage == nil {
		resp.Usage = map[string]any{}
	}

	result := &Completion{
		Content: content,
		Model:   resp.Model,
		Usage:   resp.Usage,
	}
	tracer.SetOK(span)
	c.logger.Debug("model call completed",
		"model", result.Model,
		"content_len", len(result.Content),
	)
	return result, nil
}

// --- chat completions wire types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []chatChoice   `json:"choices"`
	Usage   map[string]any `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

func toWireMessages(messages []domain.Message) []wireMessage {
	out := make([]wireMessage, len(messages))
	for i, m := range messages {
		out[i] = wireMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

var _ Invoker = (*Client)(nil)
