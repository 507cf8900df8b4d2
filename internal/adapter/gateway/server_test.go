package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"niolab/internal/adapter/history"
	"niolab/internal/adapter/llm"
	"niolab/internal/domain"
	"niolab/internal/infra/config"
	"niolab/internal/usecase/eventbus"
	"niolab/internal/usecase/orchestrate"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeModelEndpoint answers routing, expert, and synthesis calls by
// inspecting the system prompt, like the real model would see them.
func fakeModelEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode model request: %v", err)
		}
		system := ""
		if len(req.Messages) > 0 {
			system = req.Messages[0].Content
		}

		content := "专家意见"
		switch {
		case strings.Contains(system, "请分析用户需求"):
			content = `{"experts": ["product-manager"], "reasoning": "产品问题"}`
		case strings.Contains(system, "请综合各专家意见"):
			content = "最终综合建议"
		}

		resp := map[string]any{
			"id":    "cmpl-1",
			"model": "deepseek-chat",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

type testEnv struct {
	server *Server
	http   *httptest.Server
	bus    *eventbus.Bus
}

func strPtr(s string) *string { return &s }

func newTestEnv(t *testing.T, cfg config.GatewayConfig) *testEnv {
	t.Helper()
	model := fakeModelEndpoint(t)
	t.Cleanup(model.Close)
	return newTestEnvWithModel(t, cfg, model)
}

func newTestEnvWithModel(t *testing.T, cfg config.GatewayConfig, model *httptest.Server) *testEnv {
	t.Helper()
	logger := discardLogger()

	svc := config.NewModelService(
		filepath.Join(t.TempDir(), "model-config.json"), time.Minute, logger)
	if _, err := svc.Update(config.ModelConfigPatch{
		BaseURL: strPtr(model.URL),
		APIKey:  strPtr("sk-test"),
	}); err != nil {
		t.Fatalf("configure model: %v", err)
	}

	client := llm.NewClient(svc, nil, logger)
	registry := orchestrate.NewRegistry(logger)
	bus := eventbus.New(logger)
	t.Cleanup(bus.Close)

	orchestrator := orchestrate.NewOrchestrator(
		orchestrate.NewRouter(client, registry, logger),
		orchestrate.NewDispatcher(client, registry, 6, 5, logger),
		orchestrate.NewSynthesizer(client, registry, logger),
		bus,
		logger,
	)

	store, err := history.New(filepath.Join(t.TempDir(), "runs.db"), logger)
	if err != nil {
		t.Fatalf("history store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := NewServer(cfg, orchestrator, registry, svc, client, store, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hs := httptest.NewServer(srv.buildHandler(ctx))
	t.Cleanup(hs.Close)

	return &testEnv{server: srv, http: hs, bus: bus}
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestChatEndToEnd(t *testing.T) {
	env := newTestEnv(t, config.GatewayConfig{})

	resp, err := http.Post(env.http.URL+"/api/ai/chat", "application/json",
		strings.NewReader(`{"userInput": "帮我规划一个新产品"}`))
	if err != nil {
		t.Fatalf("POST chat: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	e := decodeEnvelope(t, resp)
	if !e.Success {
		t.Fatalf("envelope = %+v", e)
	}

	data, _ := json.Marshal(e.Data)
	var chat chatResponse
	if err := json.Unmarshal(data, &chat); err != nil {
		t.Fatalf("decode chat data: %v", err)
	}
	if chat.Response != "最终综合建议" {
		t.Errorf("response = %q", chat.Response)
	}
	if len(chat.Experts) != 1 || chat.Experts[0] != "product-manager" {
		t.Errorf("experts = %v", chat.Experts)
	}
	if chat.OrchestrationMethod != domain.RoutingMethodModel {
		t.Errorf("method = %q", chat.OrchestrationMethod)
	}

	// The run lands in history.
	resp, err = http.Get(env.http.URL + "/api/ai/runs?limit=5")
	if err != nil {
		t.Fatalf("GET runs: %v", err)
	}
	e = decodeEnvelope(t, resp)
	if !e.Success {
		t.Fatalf("runs envelope = %+v", e)
	}
	runs, ok := e.Data.([]any)
	if !ok || len(runs) != 1 {
		t.Errorf("runs = %v", e.Data)
	}
}

func TestChatRejectsBlankInput(t *testing.T) {
	env := newTestEnv(t, config.GatewayConfig{})

	resp, err := http.Post(env.http.URL+"/api/ai/chat", "application/json",
		strings.NewReader(`{"userInput": "   "}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	e := decodeEnvelope(t, resp)
	if e.Success || e.Error == "" {
		t.Errorf("envelope = %+v", e)
	}
}

func TestChatFailedRunReturns500(t *testing.T) {
	// The model answers routing and expert calls but errors on synthesis.
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		system := ""
		if len(req.Messages) > 0 {
			system = req.Messages[0].Content
		}

		content := "专家意见"
		switch {
		case strings.Contains(system, "请分析用户需求"):
			content = `{"experts": ["product-manager"]}`
		case strings.Contains(system, "请综合各专家意见"):
			http.Error(w, "upstream exploded", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": "deepseek-chat",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		})
	}))
	t.Cleanup(model.Close)
	env := newTestEnvWithModel(t, config.GatewayConfig{}, model)

	resp, err := http.Post(env.http.URL+"/api/ai/chat", "application/json",
		strings.NewReader(`{"userInput": "帮我规划"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 for a failed run", resp.StatusCode)
	}
	e := decodeEnvelope(t, resp)
	if e.Success || e.Error == "" {
		t.Errorf("envelope = %+v", e)
	}
}

func TestExpertEndpoints(t *testing.T) {
	env := newTestEnv(t, config.GatewayConfig{})
	base := env.http.URL

	resp, err := http.Get(base + "/api/ai/experts")
	if err != nil {
		t.Fatal(err)
	}
	e := decodeEnvelope(t, resp)
	if list, ok := e.Data.([]any); !ok || len(list) != 5 {
		t.Errorf("expert list = %v", e.Data)
	}

	// Add a custom expert.
	body := `{"id": "growth-hacker", "name": "增长黑客", "role": "增长专家", "systemPrompt": "你是增长专家。"}`
	resp, err = http.Post(base+"/api/ai/experts/custom", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if e := decodeEnvelope(t, resp); !e.Success {
		t.Fatalf("add expert: %+v", e)
	}

	resp, err = http.Get(base + "/api/ai/experts/growth-hacker")
	if err != nil {
		t.Fatal(err)
	}
	if e := decodeEnvelope(t, resp); !e.Success {
		t.Errorf("get expert: %+v", e)
	}

	// Built-ins cannot be deleted.
	req, _ := http.NewRequest(http.MethodDelete, base+"/api/ai/experts/custom/product-manager", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("delete built-in status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	// Custom experts can.
	req, _ = http.NewRequest(http.MethodDelete, base+"/api/ai/experts/custom/growth-hacker", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete custom status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(base + "/api/ai/experts/growth-hacker")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get removed expert status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestConfigEndpointsRedactKey(t *testing.T) {
	env := newTestEnv(t, config.GatewayConfig{})

	resp, err := http.Get(env.http.URL + "/api/ai/config")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if strings.Contains(string(raw), "sk-test") {
		t.Error("api key leaked through config endpoint")
	}

	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(e.Data)
	var sum config.ModelConfigSummary
	if err := json.Unmarshal(data, &sum); err != nil {
		t.Fatal(err)
	}
	if !sum.HasAPIKey || !sum.IsConfigured {
		t.Errorf("summary = %+v", sum)
	}
}

func TestUpdateAndTestConfig(t *testing.T) {
	env := newTestEnv(t, config.GatewayConfig{})
	base := env.http.URL

	resp, err := http.Post(base+"/api/ai/config", "application/json",
		strings.NewReader(`{"temperature": 0.5}`))
	if err != nil {
		t.Fatal(err)
	}
	e := decodeEnvelope(t, resp)
	if !e.Success {
		t.Fatalf("update config: %+v", e)
	}

	resp, err = http.Post(base+"/api/ai/config/test", "application/json",
		strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if e := decodeEnvelope(t, resp); !e.Success {
		t.Errorf("test config: %+v", e)
	}

	// Out-of-range values are rejected.
	resp, err = http.Post(base+"/api/ai/config", "application/json",
		strings.NewReader(`{"temperature": 9}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestResetConfig(t *testing.T) {
	env := newTestEnv(t, config.GatewayConfig{})

	resp, err := http.Post(env.http.URL+"/api/ai/config/reset", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	e := decodeEnvelope(t, resp)
	if !e.Success {
		t.Fatalf("reset config: %+v", e)
	}

	data, _ := json.Marshal(e.Data)
	var sum config.ModelConfigSummary
	if err := json.Unmarshal(data, &sum); err != nil {
		t.Fatal(err)
	}
	if sum.HasAPIKey {
		t.Error("reset must clear the api key")
	}
	if sum.BaseURL != "https://api.deepseek.com" || sum.ModelName != "deepseek-chat" {
		t.Errorf("summary after reset = %+v, want defaults", sum)
	}
}

func TestBearerTokenAuth(t *testing.T) {
	env := newTestEnv(t, config.GatewayConfig{
		Auth: config.AuthConfig{Tokens: []config.TokenConfig{{Token: "secret-token", Name: "ci"}}},
	})

	resp, err := http.Get(env.http.URL + "/api/ai/experts")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/api/ai/experts", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Health stays open.
	resp, err = http.Get(env.http.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWebsocketEventFeed(t *testing.T) {
	env := newTestEnv(t, config.GatewayConfig{})

	// Wire the bus to the hub the way Start does.
	unsub := env.bus.SubscribeAll(func(_ context.Context, event domain.Event) {
		env.server.wsHub.broadcast(event)
	})
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	env.bus.Publish(ctx, domain.Event{
		Type:      domain.EventRunStarted,
		RunID:     "run-ws",
		Timestamp: time.Now(),
	})

	var got domain.Event
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != domain.EventRunStarted || got.RunID != "run-ws" {
		t.Errorf("event = %+v", got)
	}
}
