package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"brokerbot/internal/domain"
	"brokerbot/internal/tool"
)

// stubProvider replays scripted responses and records each request.
type stubProvider struct {
	mu        sync.Mutex
	responses []*domain.ChatResponse
	requests  []domain.ChatRequest
}

func (p *stubProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return &domain.ChatResponse{Content: "(no script)"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *stubProvider) Name() string                      { return "stub" }
func (p *stubProvider) Healthy(ctx context.Context) error { return nil }

// memStore is an in-memory HistoryStore for loop tests.
type memStore struct {
	mu       sync.Mutex
	convs    map[string]domain.Conversation
	messages map[string][]domain.MessageRecord
}

func newMemStore() *memStore {
	return &memStore{
		convs:    make(map[string]domain.Conversation),
		messages: make(map[string][]domain.MessageRecord),
	}
}

func (s *memStore) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = conv
	return nil
}

func (s *memStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (s *memStore) UpdateConversation(ctx context.Context, conv domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = conv
	return nil
}

func (s *memStore) ListConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	return nil, nil
}

func (s *memStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, id)
	delete(s.messages, id)
	return nil
}

func (s *memStore) AddMessage(ctx context.Context, convID string, msg domain.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[convID] = append(s.messages[convID], msg)
	return nil
}

func (s *memStore) GetMessages(ctx context.Context, convID string, limit int) ([]domain.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[convID], nil
}

func (s *memStore) Close() error { return nil }

// stubDispatcher records dispatched calls and returns a fixed result.
type stubDispatcher struct {
	mu     sync.Mutex
	calls  []domain.ToolCall
	result func(tc domain.ToolCall) domain.InvocationResult
}

func (d *stubDispatcher) Dispatch(ctx context.Context, tc domain.ToolCall) domain.InvocationResult {
	d.mu.Lock()
	d.calls = append(d.calls, tc)
	d.mu.Unlock()
	if d.result != nil {
		return d.result(tc)
	}
	return domain.SuccessResult(tc.Name, map[string]any{"ok": true})
}

func testLoop(t *testing.T, provider *stubProvider, disp *stubDispatcher) *Loop {
	t.Helper()
	reg, err := tool.NewCatalog(tool.Limits{MaxOrderQuantity: 10000, MaxOrderNotional: 1000000}, slog.Default())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	store := newMemStore()
	return NewLoop(LoopConfig{
		Provider:      provider,
		Sessions:      NewSessionManager(store, slog.Default()),
		Prompt:        NewPromptBuilder("", slog.Default()),
		Tools:         reg,
		Dispatcher:    disp,
		Logger:        slog.Default(),
		RatePerMinute: 6000,
		RateBurst:     100,
	})
}

func TestLoop_PlainAnswerNoDispatch(t *testing.T) {
	provider := &stubProvider{responses: []*domain.ChatResponse{
		{Content: "AAPL closed at 150 yesterday.", FinishReason: "stop"},
	}}
	disp := &stubDispatcher{}
	loop := testLoop(t, provider, disp)

	out, err := loop.ProcessDirect(context.Background(), "how did AAPL do?", "cli", "local")
	if err != nil {
		t.Fatalf("ProcessDirect: %v", err)
	}
	if out != "AAPL closed at 150 yesterday." {
		t.Fatalf("unexpected answer: %q", out)
	}
	if len(disp.calls) != 0 {
		t.Fatalf("dispatcher called %d times for a plain answer", len(disp.calls))
	}
	if len(provider.requests) != 1 {
		t.Fatalf("provider called %d times, want 1", len(provider.requests))
	}
}

func TestLoop_SingleToolRoundThenNarration(t *testing.T) {
	provider := &stubProvider{responses: []*domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{{ID: "tc1", Name: "get_quote", Arguments: map[string]any{"symbol": "AAPL"}}}, FinishReason: "tool_calls"},
		{Content: "AAPL last traded at 150.", FinishReason: "stop"},
	}}
	disp := &stubDispatcher{result: func(tc domain.ToolCall) domain.InvocationResult {
		return domain.SuccessResult(tc.Name, domain.Quote{Symbol: "AAPL", Last: 150.0})
	}}
	loop := testLoop(t, provider, disp)

	out, err := loop.ProcessDirect(context.Background(), "price of AAPL?", "cli", "local")
	if err != nil {
		t.Fatalf("ProcessDirect: %v", err)
	}
	if out != "AAPL last traded at 150." {
		t.Fatalf("unexpected answer: %q", out)
	}
	if len(disp.calls) != 1 || disp.calls[0].Name != "get_quote" {
		t.Fatalf("unexpected dispatches: %+v", disp.calls)
	}

	if len(provider.requests) != 2 {
		t.Fatalf("provider called %d times, want 2", len(provider.requests))
	}
	if len(provider.requests[0].Tools) == 0 {
		t.Fatal("first model call should carry tool definitions")
	}
	// The narration call must not offer tools again: one round per turn.
	if len(provider.requests[1].Tools) != 0 {
		t.Fatal("narration call must not carry tool definitions")
	}

	// The tool result flows back to the model as a tool-role message.
	var sawToolMsg bool
	for _, m := range provider.requests[1].Messages {
		if m.Role == "tool" && m.ToolCallID == "tc1" && strings.Contains(m.Content, "150") {
			sawToolMsg = true
		}
	}
	if !sawToolMsg {
		t.Fatal("tool result message missing from narration request")
	}
}

func TestLoop_FailureResultStillNarrated(t *testing.T) {
	provider := &stubProvider{responses: []*domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{{ID: "tc1", Name: "get_quote", Arguments: map[string]any{}}}, FinishReason: "tool_calls"},
		{Content: "I need a ticker symbol to look that up.", FinishReason: "stop"},
	}}
	disp := &stubDispatcher{result: func(tc domain.ToolCall) domain.InvocationResult {
		return domain.FailureResult(tc.Name, domain.FailMissingArgument, "missing required argument: symbol")
	}}
	loop := testLoop(t, provider, disp)

	out, err := loop.ProcessDirect(context.Background(), "get a quote", "cli", "local")
	if err != nil {
		t.Fatalf("a dispatch failure must not fail the turn: %v", err)
	}
	if out != "I need a ticker symbol to look that up." {
		t.Fatalf("unexpected answer: %q", out)
	}

	var sawFailure bool
	for _, m := range provider.requests[1].Messages {
		if m.Role == "tool" && strings.Contains(m.Content, "missing required argument") {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatal("failure detail missing from narration request")
	}
}

func TestLoop_EmbeddedJSONToolCallExtracted(t *testing.T) {
	provider := &stubProvider{responses: []*domain.ChatResponse{
		{Content: `{"name": "get_quote", "arguments": {"symbol": "MSFT"}}`, FinishReason: "stop"},
		{Content: "MSFT is at 400.", FinishReason: "stop"},
	}}
	disp := &stubDispatcher{result: func(tc domain.ToolCall) domain.InvocationResult {
		return domain.SuccessResult(tc.Name, domain.Quote{Symbol: "MSFT", Last: 400.0})
	}}
	loop := testLoop(t, provider, disp)

	out, err := loop.ProcessDirect(context.Background(), "price of MSFT?", "cli", "local")
	if err != nil {
		t.Fatalf("ProcessDirect: %v", err)
	}
	if out != "MSFT is at 400." {
		t.Fatalf("unexpected answer: %q", out)
	}
	if len(disp.calls) != 1 || disp.calls[0].Arguments["symbol"] != "MSFT" {
		t.Fatalf("unexpected dispatches: %+v", disp.calls)
	}
}

func TestLoop_HistoryPersisted(t *testing.T) {
	provider := &stubProvider{responses: []*domain.ChatResponse{
		{Content: "Hello!", FinishReason: "stop"},
		{Content: "Still here.", FinishReason: "stop"},
	}}
	disp := &stubDispatcher{}
	loop := testLoop(t, provider, disp)

	if _, err := loop.ProcessDirect(context.Background(), "hi", "cli", "local"); err != nil {
		t.Fatal(err)
	}
	if _, err := loop.ProcessDirect(context.Background(), "you there?", "cli", "local"); err != nil {
		t.Fatal(err)
	}

	// The second request should carry the first exchange as history.
	second := provider.requests[1].Messages
	var sawFirstUser, sawFirstAssistant bool
	for _, m := range second {
		if m.Role == "user" && m.Content == "hi" {
			sawFirstUser = true
		}
		if m.Role == "assistant" && m.Content == "Hello!" {
			sawFirstAssistant = true
		}
	}
	if !sawFirstUser || !sawFirstAssistant {
		t.Fatalf("history missing from second request: user=%v assistant=%v", sawFirstUser, sawFirstAssistant)
	}
}
