// Package agent drives the conversation: inbound message → model →
// at most one round of tool dispatch → final narration back to the user.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"brokerbot/internal/domain"
	"brokerbot/internal/metrics"
	"brokerbot/internal/tool"
)

const (
	defaultHistoryLimit = 50
	defaultLLMMaxTokens = 4096
	defaultTemperature  = 0.2
	defaultConcurrency  = 3
	defaultRateBurst    = 5
	defaultRatePerMin   = 30.0
)

// Dispatcher executes one resolved tool call and always produces a result
// the model can read, success or failure.
type Dispatcher interface {
	Dispatch(ctx context.Context, tc domain.ToolCall) domain.InvocationResult
}

// Loop is the conversation engine: receive message → call LLM → dispatch
// requested tools → ask the LLM to narrate the outcome.
type Loop struct {
	provider    domain.Provider
	sessions    *SessionManager
	prompt      *PromptBuilder
	tools       *tool.Registry
	dispatcher  Dispatcher
	bus         domain.MessageBus
	logger      *slog.Logger
	concurrency int
	maxTokens   int
	temperature float64
	rateLimiter *RateLimiter
}

// LoopConfig holds all dependencies and tuning parameters for the loop.
type LoopConfig struct {
	Provider      domain.Provider
	Sessions      *SessionManager
	Prompt        *PromptBuilder
	Tools         *tool.Registry
	Dispatcher    Dispatcher
	Bus           domain.MessageBus
	Logger        *slog.Logger
	Concurrency   int // max parallel messages (default 3)
	MaxTokens     int
	Temperature   float64
	RatePerMinute float64
	RateBurst     int
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultLLMMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = defaultRatePerMin
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	return &Loop{
		provider:    cfg.Provider,
		sessions:    cfg.Sessions,
		prompt:      cfg.Prompt,
		tools:       cfg.Tools,
		dispatcher:  cfg.Dispatcher,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		rateLimiter: NewRateLimiter(cfg.RateBurst, cfg.RatePerMinute),
	}
}

// Run consumes inbound messages and processes them with bounded concurrency.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("agent loop started", "concurrency", l.concurrency)

	sem := make(chan struct{}, l.concurrency)
	inbound := l.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("agent loop stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				l.logger.Info("inbound channel closed, agent loop stopping")
				return
			}
			sem <- struct{}{}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				l.processMessage(ctx, m)
			}(msg)
		}
	}
}

// ProcessDirect processes a message synchronously and returns the response.
// Used by the CLI and other direct callers that need a blocking reply.
func (l *Loop) ProcessDirect(ctx context.Context, content, channel, chatID string) (string, error) {
	return l.handleMessage(ctx, domain.InboundMessage{
		Channel:   channel,
		ChatID:    chatID,
		SenderID:  "user",
		Content:   content,
		Timestamp: time.Now(),
	})
}

func (l *Loop) processMessage(ctx context.Context, msg domain.InboundMessage) {
	l.logger.Info("processing message",
		"channel", msg.Channel,
		"sender", msg.SenderID,
		"content_len", len(msg.Content),
	)

	response, err := l.handleMessage(ctx, msg)
	if err != nil {
		l.logger.Error("message processing failed", "error", err)
		response = fmt.Sprintf("Sorry, I encountered an error: %s", err.Error())
	}

	l.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: response,
		Format:  "markdown",
	})
}

// handleMessage is the main loop logic: build prompt → call LLM → dispatch
// any requested tools once → final LLM call without tools for narration.
//
// At most one tool round per user turn. The model never chains a second
// tool request off a tool result within the same turn, which keeps a
// single user instruction from fanning out into a series of orders.
func (l *Loop) handleMessage(ctx context.Context, msg domain.InboundMessage) (string, error) {
	metrics.MessagesTotal.Inc()

	sessionKey := fmt.Sprintf("%s:%s", msg.Channel, msg.ChatID)
	convID, err := l.sessions.GetOrCreateConversation(ctx, sessionKey, l.provider.Name(), "")
	if err != nil {
		return "", fmt.Errorf("session error: %w", err)
	}

	history, err := l.sessions.GetHistory(ctx, convID, defaultHistoryLimit)
	if err != nil {
		l.logger.Warn("failed to load history, continuing without it", "error", err)
		history = nil
	}

	messages := l.prompt.BuildMessages(ctx, history, msg.Content, msg.Channel, msg.ChatID)

	resp, err := l.chat(ctx, domain.ChatRequest{
		Messages:    messages,
		Tools:       l.tools.Definitions(),
		MaxTokens:   l.maxTokens,
		Temperature: l.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("LLM error: %w", err)
	}
	l.sessions.AddTokenUsage(convID, resp.Usage.TotalTokens)

	// Fallback: some smaller models embed tool calls as JSON in the content.
	if !resp.HasToolCalls() && resp.Content != "" {
		if extracted := extractToolCallsFromContent(resp.Content); len(extracted) > 0 {
			resp.ToolCalls = extracted
			resp.Content = ""
			l.logger.Info("extracted tool calls from content text", "count", len(extracted))
		}
	}

	finalContent := stripRolePrefix(resp.Content)

	if resp.HasToolCalls() {
		messages = l.prompt.AddAssistantMessage(messages, resp.Content, resp.ToolCalls)

		// Tool calls run strictly in order. Mutating calls are additionally
		// serialized inside the dispatcher, but order matters for reads too:
		// a quote fetched before an order should describe the same market
		// the order was priced against.
		for _, tc := range resp.ToolCalls {
			l.logger.Info("dispatching tool", "tool", tc.Name, "id", tc.ID)
			result := l.dispatcher.Dispatch(ctx, tc)
			messages = l.prompt.AddToolResult(messages, tc.ID, tc.Name, result.ModelText())
		}

		// Final call carries no tool definitions: the model narrates the
		// results and cannot request further dispatches this turn.
		final, err := l.chat(ctx, domain.ChatRequest{
			Messages:    messages,
			MaxTokens:   l.maxTokens,
			Temperature: l.temperature,
		})
		if err != nil {
			return "", fmt.Errorf("LLM error: %w", err)
		}
		l.sessions.AddTokenUsage(convID, final.Usage.TotalTokens)
		finalContent = stripRolePrefix(final.Content)
	}

	if finalContent == "" {
		finalContent = "Done, but I have nothing further to report."
	}

	// Persist conversation history.
	if err := l.sessions.SaveMessage(ctx, convID, domain.Message{Role: "user", Content: msg.Content}); err != nil {
		l.logger.Warn("failed to save user message", "error", err, "convID", convID)
	}
	if err := l.sessions.SaveMessage(ctx, convID, domain.Message{Role: "assistant", Content: finalContent}); err != nil {
		l.logger.Warn("failed to save assistant message", "error", err, "convID", convID)
	}

	// Auto-generate title from the first user message.
	if len(history) == 0 {
		l.sessions.UpdateTitle(ctx, convID, msg.Content)
	}

	return finalContent, nil
}

// chat is one rate-limited model call with latency and token accounting.
func (l *Loop) chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := l.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	start := time.Now()
	resp, err := l.provider.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.LatencyMs = time.Since(start).Milliseconds()

	metrics.LLMRequestsTotal.Inc()
	metrics.LLMLatency.Observe(time.Since(start).Seconds())
	return resp, nil
}
