package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"brokerbot/internal/domain"
)

const promptCacheTTL = 60 * time.Second

type cachedPrompt struct {
	content   string
	expiresAt time.Time
}

// PromptBuilder assembles the system prompt and message list for a model
// call. The prompt explains the brokerage tools and the house rules: the
// model asks, the dispatcher decides.
type PromptBuilder struct {
	logger            *slog.Logger
	systemPromptExtra string

	// Prompt cache keyed by channel:chatID
	promptCache sync.Map
}

func NewPromptBuilder(extra string, logger *slog.Logger) *PromptBuilder {
	return &PromptBuilder{
		logger:            logger,
		systemPromptExtra: extra,
	}
}

func (p *PromptBuilder) BuildSystemPrompt(channel, chatID string) string {
	cacheKey := channel + ":" + chatID
	if cached, ok := p.promptCache.Load(cacheKey); ok {
		if cp, ok := cached.(*cachedPrompt); ok && time.Now().Before(cp.expiresAt) {
			return cp.content
		}
	}

	now := time.Now().Format("2006-01-02 15:04 (Monday)")

	identity := fmt.Sprintf(`# BrokerBot

You are BrokerBot, a trading assistant connected to a live brokerage
gateway. You can look up market quotes, qualify contracts, place and
check orders, and report positions and account balances through your
tools.

## Current Time
%s

## Session
Channel: %s | Chat ID: %s

## RULES
1. When the user asks about a price, position, balance, or wants to
   trade, ALWAYS use the appropriate tool. Never invent market data.
2. Call ONE tool at a time and wait for its result before deciding the
   next step.
3. Place an order ONLY when the user has stated symbol, side, and
   quantity explicitly. Ask for anything missing instead of guessing.
4. If a tool reports that an order outcome is uncertain, relay that
   warning verbatim and do NOT retry the order yourself.
5. Do NOT output raw JSON in your response. Use the tool calling
   mechanism.
6. After tool execution, present results clearly in plain language.
   Do not mention tool names to the user.
7. Nothing you say is investment advice; you execute instructions.`,
		now, channel, chatID)

	if p.systemPromptExtra != "" {
		identity += "\n\n## Custom Instructions\n" + p.systemPromptExtra
	}

	p.promptCache.Store(cacheKey, &cachedPrompt{
		content:   identity,
		expiresAt: time.Now().Add(promptCacheTTL),
	})

	return identity
}

// BuildMessages constructs [system + history + user message] for an LLM call.
func (p *PromptBuilder) BuildMessages(ctx context.Context, history []domain.Message, currentMessage string, channel, chatID string) []domain.Message {
	messages := []domain.Message{
		{Role: "system", Content: p.BuildSystemPrompt(channel, chatID)},
	}

	for _, m := range history {
		msg := domain.Message{
			Role:    m.Role,
			Content: m.Content,
		}
		if m.ToolCallID != "" {
			msg.ToolCallID = m.ToolCallID
			msg.ToolName = m.ToolName
		}
		if len(m.ToolCalls) > 0 {
			msg.ToolCalls = m.ToolCalls
		}
		messages = append(messages, msg)
	}

	return append(messages, domain.Message{Role: "user", Content: currentMessage})
}

func (p *PromptBuilder) AddAssistantMessage(messages []domain.Message, content string, toolCalls []domain.ToolCall) []domain.Message {
	msg := domain.Message{Role: "assistant", Content: content}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
	}
	return append(messages, msg)
}

func (p *PromptBuilder) AddToolResult(messages []domain.Message, toolCallID, toolName, result string) []domain.Message {
	return append(messages, domain.Message{
		Role:       "tool",
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Content:    result,
	})
}
