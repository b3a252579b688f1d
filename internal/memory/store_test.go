package memory

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"brokerbot/internal/domain"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "brokerbot.db"), slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestConversationLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	conv := domain.Conversation{ID: "cli:direct", Title: "New conversation", Provider: "openai"}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetConversation(ctx, "cli:direct")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Provider != "openai" {
		t.Fatalf("unexpected conversation: %+v", got)
	}

	got.Title = "Buy 100 shares of AAPL"
	if err := store.UpdateConversation(ctx, *got); err != nil {
		t.Fatalf("update: %v", err)
	}

	list, err := store.ListConversations(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Title != "Buy 100 shares of AAPL" {
		t.Fatalf("unexpected list: %+v", list)
	}

	if err := store.DeleteConversation(ctx, "cli:direct"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = store.GetConversation(ctx, "cli:direct")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Fatal("conversation should be gone")
	}
}

func TestGetConversation_Missing(t *testing.T) {
	store := testStore(t)
	got, err := store.GetConversation(context.Background(), "nope")
	if err != nil {
		t.Fatalf("missing conversation should not error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestMessagesChronologicalOrder(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.CreateConversation(ctx, domain.Conversation{ID: "c1"}); err != nil {
		t.Fatal(err)
	}

	for _, m := range []domain.MessageRecord{
		{Role: "user", Content: "price of AAPL?"},
		{Role: "assistant", Content: "", ToolCalls: `[{"id":"tc1","name":"get_quote"}]`},
		{Role: "tool", Content: `{"ok":true}`, ToolCallID: "tc1", ToolName: "get_quote"},
		{Role: "assistant", Content: "AAPL is at 150."},
	} {
		if err := store.AddMessage(ctx, "c1", m); err != nil {
			t.Fatalf("add message: %v", err)
		}
	}

	msgs, err := store.GetMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[3].Content != "AAPL is at 150." {
		t.Fatalf("messages out of order: first=%+v last=%+v", msgs[0], msgs[3])
	}
	if msgs[2].ToolCallID != "tc1" || msgs[2].ToolName != "get_quote" {
		t.Fatalf("tool linkage lost: %+v", msgs[2])
	}
}

func TestAuditLogRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	entries := []domain.AuditEntry{
		{Action: "dispatch", ToolName: "place_order", Detail: "AAPL buy 100 @ 150.00", Result: "allowed"},
		{Action: "order_blocked", ToolName: "place_order", Detail: "symbol GME is blocked", Result: "blocked"},
	}
	for _, e := range entries {
		if err := store.LogAudit(ctx, e); err != nil {
			t.Fatalf("log audit: %v", err)
		}
	}

	got, err := store.RecentAudit(ctx, 10)
	if err != nil {
		t.Fatalf("recent audit: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	// Newest first.
	if got[0].Action != "order_blocked" || got[0].Result != "blocked" {
		t.Fatalf("unexpected newest entry: %+v", got[0])
	}
}
