package policy

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"brokerbot/internal/config"
	"brokerbot/internal/domain"
	"brokerbot/internal/resolve"
	"brokerbot/internal/tool"
)

type stubQuotes struct {
	last float64
	err  error
}

func (s *stubQuotes) LastPrice(ctx context.Context, symbol string) (float64, error) {
	return s.last, s.err
}

type recordingAudit struct {
	entries []domain.AuditEntry
}

func (r *recordingAudit) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	r.entries = append(r.entries, entry)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func orderInvocation(t *testing.T, args map[string]any) *resolve.Invocation {
	t.Helper()
	reg, err := tool.NewCatalog(tool.Limits{}, testLogger())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	inv, err := resolve.NewResolver(reg).Resolve(domain.ToolCall{Name: "place_order", Arguments: args})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return inv
}

func quoteInvocation(t *testing.T) *resolve.Invocation {
	t.Helper()
	reg, err := tool.NewCatalog(tool.Limits{}, testLogger())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	inv, err := resolve.NewResolver(reg).Resolve(domain.ToolCall{
		Name: "get_quote", Arguments: map[string]any{"symbol": "AAPL"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return inv
}

func newEngine(t *testing.T, cfg config.PolicyConfig, quotes QuoteSource, confirm ConfirmFunc) (*Engine, *recordingAudit) {
	t.Helper()
	audit := &recordingAudit{}
	e, err := NewEngine(cfg, confirm, audit, quotes, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, audit
}

func TestAuthorize_ReadOnlyAlwaysAllowed(t *testing.T) {
	e, _ := newEngine(t, config.PolicyConfig{DefaultPolicy: "deny"}, nil, nil)
	decision, _, err := e.Authorize(context.Background(), quoteInvocation(t))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if decision != DecisionAllow {
		t.Fatalf("read-only tool should be allowed, got %s", decision)
	}
}

func TestAuthorize_DefaultPolicies(t *testing.T) {
	inv := orderInvocation(t, map[string]any{
		"symbol": "AAPL", "side": "buy", "quantity": 10.0, "limit_price": 150.0,
	})

	cases := []struct {
		policy string
		want   Decision
	}{
		{"allow", DecisionAllow},
		{"deny", DecisionBlock},
		{"confirm", DecisionConfirm},
	}
	for _, tc := range cases {
		e, _ := newEngine(t, config.PolicyConfig{DefaultPolicy: tc.policy}, nil, nil)
		decision, _, err := e.Authorize(context.Background(), inv)
		if err != nil {
			t.Fatalf("policy %s: %v", tc.policy, err)
		}
		if decision != tc.want {
			t.Fatalf("policy %s: expected %s, got %s", tc.policy, tc.want, decision)
		}
	}
}

func TestAuthorize_NotionalThresholdConfirm(t *testing.T) {
	e, _ := newEngine(t, config.PolicyConfig{DefaultPolicy: "allow", ConfirmNotionalAbove: 10000}, nil, nil)

	small := orderInvocation(t, map[string]any{
		"symbol": "AAPL", "side": "buy", "quantity": 10.0, "limit_price": 150.0,
	})
	decision, _, _ := e.Authorize(context.Background(), small)
	if decision != DecisionAllow {
		t.Fatalf("small order should be allowed, got %s", decision)
	}

	large := orderInvocation(t, map[string]any{
		"symbol": "AAPL", "side": "buy", "quantity": 100.0, "limit_price": 150.0,
	})
	decision, reason, _ := e.Authorize(context.Background(), large)
	if decision != DecisionConfirm {
		t.Fatalf("large order should require confirmation, got %s (%s)", decision, reason)
	}
}

func TestAuthorize_MarketOrderPricedFromLastTrade(t *testing.T) {
	e, _ := newEngine(t, config.PolicyConfig{DefaultPolicy: "allow", ConfirmNotionalAbove: 10000},
		&stubQuotes{last: 150.0}, nil)

	inv := orderInvocation(t, map[string]any{
		"symbol": "AAPL", "side": "buy", "quantity": 100.0, "order_type": "market",
	})
	decision, _, _ := e.Authorize(context.Background(), inv)
	if decision != DecisionConfirm {
		t.Fatalf("market order notional 15000 should confirm, got %s", decision)
	}
}

func TestAuthorize_UnpricableMarketOrderConfirms(t *testing.T) {
	e, _ := newEngine(t, config.PolicyConfig{DefaultPolicy: "allow", ConfirmNotionalAbove: 10000}, nil, nil)

	inv := orderInvocation(t, map[string]any{
		"symbol": "AAPL", "side": "buy", "quantity": 1.0, "order_type": "market",
	})
	decision, _, _ := e.Authorize(context.Background(), inv)
	if decision != DecisionConfirm {
		t.Fatalf("unpricable order should require confirmation, got %s", decision)
	}
}

func TestAuthorize_PriceBand(t *testing.T) {
	e, audit := newEngine(t, config.PolicyConfig{DefaultPolicy: "allow", PriceBandPct: 20, AuditLog: true},
		&stubQuotes{last: 150.0}, nil)

	inv := orderInvocation(t, map[string]any{
		"symbol": "AAPL", "side": "buy", "quantity": 10.0, "limit_price": 300.0,
	})
	decision, reason, _ := e.Authorize(context.Background(), inv)
	if decision != DecisionBlock {
		t.Fatalf("limit price 2x last trade should block, got %s (%s)", decision, reason)
	}
	if len(audit.entries) == 0 || audit.entries[0].Result != "blocked" {
		t.Fatalf("expected blocked audit entry, got %v", audit.entries)
	}

	inside := orderInvocation(t, map[string]any{
		"symbol": "AAPL", "side": "buy", "quantity": 10.0, "limit_price": 155.0,
	})
	decision, _, _ = e.Authorize(context.Background(), inside)
	if decision != DecisionAllow {
		t.Fatalf("in-band order should be allowed, got %s", decision)
	}
}

func TestAuthorize_SymbolRules(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yaml")
	rules := `symbols:
  GME:
    blocked: true
  AAPL:
    max_quantity: 50
`
	if err := os.WriteFile(rulesPath, []byte(rules), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	e, _ := newEngine(t, config.PolicyConfig{DefaultPolicy: "allow", RulesPath: rulesPath}, nil, nil)

	blocked := orderInvocation(t, map[string]any{
		"symbol": "GME", "side": "buy", "quantity": 1.0, "limit_price": 20.0,
	})
	decision, _, _ := e.Authorize(context.Background(), blocked)
	if decision != DecisionBlock {
		t.Fatalf("blocked symbol should block, got %s", decision)
	}

	overQty := orderInvocation(t, map[string]any{
		"symbol": "AAPL", "side": "buy", "quantity": 100.0, "limit_price": 150.0,
	})
	decision, _, _ = e.Authorize(context.Background(), overQty)
	if decision != DecisionBlock {
		t.Fatalf("over-limit quantity should block, got %s", decision)
	}
}

func TestRequestConfirmation(t *testing.T) {
	inv := orderInvocation(t, map[string]any{
		"symbol": "AAPL", "side": "buy", "quantity": 10.0, "limit_price": 150.0,
	})

	e, _ := newEngine(t, config.PolicyConfig{DefaultPolicy: "confirm"}, nil,
		func(ctx context.Context, question string) (bool, error) { return true, nil })
	ok, err := e.RequestConfirmation(context.Background(), inv, "test")
	if err != nil || !ok {
		t.Fatalf("expected confirmed, got %v %v", ok, err)
	}

	// No handler registered: deny by default.
	e2, _ := newEngine(t, config.PolicyConfig{DefaultPolicy: "confirm"}, nil, nil)
	ok, err = e2.RequestConfirmation(context.Background(), inv, "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected denial without a confirmation handler")
	}
}
