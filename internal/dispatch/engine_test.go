package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"brokerbot/internal/broker"
	"brokerbot/internal/domain"
	"brokerbot/internal/policy"
	"brokerbot/internal/resolve"
	"brokerbot/internal/tool"
)

type stubExecutor struct {
	mu       sync.Mutex
	calls    int
	maxBusy  int64
	busy     atomic.Int64
	delay    time.Duration
	result   any
	err      error
	lastName string
}

func (s *stubExecutor) Execute(ctx context.Context, inv *resolve.Invocation) (any, error) {
	n := s.busy.Add(1)
	s.mu.Lock()
	s.calls++
	s.lastName = inv.Spec.Name
	if n > s.maxBusy {
		s.maxBusy = n
	}
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.busy.Add(-1)
	return s.result, s.err
}

type stubAuthorizer struct {
	decision  policy.Decision
	reason    string
	confirm   bool
	confirmed int
}

func (s *stubAuthorizer) Authorize(ctx context.Context, inv *resolve.Invocation) (policy.Decision, string, error) {
	return s.decision, s.reason, nil
}

func (s *stubAuthorizer) RequestConfirmation(ctx context.Context, inv *resolve.Invocation, reason string) (bool, error) {
	s.confirmed++
	return s.confirm, nil
}

func testEngine(t *testing.T, exec Executor, auth Authorizer) *Engine {
	t.Helper()
	reg, err := tool.NewCatalog(tool.Limits{MaxOrderQuantity: 10000, MaxOrderNotional: 1000000}, slog.Default())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return NewEngine(Config{
		Resolver:   resolve.NewResolver(reg),
		Executor:   exec,
		Authorizer: auth,
		Logger:     slog.Default(),
	})
}

func quoteCall() domain.ToolCall {
	return domain.ToolCall{ID: "tc-1", Name: "get_quote", Arguments: map[string]any{"symbol": "AAPL"}}
}

func orderCall() domain.ToolCall {
	return domain.ToolCall{ID: "tc-2", Name: "place_order", Arguments: map[string]any{
		"symbol":      "AAPL",
		"side":        "buy",
		"quantity":    10.0,
		"order_type":  "limit",
		"limit_price": 150.0,
	}}
}

func TestDispatchQuoteCompletes(t *testing.T) {
	exec := &stubExecutor{result: domain.Quote{Symbol: "AAPL", Last: 150.0}}
	eng := testEngine(t, exec, &stubAuthorizer{decision: policy.DecisionAllow})

	turn := eng.Run(context.Background(), quoteCall())
	if !turn.Result.OK {
		t.Fatalf("expected success, got %+v", turn.Result.Failure)
	}
	q, ok := turn.Result.Payload.(domain.Quote)
	if !ok || q.Last != 150.0 {
		t.Fatalf("unexpected payload: %#v", turn.Result.Payload)
	}

	want := []State{StateAwaitingIntent, StateResolving, StateAuthorizing, StateExecuting, StateCompleted}
	if len(turn.States) != len(want) {
		t.Fatalf("states = %v, want %v", turn.States, want)
	}
	for i, s := range want {
		if turn.States[i] != s {
			t.Fatalf("state[%d] = %s, want %s", i, turn.States[i], s)
		}
	}
}

func TestDispatchUnknownToolFailsWithoutExecution(t *testing.T) {
	exec := &stubExecutor{}
	eng := testEngine(t, exec, &stubAuthorizer{decision: policy.DecisionAllow})

	res := eng.Dispatch(context.Background(), domain.ToolCall{Name: "sell_stock", Arguments: map[string]any{}})
	if res.OK {
		t.Fatal("expected failure for unknown tool")
	}
	if res.Failure.Kind != domain.FailUnknownTool {
		t.Fatalf("kind = %s, want %s", res.Failure.Kind, domain.FailUnknownTool)
	}
	if exec.calls != 0 {
		t.Fatalf("executor called %d times for unresolvable intent", exec.calls)
	}
}

func TestDispatchResolutionFailureSkipsPolicy(t *testing.T) {
	exec := &stubExecutor{}
	eng := testEngine(t, exec, &stubAuthorizer{decision: policy.DecisionBlock, reason: "should never be consulted"})

	res := eng.Dispatch(context.Background(), domain.ToolCall{Name: "get_quote", Arguments: map[string]any{}})
	if res.OK || res.Failure.Kind != domain.FailMissingArgument {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDispatchPolicyBlock(t *testing.T) {
	exec := &stubExecutor{}
	eng := testEngine(t, exec, &stubAuthorizer{decision: policy.DecisionBlock, reason: "symbol GME is blocked by policy"})

	res := eng.Dispatch(context.Background(), orderCall())
	if res.OK {
		t.Fatal("expected block")
	}
	if res.Failure.Kind != domain.FailUnauthorized {
		t.Fatalf("kind = %s, want %s", res.Failure.Kind, domain.FailUnauthorized)
	}
	if !strings.Contains(res.Failure.Message, "blocked by policy") {
		t.Fatalf("message should carry the policy reason: %q", res.Failure.Message)
	}
	if exec.calls != 0 {
		t.Fatal("blocked invocation must not reach the executor")
	}
}

func TestDispatchConfirmDenied(t *testing.T) {
	exec := &stubExecutor{}
	auth := &stubAuthorizer{decision: policy.DecisionConfirm, reason: "order notional exceeds threshold", confirm: false}
	eng := testEngine(t, exec, auth)

	res := eng.Dispatch(context.Background(), orderCall())
	if res.OK || res.Failure.Kind != domain.FailUnauthorized {
		t.Fatalf("unexpected result: %+v", res)
	}
	if auth.confirmed != 1 {
		t.Fatalf("confirmation requested %d times, want 1", auth.confirmed)
	}
	if exec.calls != 0 {
		t.Fatal("denied invocation must not execute")
	}
}

func TestDispatchConfirmAccepted(t *testing.T) {
	exec := &stubExecutor{result: domain.OrderReceipt{OrderID: 7, Status: "Submitted"}}
	auth := &stubAuthorizer{decision: policy.DecisionConfirm, reason: "order notional exceeds threshold", confirm: true}
	eng := testEngine(t, exec, auth)

	res := eng.Dispatch(context.Background(), orderCall())
	if !res.OK {
		t.Fatalf("expected success after confirmation, got %+v", res.Failure)
	}
	if exec.calls != 1 {
		t.Fatalf("executor called %d times, want 1", exec.calls)
	}
}

func TestMutatingSingleFlight(t *testing.T) {
	exec := &stubExecutor{result: domain.OrderReceipt{OrderID: 1, Status: "Submitted"}, delay: 10 * time.Millisecond}
	eng := testEngine(t, exec, &stubAuthorizer{decision: policy.DecisionAllow})

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := eng.Dispatch(context.Background(), orderCall())
			if !res.OK {
				t.Errorf("dispatch failed: %+v", res.Failure)
			}
		}()
	}
	wg.Wait()

	if exec.calls != n {
		t.Fatalf("executor calls = %d, want %d", exec.calls, n)
	}
	if exec.maxBusy > 1 {
		t.Fatalf("observed %d concurrent mutating executions, want at most 1", exec.maxBusy)
	}
	if got := eng.InflightMutating(); got != 0 {
		t.Fatalf("inflight gauge = %d after drain, want 0", got)
	}
}

func TestMutatingTimeoutCarriesVerifyAdvisory(t *testing.T) {
	exec := &stubExecutor{err: &broker.SessionError{Op: "place_order", Timeout: true, Err: context.DeadlineExceeded}}
	eng := testEngine(t, exec, &stubAuthorizer{decision: policy.DecisionAllow})

	res := eng.Dispatch(context.Background(), orderCall())
	if res.OK || res.Failure.Kind != domain.FailSession {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(res.Failure.Message, "UNCERTAIN") {
		t.Fatalf("mutating session failure should warn about unknown outcome: %q", res.Failure.Message)
	}
	if exec.calls != 1 {
		t.Fatalf("executor calls = %d, want exactly 1 (no retry)", exec.calls)
	}
}

func TestReadTimeoutHasNoAdvisory(t *testing.T) {
	exec := &stubExecutor{err: &broker.SessionError{Op: "quote", Timeout: true, Err: context.DeadlineExceeded}}
	eng := testEngine(t, exec, &stubAuthorizer{decision: policy.DecisionAllow})

	res := eng.Dispatch(context.Background(), quoteCall())
	if res.OK || res.Failure.Kind != domain.FailSession {
		t.Fatalf("unexpected result: %+v", res)
	}
	if strings.Contains(res.Failure.Message, "UNCERTAIN") {
		t.Fatalf("read-only failure must not carry the order advisory: %q", res.Failure.Message)
	}
}

func TestGatewayRejectionMapsToSessionFailure(t *testing.T) {
	exec := &stubExecutor{err: &broker.GatewayError{Op: "place_order", Message: "order rejected: insufficient margin"}}
	eng := testEngine(t, exec, &stubAuthorizer{decision: policy.DecisionAllow})

	res := eng.Dispatch(context.Background(), orderCall())
	if res.OK || res.Failure.Kind != domain.FailSession {
		t.Fatalf("unexpected result: %+v", res)
	}
	if strings.Contains(res.Failure.Message, "UNCERTAIN") {
		t.Fatalf("a definitive rejection must not carry the advisory: %q", res.Failure.Message)
	}
}

func TestCancellationBeforeExecution(t *testing.T) {
	exec := &stubExecutor{}
	eng := testEngine(t, exec, &stubAuthorizer{decision: policy.DecisionAllow})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := eng.Dispatch(ctx, orderCall())
	if res.OK {
		t.Fatal("expected failure on cancelled context")
	}
	if exec.calls != 0 {
		t.Fatal("cancelled turn must not reach the executor")
	}
	var last State
	// the turn trace never reports Executing for a cancelled turn
	turn := eng.Run(ctx, orderCall())
	last = turn.Current()
	if last != StateFailed {
		t.Fatalf("terminal state = %s, want %s", last, StateFailed)
	}
	for _, s := range turn.States {
		if s == StateExecuting {
			t.Fatal("cancelled turn entered the executing state")
		}
	}
}
