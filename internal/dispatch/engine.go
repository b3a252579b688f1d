// Package dispatch orchestrates one tool invocation per conversation turn:
// resolve the model's raw intent, authorize it, execute it against the
// session adapter, and hand the result (or a structured failure) back to
// the conversation loop. Nothing here ever talks to the user directly.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"brokerbot/internal/broker"
	"brokerbot/internal/domain"
	"brokerbot/internal/metrics"
	"brokerbot/internal/policy"
	"brokerbot/internal/resolve"
)

// State is the per-turn dispatch phase. Failed and Completed are terminal.
type State string

const (
	StateAwaitingIntent State = "awaiting_intent"
	StateResolving      State = "resolving"
	StateAuthorizing    State = "authorizing"
	StateExecuting      State = "executing"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

// verifyAdvisory is appended to mutating session failures: after a timeout
// the engine must not assume the order did or did not execute.
const verifyAdvisory = " The outcome of this order is UNCERTAIN: it may or may not have executed. " +
	"Tell the user to verify the order status with their broker manually before retrying."

// Executor runs a resolved invocation against the external session.
type Executor interface {
	Execute(ctx context.Context, inv *resolve.Invocation) (any, error)
}

// Authorizer is the policy seam between resolution and execution.
type Authorizer interface {
	Authorize(ctx context.Context, inv *resolve.Invocation) (policy.Decision, string, error)
	RequestConfirmation(ctx context.Context, inv *resolve.Invocation, reason string) (bool, error)
}

// Turn records one pass through the state machine, mostly for logs and
// tests; the conversation loop only consumes Result.
type Turn struct {
	Tool   string
	States []State
	Result domain.InvocationResult
}

func (t *Turn) transition(s State) {
	t.States = append(t.States, s)
}

func (t *Turn) Current() State {
	if len(t.States) == 0 {
		return StateAwaitingIntent
	}
	return t.States[len(t.States)-1]
}

type Config struct {
	Resolver    *resolve.Resolver
	Executor    Executor
	Authorizer  Authorizer
	Logger      *slog.Logger
	CallTimeout time.Duration // per external call; 0 means no engine-side bound
	MaxReads    int           // bounded pool for concurrent read-only calls
}

type Engine struct {
	resolver    *resolve.Resolver
	executor    Executor
	authorizer  Authorizer
	logger      *slog.Logger
	callTimeout time.Duration

	mutMu    sync.Mutex   // single-flight serialization for mutating calls
	inflight atomic.Int64 // mutating invocations currently executing
	readSem  chan struct{}
}

func NewEngine(cfg Config) *Engine {
	if cfg.MaxReads <= 0 {
		cfg.MaxReads = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		resolver:    cfg.Resolver,
		executor:    cfg.Executor,
		authorizer:  cfg.Authorizer,
		logger:      cfg.Logger,
		callTimeout: cfg.CallTimeout,
		readSem:     make(chan struct{}, cfg.MaxReads),
	}
}

// InflightMutating reports how many mutating invocations are executing.
// The invariant is that it never exceeds 1.
func (e *Engine) InflightMutating() int64 {
	return e.inflight.Load()
}

// Dispatch runs one tool call through the state machine and returns the
// result for the model. Failures never surface as raw errors.
func (e *Engine) Dispatch(ctx context.Context, tc domain.ToolCall) domain.InvocationResult {
	return e.Run(ctx, tc).Result
}

// Run is Dispatch with the full turn trace exposed.
func (e *Engine) Run(ctx context.Context, tc domain.ToolCall) *Turn {
	turn := &Turn{Tool: tc.Name, States: []State{StateAwaitingIntent}}
	start := time.Now()

	turn.transition(StateResolving)
	inv, err := e.resolver.Resolve(tc)
	if err != nil {
		e.logger.Info("resolution failed", "tool", tc.Name, "error", err)
		return e.fail(turn, err, false)
	}

	turn.transition(StateAuthorizing)
	decision, reason, err := e.authorizer.Authorize(ctx, inv)
	if err != nil {
		return e.fail(turn, err, inv.Spec.Mutating)
	}
	switch decision {
	case policy.DecisionBlock:
		turn.transition(StateFailed)
		turn.Result = domain.FailureResult(tc.Name, domain.FailUnauthorized, reason)
		metrics.DispatchBlocked.Inc()
		return turn
	case policy.DecisionConfirm:
		confirmed, err := e.authorizer.RequestConfirmation(ctx, inv, reason)
		if err != nil {
			return e.fail(turn, err, inv.Spec.Mutating)
		}
		if !confirmed {
			turn.transition(StateFailed)
			turn.Result = domain.FailureResult(tc.Name, domain.FailUnauthorized, "the user declined to confirm this action")
			metrics.DispatchDenied.Inc()
			return turn
		}
	}

	// Cancellation is honored here and no later: once a mutating request
	// has been sent the turn runs to completion or timeout.
	if err := ctx.Err(); err != nil {
		return e.fail(turn, fmt.Errorf("turn cancelled before execution: %w", err), false)
	}

	turn.transition(StateExecuting)
	payload, err := e.execute(ctx, inv)
	if err != nil {
		return e.fail(turn, err, inv.Spec.Mutating)
	}

	turn.transition(StateCompleted)
	turn.Result = domain.SuccessResult(tc.Name, payload)
	metrics.DispatchOK.Inc()
	metrics.DispatchLatency.Observe(time.Since(start).Seconds())
	return turn
}

// execute issues at most one external request. Mutating calls are
// single-flight behind the engine mutex; read-only calls share a bounded
// pool so market data cannot starve the gateway's rate limits.
func (e *Engine) execute(ctx context.Context, inv *resolve.Invocation) (any, error) {
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}

	if inv.Spec.Mutating {
		e.mutMu.Lock()
		defer e.mutMu.Unlock()
		e.inflight.Add(1)
		metrics.MutatingInflight.Inc()
		defer func() {
			e.inflight.Add(-1)
			metrics.MutatingInflight.Dec()
		}()
		return e.executor.Execute(ctx, inv)
	}

	select {
	case e.readSem <- struct{}{}:
		defer func() { <-e.readSem }()
	case <-ctx.Done():
		return nil, &broker.SessionError{Op: inv.Spec.Name, Err: ctx.Err()}
	}
	return e.executor.Execute(ctx, inv)
}

func (e *Engine) fail(turn *Turn, err error, mutating bool) *Turn {
	kind, message := failureFor(err)

	if mutating && kind == domain.FailSession {
		var se *broker.SessionError
		if errors.As(err, &se) {
			message += verifyAdvisory
		}
	}

	turn.transition(StateFailed)
	turn.Result = domain.FailureResult(turn.Tool, kind, message)
	metrics.DispatchFailed.Inc()
	e.logger.Warn("dispatch failed", "tool", turn.Tool, "kind", string(kind), "error", err)
	return turn
}
