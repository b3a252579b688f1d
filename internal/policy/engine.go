// Package policy is the authorization seam between resolution and
// execution. The default policy is configurable, but every mutating
// invocation passes through here so confirmation-for-high-risk orders has
// a home even when the policy is permissive.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"brokerbot/internal/config"
	"brokerbot/internal/domain"
	"brokerbot/internal/metrics"
	"brokerbot/internal/resolve"
)

type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionBlock   Decision = "block"
	DecisionConfirm Decision = "confirm"
)

// ConfirmFunc asks the user to approve a high-risk action.
type ConfirmFunc func(ctx context.Context, question string) (bool, error)

// QuoteSource provides the last traded price for price-band and market
// order notional checks. Read-only; implemented by the session adapter.
type QuoteSource interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

type Engine struct {
	cfg       config.PolicyConfig
	limits    map[string]SymbolLimit
	confirmFn ConfirmFunc
	audit     domain.AuditLogger
	quotes    QuoteSource
	logger    *slog.Logger
}

func NewEngine(cfg config.PolicyConfig, confirmFn ConfirmFunc, audit domain.AuditLogger, quotes QuoteSource, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		limits:    make(map[string]SymbolLimit),
		confirmFn: confirmFn,
		audit:     audit,
		quotes:    quotes,
		logger:    logger,
	}
	if cfg.RulesPath != "" {
		limits, err := LoadRules(cfg.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("load policy rules: %w", err)
		}
		e.limits = limits
	}
	return e, nil
}

// Authorize decides whether a resolved invocation may execute. Read-only
// tools are always allowed; mutating tools run through per-symbol limits,
// the price band, and the notional confirmation threshold, in that order.
func (e *Engine) Authorize(ctx context.Context, inv *resolve.Invocation) (Decision, string, error) {
	if !inv.Spec.Mutating {
		return DecisionAllow, "", nil
	}

	symbol, _ := inv.Args["symbol"].(string)
	qty, _ := inv.Args["quantity"].(float64)

	if limit, ok := e.limits[symbol]; ok {
		if limit.Blocked {
			reason := fmt.Sprintf("trading in %s is blocked by policy", symbol)
			e.logAudit(ctx, "order_blocked", inv.Spec.Name, reason, "blocked")
			return DecisionBlock, reason, nil
		}
		if limit.MaxQuantity > 0 && qty > limit.MaxQuantity {
			reason := fmt.Sprintf("quantity %g exceeds policy limit %g for %s", qty, limit.MaxQuantity, symbol)
			e.logAudit(ctx, "order_blocked", inv.Spec.Name, reason, "blocked")
			return DecisionBlock, reason, nil
		}
	}

	notional, priced := e.notional(ctx, inv, symbol, qty)

	if limit, ok := e.limits[symbol]; ok && limit.MaxNotional > 0 && priced && notional > limit.MaxNotional {
		reason := fmt.Sprintf("notional %.2f exceeds policy limit %.2f for %s", notional, limit.MaxNotional, symbol)
		e.logAudit(ctx, "order_blocked", inv.Spec.Name, reason, "blocked")
		return DecisionBlock, reason, nil
	}

	if reason, outside := e.outsidePriceBand(ctx, inv, symbol); outside {
		e.logAudit(ctx, "order_blocked", inv.Spec.Name, reason, "blocked")
		return DecisionBlock, reason, nil
	}

	if e.cfg.ConfirmNotionalAbove > 0 {
		if !priced {
			// Cannot price the order; treat it as high-risk.
			return DecisionConfirm, "order value could not be determined", nil
		}
		if notional > e.cfg.ConfirmNotionalAbove {
			return DecisionConfirm, fmt.Sprintf("order notional %.2f exceeds %.2f", notional, e.cfg.ConfirmNotionalAbove), nil
		}
	}

	switch e.cfg.DefaultPolicy {
	case "deny":
		reason := "mutating tools are denied by default policy"
		e.logAudit(ctx, "order_blocked", inv.Spec.Name, reason, "blocked")
		return DecisionBlock, reason, nil
	case "confirm":
		return DecisionConfirm, "confirmation required by default policy", nil
	default: // "allow"
		e.logAudit(ctx, "dispatch", inv.Spec.Name, "", "allowed")
		return DecisionAllow, "", nil
	}
}

// notional estimates the order value. Limit orders price at the limit;
// market orders fall back to the last traded price when a quote source is
// available.
func (e *Engine) notional(ctx context.Context, inv *resolve.Invocation, symbol string, qty float64) (float64, bool) {
	if price, ok := inv.Args["limit_price"].(float64); ok && price > 0 {
		return qty * price, true
	}
	if e.quotes == nil {
		return 0, false
	}
	last, err := e.quotes.LastPrice(ctx, symbol)
	if err != nil || last <= 0 {
		e.logger.Warn("could not price market order", "symbol", symbol, "error", err)
		return 0, false
	}
	return qty * last, true
}

// outsidePriceBand rejects limit prices far away from the last trade,
// the usual symptom of a misheard or misparsed instruction.
func (e *Engine) outsidePriceBand(ctx context.Context, inv *resolve.Invocation, symbol string) (string, bool) {
	if e.cfg.PriceBandPct <= 0 || e.quotes == nil {
		return "", false
	}
	price, ok := inv.Args["limit_price"].(float64)
	if !ok || price <= 0 {
		return "", false
	}
	last, err := e.quotes.LastPrice(ctx, symbol)
	if err != nil || last <= 0 {
		// Quote unavailable: the band cannot be checked, don't block on it.
		return "", false
	}
	deviation := math.Abs(price-last) / last * 100
	if deviation > e.cfg.PriceBandPct {
		return fmt.Sprintf("limit price %.2f deviates %.1f%% from last trade %.2f (band %.1f%%)",
			price, deviation, last, e.cfg.PriceBandPct), true
	}
	return "", false
}

// RequestConfirmation puts the decision to the user. Without a registered
// handler the action is denied.
func (e *Engine) RequestConfirmation(ctx context.Context, inv *resolve.Invocation, reason string) (bool, error) {
	if e.confirmFn == nil {
		e.logAudit(ctx, "confirm_no", inv.Spec.Name, "no confirmation handler", "denied")
		return false, nil
	}

	question := fmt.Sprintf("Confirmation required\n\nTool: %s\nArguments: %v\nReason: %s\n\nProceed? (yes/no)",
		inv.Spec.Name, inv.Args, reason)
	confirmed, err := e.confirmFn(ctx, question)
	if err != nil {
		e.logAudit(ctx, "confirm_no", inv.Spec.Name, "confirmation error: "+err.Error(), "denied")
		return false, err
	}

	if confirmed {
		e.logAudit(ctx, "confirm_yes", inv.Spec.Name, reason, "confirmed")
	} else {
		e.logAudit(ctx, "confirm_no", inv.Spec.Name, reason, "denied")
	}
	return confirmed, nil
}

func (e *Engine) logAudit(ctx context.Context, action, toolName, detail, result string) {
	if action == "order_blocked" {
		metrics.PolicyBlocks.Inc()
	}
	if !e.cfg.AuditLog || e.audit == nil {
		return
	}
	if err := e.audit.LogAudit(ctx, domain.AuditEntry{
		Action:   action,
		ToolName: toolName,
		Detail:   detail,
		Result:   result,
	}); err != nil {
		e.logger.Warn("audit log write failed", "error", err)
	}
}
