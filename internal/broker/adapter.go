package broker

import (
	"context"
	"fmt"
	"strings"

	"brokerbot/internal/domain"
	"brokerbot/internal/resolve"
)

// Execute maps a resolved invocation onto the gateway method for its tool
// and returns the tool-specific payload. Arguments are already validated
// and typed by the resolver; only shape conversion happens here.
func (s *Session) Execute(ctx context.Context, inv *resolve.Invocation) (any, error) {
	args := inv.Args
	str := func(key string) string { v, _ := args[key].(string); return v }

	switch inv.Spec.Name {
	case "get_quote":
		return s.GetQuote(ctx, str("symbol"), str("sec_type"), str("exchange"), str("currency"))
	case "qualify_contract":
		return s.QualifyContract(ctx, str("symbol"), str("sec_type"), str("exchange"), str("currency"))
	case "place_order":
		return s.PlaceOrder(ctx, OrderFromArgs(args))
	case "positions":
		return s.Positions(ctx, str("account"))
	case "account_values":
		return s.AccountValues(ctx, str("account"))
	default:
		// Guard against a spec registered without an adapter method.
		return nil, fmt.Errorf("no session adapter method for tool %q", inv.Spec.Name)
	}
}

// OrderFromArgs converts resolved place_order arguments into the gateway
// order shape: sides and order types go uppercase on the wire.
func OrderFromArgs(args map[string]any) domain.OrderRequest {
	str := func(key string) string { v, _ := args[key].(string); return v }
	num := func(key string) float64 { v, _ := args[key].(float64); return v }

	orderType := "LMT"
	if str("order_type") == "market" {
		orderType = "MKT"
	}
	return domain.OrderRequest{
		Symbol:     str("symbol"),
		Side:       strings.ToUpper(str("side")),
		Quantity:   num("quantity"),
		OrderType:  orderType,
		LimitPrice: num("limit_price"),
		SecType:    str("sec_type"),
		Exchange:   str("exchange"),
		Currency:   str("currency"),
	}
}
