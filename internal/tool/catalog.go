package tool

import (
	"fmt"
	"log/slog"
)

// Limits holds the domain-level sanity bounds applied to mutating tools.
// Zero values disable the corresponding bound.
type Limits struct {
	MaxOrderQuantity float64
	MaxOrderNotional float64
}

var contractParams = []Param{
	{Name: "symbol", Type: TypeString, Description: "Trading symbol, e.g. AAPL", Required: true},
	{Name: "sec_type", Type: TypeEnum, Description: "Security type", Enum: []string{"STK", "OPT", "FUT"}, Default: "STK"},
	{Name: "exchange", Type: TypeString, Description: "Exchange; SMART for smart routing", Default: "SMART"},
	{Name: "currency", Type: TypeString, Description: "Contract currency", Default: "USD"},
}

// NewCatalog builds the fixed tool table and freezes it. The catalog is the
// complete set of operations the model may request; nothing is registered
// after startup.
func NewCatalog(limits Limits, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry(logger)

	specs := []*Spec{
		{
			Name:        "get_quote",
			Description: "Get current market data (bid, ask, last, volume) for a contract.",
			Params:      contractParams,
		},
		{
			Name:        "qualify_contract",
			Description: "Qualify a contract, filling in missing identifying fields.",
			Params:      contractParams,
		},
		{
			Name:        "place_order",
			Description: "Place an order. Limit orders require limit_price. This moves real money.",
			Params: append([]Param{
				{Name: "symbol", Type: TypeString, Description: "Trading symbol, e.g. AAPL", Required: true},
				{Name: "side", Type: TypeEnum, Description: "Order side", Enum: []string{"buy", "sell"}, Required: true},
				{Name: "quantity", Type: TypeNumber, Description: "Number of shares or contracts", Required: true},
				{Name: "order_type", Type: TypeEnum, Description: "Order type", Enum: []string{"limit", "market"}, Default: "limit"},
				{Name: "limit_price", Type: TypeNumber, Description: "Limit price; required for limit orders"},
			}, contractParams[1:]...),
			Mutating: true,
			Check:    orderCheck(limits),
		},
		{
			Name:        "positions",
			Description: "List current positions for the account.",
			Params: []Param{
				{Name: "account", Type: TypeString, Description: "Account ID; empty for the default account", Default: ""},
			},
		},
		{
			Name:        "account_values",
			Description: "List account values (net liquidation, buying power, etc.).",
			Params: []Param{
				{Name: "account", Type: TypeString, Description: "Account ID; empty for the default account", Default: ""},
			},
		},
	}

	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	reg.Freeze()
	return reg, nil
}

// orderCheck enforces the sanity bounds for place_order. Args arrive typed:
// numbers are float64, enums are canonical strings.
func orderCheck(limits Limits) func(args map[string]any) error {
	return func(args map[string]any) error {
		qty, _ := args["quantity"].(float64)
		if qty <= 0 {
			return fmt.Errorf("quantity must be positive")
		}
		if limits.MaxOrderQuantity > 0 && qty > limits.MaxOrderQuantity {
			return fmt.Errorf("quantity %g exceeds maximum %g", qty, limits.MaxOrderQuantity)
		}

		orderType, _ := args["order_type"].(string)
		price, hasPrice := args["limit_price"].(float64)
		if orderType == "limit" {
			if !hasPrice {
				return fmt.Errorf("limit_price is required for limit orders")
			}
			if price <= 0 {
				return fmt.Errorf("limit_price must be positive")
			}
			if limits.MaxOrderNotional > 0 && qty*price > limits.MaxOrderNotional {
				return fmt.Errorf("order notional %.2f exceeds maximum %.2f", qty*price, limits.MaxOrderNotional)
			}
		}
		return nil
	}
}
