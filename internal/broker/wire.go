package broker

import "encoding/json"

// The gateway speaks JSON frames over a single websocket. Requests carry a
// client-assigned correlation ID; the response echoes it. An ID must not be
// reused before its response is consumed, which is why the session hands
// out a fresh UUID per request.

type gatewayRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type gatewayResponse struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Gateway method names.
const (
	methodQuote         = "quote"
	methodQualify       = "qualify_contract"
	methodPlaceOrder    = "place_order"
	methodPositions     = "positions"
	methodAccountValues = "account_values"
)

type contractParams struct {
	Symbol   string `json:"symbol"`
	SecType  string `json:"sec_type"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

type accountParams struct {
	Account string `json:"account,omitempty"`
}
