package domain

// Quote is a market data snapshot for one contract.
type Quote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	Volume float64 `json:"volume"`
}

// Contract identifies a tradable instrument after qualification.
type Contract struct {
	ConID    int64  `json:"con_id"`
	Symbol   string `json:"symbol"`
	SecType  string `json:"sec_type"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

// OrderRequest is a fully validated order ready for the gateway.
type OrderRequest struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`       // BUY | SELL
	Quantity   float64 `json:"quantity"`
	OrderType  string  `json:"order_type"` // LMT | MKT
	LimitPrice float64 `json:"limit_price,omitempty"`
	SecType    string  `json:"sec_type"`
	Exchange   string  `json:"exchange"`
	Currency   string  `json:"currency"`
}

// OrderReceipt is the gateway acknowledgment for a placed order.
type OrderReceipt struct {
	OrderID int64  `json:"order_id"`
	Status  string `json:"status"`
}

type Position struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgCost  float64 `json:"avg_cost"`
	Account  string  `json:"account,omitempty"`
}

type AccountValue struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Currency string `json:"currency,omitempty"`
}
