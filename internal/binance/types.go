package binance

// orderResponse is the RESULT response of POST /fapi/v1/order.
type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	ClientOrderID string `json:"clientOrderId"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	CumQuote      string `json:"cumQuote"`
	Side          string `json:"side"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

// assetBalance is one entry of GET /fapi/v2/balance.
type assetBalance struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
	UpdateTime       int64  `json:"updateTime"`
}

// positionRisk is one entry of GET /fapi/v2/positionRisk.
type positionRisk struct {
	Symbol       string `json:"symbol"`
	PositionAmt  string `json:"positionAmt"`
	EntryPrice   string `json:"entryPrice"`
	MarkPrice    string `json:"markPrice"`
	PositionSide string `json:"positionSide"`
}

// tickerPrice is GET /fapi/v1/ticker/price.
type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// accountInfo holds the fields of GET /fapi/v2/account the adapter reads.
type accountInfo struct {
	CanTrade    bool `json:"canTrade"`
	CanWithdraw bool `json:"canWithdraw"`
}
