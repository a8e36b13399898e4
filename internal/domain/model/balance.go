package model

// BalanceResponse is the decoded inquire-balance payload. Only the fields the
// sync engine reads are kept.
type BalanceResponse struct {
	ResultCode  string        `json:"rt_cd"`
	MessageCode string        `json:"msg_cd"`
	Message     string        `json:"msg1"`
	Holdings    []BalanceItem `json:"output1"`
}

// OK reports whether the brokerage accepted the request.
func (r BalanceResponse) OK() bool {
	return r.ResultCode == "0"
}

// BalanceItem is one position as reported by the brokerage. Numeric fields
// arrive as strings.
type BalanceItem struct {
	StockCode    string `json:"pdno"`
	StockName    string `json:"prdt_name"`
	Quantity     string `json:"hldg_qty"`
	AvgPrice     string `json:"pchs_avg_pric"`
	CurrentPrice string `json:"prpr"`
}
