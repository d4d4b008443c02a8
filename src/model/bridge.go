package model

// Raw payloads returned by the venue bridge. Numeric fields arrive as strings to keep
// full precision; the mapper package converts them into the engine models.

const (
	BridgePositionBuy  = 0
	BridgePositionSell = 1

	BridgeDealEntryIn  = 0
	BridgeDealEntryOut = 1
)

type BridgeSymbolInfo struct {
	Name              string `json:"name"`
	Point             string `json:"point"`
	Digits            int32  `json:"digits"`
	TradeFreezeLevel  int64  `json:"trade_freeze_level"`
	TradeStopsLevel   int64  `json:"trade_stops_level"`
	TradeContractSize string `json:"trade_contract_size"`
	Bid               string `json:"bid"`
	Ask               string `json:"ask"`
}

type BridgeTick struct {
	Symbol string `json:"symbol"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
	TimeMs int64  `json:"time_msc"`
}

type BridgePosition struct {
	Ticket       uint64 `json:"ticket"`
	Symbol       string `json:"symbol"`
	Type         int    `json:"type"` // BridgePositionBuy / BridgePositionSell
	Volume       string `json:"volume"`
	PriceOpen    string `json:"price_open"`
	PriceCurrent string `json:"price_current"`
	Profit       string `json:"profit"`
	SL           string `json:"sl"`
	TimeMs       int64  `json:"time_msc"`
}

type BridgeDeal struct {
	Ticket     uint64 `json:"ticket"`
	PositionID uint64 `json:"position_id"`
	Symbol     string `json:"symbol"`
	Entry      int    `json:"entry"`
	Profit     string `json:"profit"`
	Swap       string `json:"swap"`
	Commission string `json:"commission"`
	Fee        string `json:"fee"`
	Reason     string `json:"reason"`
	TimeMs     int64  `json:"time_msc"`
}

// BridgeTradeResult is the answer to a modify or close request.
type BridgeTradeResult struct {
	Retcode   int    `json:"retcode"`
	Comment   string `json:"comment"`
	RequestID string `json:"request_id"`
}
