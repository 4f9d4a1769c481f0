package models

import "encoding/json"

// StreamFrame is the envelope used by the combined upstream stream. The
// payload stays raw until the frame has been classified by stream name.
type StreamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// TradeTick is a single executed trade. Field tags follow the upstream wire
// layout so the same shape flows from the exchange through the bus to
// subscribed clients and into storage without re-mapping.
type TradeTick struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// DepthUpdate is an incremental order book delta. Bid and ask levels are
// [price, quantity] string pairs as sent by the exchange.
type DepthUpdate struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	LastUpdateID  int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}
