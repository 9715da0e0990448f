package models

import "time"

// CoinSnapshot is the canonical per-symbol record maintained by the service.
// It is updated in place on every upstream tick for that symbol and removed
// only when the symbol is delisted upstream.
type CoinSnapshot struct {
	Symbol       string  `json:"symbol"`
	MidPrice     float64 `json:"mid_price"`
	MarkPrice    float64 `json:"mark_price"`
	PrevDayPrice float64 `json:"prev_day_price"`
	DayChangePct float64 `json:"day_change_pct"`
	Volume24h    float64 `json:"volume_24h"`
	FundingRate  float64 `json:"funding_rate"`
	OpenInterest float64 `json:"open_interest"`
}

// RankedView holds the three orderings recomputed from the full symbol
// universe on each publish cycle. Every symbol in the universe appears in
// exactly one position of each ordering.
type RankedView struct {
	Gainers    []CoinSnapshot `json:"gainers"`
	Losers     []CoinSnapshot `json:"losers"`
	TopVolume  []CoinSnapshot `json:"top_volume"`
	TotalCoins int            `json:"total_coins"`
}

// Wire message types exchanged on the streaming endpoint.
const (
	MessageTypeTopGainersUpdate = "top_gainers_update"
	MessageTypePong             = "pong"
)

// HeartbeatPayload is the raw text frame clients send to keep the session
// alive. It carries no JSON envelope.
const HeartbeatPayload = "ping"

// SnapshotMessage is one complete broadcast of all three ranked views. It is
// immutable once constructed; a single marshalled instance is fanned out to
// every subscriber per cycle.
type SnapshotMessage struct {
	Type      string     `json:"type"`
	Timestamp int64      `json:"timestamp"`
	Data      RankedView `json:"data"`
}

// PongMessage is the heartbeat reply sent for every received ping payload.
type PongMessage struct {
	Type string `json:"type"`
}

// Tick is one normalized update emitted by a feed source. Snapshot carries the
// merged per-symbol record after the update was applied. Delisted marks the
// symbol for removal from the universe instead.
type Tick struct {
	Symbol    string
	Snapshot  CoinSnapshot
	Delisted  bool
	Source    string
	Timestamp time.Time
}

// NewSnapshotMessage wraps a ranked view in the wire envelope with a
// millisecond timestamp.
func NewSnapshotMessage(view RankedView, at time.Time) SnapshotMessage {
	return SnapshotMessage{
		Type:      MessageTypeTopGainersUpdate,
		Timestamp: at.UnixMilli(),
		Data:      view,
	}
}
