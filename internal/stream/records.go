package stream

import (
	"encoding/json"
	"time"
)

// Inbound record type tags. Every record in a frame carries one in its "T"
// field.
const (
	tagSuccess      = "success"
	tagSubscription = "subscription"
	tagError        = "error"
	tagTrade        = "t"
	tagQuote        = "q"
	tagBar          = "b"
	tagStatus       = "s"
	tagLULD         = "l"
	tagCorrection   = "c"
)

// recordEnvelope extracts the type tag without parsing the full record.
type recordEnvelope struct {
	Type string `json:"T"`
}

// controlRecord covers the success acknowledgements ("connected",
// "authenticated").
type controlRecord struct {
	Type string `json:"T"`
	Msg  string `json:"msg"`
}

// Trade is a single executed trade.
type Trade struct {
	Symbol     string    `json:"S"`
	ID         int64     `json:"i"`
	Exchange   string    `json:"x"`
	Price      float64   `json:"p"`
	Size       uint32    `json:"s"`
	Conditions []string  `json:"c"`
	Tape       string    `json:"z"`
	Timestamp  time.Time `json:"t"`
}

// Quote is a top-of-book bid/ask update.
type Quote struct {
	Symbol      string    `json:"S"`
	BidExchange string    `json:"bx"`
	BidPrice    float64   `json:"bp"`
	BidSize     uint32    `json:"bs"`
	AskExchange string    `json:"ax"`
	AskPrice    float64   `json:"ap"`
	AskSize     uint32    `json:"as"`
	Conditions  []string  `json:"c"`
	Tape        string    `json:"z"`
	Timestamp   time.Time `json:"t"`
}

// Bar is an aggregated OHLCV bar.
type Bar struct {
	Symbol    string    `json:"S"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    uint64    `json:"v"`
	Timestamp time.Time `json:"t"`
}

// TradingStatus reports a halt/resume or other status change for a symbol.
type TradingStatus struct {
	Symbol        string    `json:"S"`
	StatusCode    string    `json:"sc"`
	StatusMessage string    `json:"sm"`
	ReasonCode    string    `json:"rc"`
	ReasonMessage string    `json:"rm"`
	Tape          string    `json:"z"`
	Timestamp     time.Time `json:"t"`
}

// LULD is a limit-up/limit-down price band update.
type LULD struct {
	Symbol    string    `json:"S"`
	LimitUp   float64   `json:"u"`
	LimitDown float64   `json:"d"`
	Indicator string    `json:"i"`
	Tape      string    `json:"z"`
	Timestamp time.Time `json:"t"`
}

// TradeCorrection amends a previously reported trade.
type TradeCorrection struct {
	Symbol         string    `json:"S"`
	Exchange       string    `json:"x"`
	OriginalID     int64     `json:"oi"`
	OriginalPrice  float64   `json:"op"`
	OriginalSize   uint32    `json:"os"`
	CorrectedID    int64     `json:"ci"`
	CorrectedPrice float64   `json:"cp"`
	CorrectedSize  uint32    `json:"cs"`
	Tape           string    `json:"z"`
	Timestamp      time.Time `json:"t"`
}

// SubscriptionAck reports the server-side subscription state after a
// subscribe or unsubscribe command.
type SubscriptionAck struct {
	Trades      []string `json:"trades"`
	Quotes      []string `json:"quotes"`
	Bars        []string `json:"bars"`
	Statuses    []string `json:"statuses"`
	LULDs       []string `json:"lulds"`
	Corrections []string `json:"corrections"`
}

// StreamError is an explicit error record from the feed. It does not by
// itself force a reconnect.
type StreamError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

// Error implements the error interface.
func (e StreamError) Error() string {
	return e.Message
}

// authCommand is the one credential message sent after transport open.
type authCommand struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// pingCommand is the heartbeat probe.
type pingCommand struct {
	Action string `json:"action"`
}

// subscriptionCommand builds a subscribe/unsubscribe command carrying one
// channel's symbol list, e.g. {"action":"subscribe","quotes":["AAPL"]}.
func subscriptionCommand(action, channel string, symbols []string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"action": action,
		channel:  symbols,
	})
}
