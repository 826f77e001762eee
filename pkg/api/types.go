package api

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperexchange/pkg/app/core/asset"
	"github.com/uhyunpark/hyperexchange/pkg/app/core/registry"
)

// API response types for REST endpoints and WebSocket messages.
// Amounts are minor-unit integer strings; Formatted fields are whole units.

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Balance is one asset cell of an account.
type Balance struct {
	Asset     string `json:"asset"`
	Symbol    string `json:"symbol"`
	Amount    string `json:"amount"`
	Formatted string `json:"formatted"`
}

type AccountBalances struct {
	Address  string    `json:"address"`
	Balances []Balance `json:"balances"`
}

func newBalance(a common.Address, amount *uint256.Int) Balance {
	return Balance{
		Asset:     a.Hex(),
		Symbol:    asset.Label(a),
		Amount:    amount.Dec(),
		Formatted: asset.FormatUnits(amount, asset.Decimals),
	}
}

type OrderInfo struct {
	ID         uint64 `json:"id"`
	User       string `json:"user"`
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
	Timestamp  int64  `json:"timestamp"`
	Status     string `json:"status"` // open, filled or cancelled
	Filled     bool   `json:"filled"`
	Cancelled  bool   `json:"cancelled"`
}

func newOrderInfo(o registry.Order, st registry.Status) OrderInfo {
	return OrderInfo{
		ID:         o.ID,
		User:       o.Owner.Hex(),
		TokenGet:   o.TokenGet.Hex(),
		AmountGet:  o.AmountGet.Dec(),
		TokenGive:  o.TokenGive.Hex(),
		AmountGive: o.AmountGive.Dec(),
		Timestamp:  o.Timestamp,
		Status:     st.String(),
		Filled:     st.Filled,
		Cancelled:  st.Cancelled,
	}
}

// OrderStatusInfo answers status queries; unknown ids report both flags false.
type OrderStatusInfo struct {
	ID        uint64 `json:"id"`
	Filled    bool   `json:"filled"`
	Cancelled bool   `json:"cancelled"`
}

// ExchangeInfo describes the engine's fixed parameters and progress.
type ExchangeInfo struct {
	FeeAccount string   `json:"feeAccount"`
	FeePercent uint64   `json:"feePercent"`
	Custody    string   `json:"custody"`
	Tokens     []string `json:"tokens"`
	OrderCount uint64   `json:"orderCount"`
	LastSeq    uint64   `json:"lastSeq"`
	StateHash  string   `json:"stateHash"`
	Signatures bool     `json:"requireSignatures"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by clients:
//
//	{"op": "subscribe", "channels": ["events", "account:0xabc..."]}
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // subscribe or unsubscribe
	Channels []string `json:"channels"`
}

// WSMessage wraps every push. Seq is the event that triggered it.
type WSMessage struct {
	Channel string `json:"channel"`
	Seq     uint64 `json:"seq"`
	Data    any    `json:"data"`
}

const (
	ChannelEvents    = "events"
	ChannelOrderBook = "orderbook"
	ChannelTrades    = "trades"
	accountPrefix    = "account:"
)

// AccountChannel names the per-account channel. Addresses are lower-cased so
// clients may subscribe with either checksum or plain hex.
func AccountChannel(a common.Address) string {
	return accountPrefix + lowerHex(a)
}
