// Package event defines the records the exchange emits for every committed
// operation. The stream is append-only and self-describing: an observer can
// rebuild balances and order history from it without querying the engine.
package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	json "github.com/goccy/go-json"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperexchange/pkg/app/core/registry"
)

// Kind names an event type.
type Kind string

const (
	KindDeposit  Kind = "Deposit"
	KindWithdraw Kind = "Withdraw"
	KindOrder    Kind = "Order"
	KindCancel   Kind = "Cancel"
	KindTrade    Kind = "Trade"
)

// Event is one committed state change. Seq starts at 1 and has no gaps.
//
// Deposit/Withdraw use Token, User, Amount and Balance (the post-operation balance).
// Order/Cancel/Trade use the order fields with User as the order owner;
// Trade also sets Filler and Fee.
type Event struct {
	Seq  uint64
	Kind Kind

	Token   common.Address
	User    common.Address
	Amount  *uint256.Int
	Balance *uint256.Int

	OrderID    uint64
	TokenGet   common.Address
	AmountGet  *uint256.Int
	TokenGive  common.Address
	AmountGive *uint256.Int
	Filler     common.Address
	Fee        *uint256.Int

	Timestamp int64 // unix seconds
}

func NewDeposit(token, user common.Address, amount, balance *uint256.Int, ts int64) Event {
	return Event{Kind: KindDeposit, Token: token, User: user, Amount: amount.Clone(), Balance: balance.Clone(), Timestamp: ts}
}

func NewWithdraw(token, user common.Address, amount, balance *uint256.Int, ts int64) Event {
	return Event{Kind: KindWithdraw, Token: token, User: user, Amount: amount.Clone(), Balance: balance.Clone(), Timestamp: ts}
}

func NewOrder(o registry.Order) Event {
	return fromOrder(KindOrder, o, o.Timestamp)
}

func NewCancel(o registry.Order, ts int64) Event {
	return fromOrder(KindCancel, o, ts)
}

func NewTrade(o registry.Order, filler common.Address, fee *uint256.Int, ts int64) Event {
	e := fromOrder(KindTrade, o, ts)
	e.Filler = filler
	e.Fee = fee.Clone()
	return e
}

func fromOrder(kind Kind, o registry.Order, ts int64) Event {
	return Event{
		Kind:       kind,
		User:       o.Owner,
		OrderID:    o.ID,
		TokenGet:   o.TokenGet,
		AmountGet:  o.AmountGet.Clone(),
		TokenGive:  o.TokenGive,
		AmountGive: o.AmountGive.Clone(),
		Timestamp:  ts,
	}
}

// IsTransfer reports whether the event is a Deposit or Withdraw.
func (e Event) IsTransfer() bool { return e.Kind == KindDeposit || e.Kind == KindWithdraw }

// Order reconstructs the order an Order/Cancel/Trade event refers to.
func (e Event) Order() registry.Order {
	return registry.Order{
		ID:         e.OrderID,
		Owner:      e.User,
		TokenGet:   e.TokenGet,
		AmountGet:  e.AmountGet.Clone(),
		TokenGive:  e.TokenGive,
		AmountGive: e.AmountGive.Clone(),
		Timestamp:  e.Timestamp,
	}
}

// wire is the JSON shape shared by storage, the API and exporters.
// Amounts are decimal strings of minor units.
type wire struct {
	Seq        uint64 `json:"seq"`
	Event      Kind   `json:"event"`
	Token      string `json:"token,omitempty"`
	User       string `json:"user"`
	Amount     string `json:"amount,omitempty"`
	Balance    string `json:"balance,omitempty"`
	ID         uint64 `json:"id,omitempty"`
	TokenGet   string `json:"tokenGet,omitempty"`
	AmountGet  string `json:"amountGet,omitempty"`
	TokenGive  string `json:"tokenGive,omitempty"`
	AmountGive string `json:"amountGive,omitempty"`
	UserFill   string `json:"userFill,omitempty"`
	Fee        string `json:"fee,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wire{Seq: e.Seq, Event: e.Kind, User: e.User.Hex(), Timestamp: e.Timestamp}
	if e.IsTransfer() {
		w.Token = e.Token.Hex()
		w.Amount = dec(e.Amount)
		w.Balance = dec(e.Balance)
	} else {
		w.ID = e.OrderID
		w.TokenGet = e.TokenGet.Hex()
		w.AmountGet = dec(e.AmountGet)
		w.TokenGive = e.TokenGive.Hex()
		w.AmountGive = dec(e.AmountGive)
	}
	if e.Kind == KindTrade {
		w.UserFill = e.Filler.Hex()
		w.Fee = dec(e.Fee)
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := Event{
		Seq:       w.Seq,
		Kind:      w.Event,
		User:      common.HexToAddress(w.User),
		OrderID:   w.ID,
		Timestamp: w.Timestamp,
	}
	var err error
	switch w.Event {
	case KindDeposit, KindWithdraw:
		out.Token = common.HexToAddress(w.Token)
		if out.Amount, err = parse(w.Amount); err != nil {
			return err
		}
		if out.Balance, err = parse(w.Balance); err != nil {
			return err
		}
	case KindOrder, KindCancel, KindTrade:
		out.TokenGet = common.HexToAddress(w.TokenGet)
		out.TokenGive = common.HexToAddress(w.TokenGive)
		if out.AmountGet, err = parse(w.AmountGet); err != nil {
			return err
		}
		if out.AmountGive, err = parse(w.AmountGive); err != nil {
			return err
		}
		if w.Event == KindTrade {
			out.Filler = common.HexToAddress(w.UserFill)
			if out.Fee, err = parse(w.Fee); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown event kind %q", w.Event)
	}
	*e = out
	return nil
}

func dec(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.Dec()
}

func parse(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}
