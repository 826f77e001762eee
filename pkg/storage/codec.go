package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	json "github.com/goccy/go-json"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperexchange/pkg/app/core/registry"
)

type orderRecord struct {
	ID         uint64 `json:"id"`
	Owner      string `json:"user"`
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
	Timestamp  int64  `json:"timestamp"`
	Filled     bool   `json:"filled,omitempty"`
	Cancelled  bool   `json:"cancelled,omitempty"`
}

func encodeOrder(r registry.Record) ([]byte, error) {
	o := r.Order
	return json.Marshal(orderRecord{
		ID:         o.ID,
		Owner:      o.Owner.Hex(),
		TokenGet:   o.TokenGet.Hex(),
		AmountGet:  o.AmountGet.Dec(),
		TokenGive:  o.TokenGive.Hex(),
		AmountGive: o.AmountGive.Dec(),
		Timestamp:  o.Timestamp,
		Filled:     r.Status.Filled,
		Cancelled:  r.Status.Cancelled,
	})
}

func decodeOrder(b []byte) (registry.Record, error) {
	var w orderRecord
	if err := json.Unmarshal(b, &w); err != nil {
		return registry.Record{}, err
	}
	get, err := uint256.FromDecimal(w.AmountGet)
	if err != nil {
		return registry.Record{}, fmt.Errorf("order %d amountGet: %w", w.ID, err)
	}
	give, err := uint256.FromDecimal(w.AmountGive)
	if err != nil {
		return registry.Record{}, fmt.Errorf("order %d amountGive: %w", w.ID, err)
	}
	return registry.Record{
		Order: registry.Order{
			ID:         w.ID,
			Owner:      common.HexToAddress(w.Owner),
			TokenGet:   common.HexToAddress(w.TokenGet),
			AmountGet:  get,
			TokenGive:  common.HexToAddress(w.TokenGive),
			AmountGive: give,
			Timestamp:  w.Timestamp,
		},
		Status: registry.Status{Filled: w.Filled, Cancelled: w.Cancelled},
	}, nil
}

func encodeAmount(x *uint256.Int) []byte {
	b := x.Bytes32()
	return b[:]
}

func decodeAmount(b []byte) (*uint256.Int, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("expected 32-byte amount, got %d", len(b))
	}
	return new(uint256.Int).SetBytes32(b), nil
}
