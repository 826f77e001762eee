package exchange

import (
	"encoding/binary"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/hyperexchange/pkg/app/core/event"
	"github.com/uhyunpark/hyperexchange/pkg/app/core/registry"
)

// BalanceOf returns the custody balance of account in asset; unknown cells are zero.
func (e *Engine) BalanceOf(asset, account common.Address) *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vault.BalanceOf(asset, account)
}

// Total returns the sum of all vault balances in asset.
func (e *Engine) Total(asset common.Address) *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vault.Total(asset)
}

// OrderStatus returns the lifecycle flags of id. Unknown ids report neither flag.
func (e *Engine) OrderStatus(id uint64) registry.Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.orders.Status(id)
}

func (e *Engine) Order(id uint64) (registry.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.orders.Get(id)
}

func (e *Engine) OrderCount() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.orders.Count()
}

// OpenOrders lists orders that are neither filled nor cancelled, ascending by id.
func (e *Engine) OpenOrders() []registry.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.orders.Open()
}

func (e *Engine) FeeAccount() common.Address { return e.cfg.FeeAccount }

func (e *Engine) FeePercent() uint64 { return e.cfg.FeePercent }

func (e *Engine) Custody() common.Address { return e.cfg.Custody }

// Tokens lists the registered token addresses.
func (e *Engine) Tokens() []common.Address {
	out := make([]common.Address, 0, len(e.tokens))
	for addr := range e.tokens {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Events returns up to limit events with seq >= from in creation order.
func (e *Engine) Events(from uint64, limit int) []event.Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.events.Range(from, limit)
}

// LastSeq returns the sequence number of the newest event, 0 when empty.
func (e *Engine) LastSeq() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return uint64(e.events.Len())
}

// Subscribe returns a live feed of events committed from now on.
func (e *Engine) Subscribe(buffer int) *event.Subscription {
	return e.feed.Subscribe(buffer)
}

// StateHash is a Keccak-256 digest of the committed state: balances sorted by
// (asset, account), order records by id, the order counter and the event count.
func (e *Engine) StateHash() common.Hash {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h := sha3.NewLegacyKeccak256()
	var buf [8]byte
	put := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	amount := func(x *uint256.Int) {
		b := x.Bytes32()
		h.Write(b[:])
	}

	entries := e.vault.Entries()
	put(uint64(len(entries)))
	for _, en := range entries {
		h.Write(en.Asset[:])
		h.Write(en.Account[:])
		amount(en.Amount)
	}

	records := e.orders.Records()
	put(uint64(len(records)))
	for _, r := range records {
		o := r.Order
		put(o.ID)
		h.Write(o.Owner[:])
		h.Write(o.TokenGet[:])
		amount(o.AmountGet)
		h.Write(o.TokenGive[:])
		amount(o.AmountGive)
		put(uint64(o.Timestamp))
		var flags byte
		if r.Status.Filled {
			flags |= 1
		}
		if r.Status.Cancelled {
			flags |= 2
		}
		h.Write([]byte{flags})
	}

	put(e.orders.Count())
	put(uint64(e.events.Len()))

	return common.BytesToHash(h.Sum(nil))
}
