// Package indexer maintains read models (order book, trade history, price
// candles, per-account views) built only from the engine's event stream.
package indexer

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperexchange/pkg/app/core/event"
	"github.com/uhyunpark/hyperexchange/pkg/app/core/registry"
)

// Source is where the indexer reads events from. *exchange.Engine implements it.
type Source interface {
	Events(from uint64, limit int) []event.Event
	Subscribe(buffer int) *event.Subscription
}

type orderState struct {
	order     registry.Order
	status    registry.Status
	filler    common.Address
	fee       *uint256.Int
	filledAt  int64
	createdAt int64
}

// Indexer is safe for concurrent use.
type Indexer struct {
	mu sync.RWMutex

	feeAccount common.Address
	last       uint64
	orders     map[uint64]*orderState
	fills      []uint64 // order ids in fill order
	balances   map[common.Address]map[common.Address]*uint256.Int

	logger *zap.Logger
}

// New returns an empty indexer. feeAccount is needed to credit fees when
// replaying trades.
func New(feeAccount common.Address, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		feeAccount: feeAccount,
		orders:     make(map[uint64]*orderState),
		balances:   make(map[common.Address]map[common.Address]*uint256.Int),
		logger:     logger,
	}
}

// LastSeq returns the sequence number of the last applied event.
func (ix *Indexer) LastSeq() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.last
}

// Apply folds e into the read models. Events at or below LastSeq are ignored;
// an event beyond LastSeq+1 is a gap and is rejected.
func (ix *Indexer) Apply(e event.Event) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if e.Seq <= ix.last {
		return nil
	}
	if e.Seq != ix.last+1 {
		return fmt.Errorf("event gap: have %d, got %d", ix.last, e.Seq)
	}

	switch e.Kind {
	case event.KindDeposit, event.KindWithdraw:
		ix.cell(e.User, e.Token).Set(e.Balance)
	case event.KindOrder:
		ix.orders[e.OrderID] = &orderState{order: e.Order(), createdAt: e.Timestamp}
	case event.KindCancel:
		st, ok := ix.orders[e.OrderID]
		if !ok {
			return fmt.Errorf("cancel of unknown order %d at seq %d", e.OrderID, e.Seq)
		}
		st.status.Cancelled = true
	case event.KindTrade:
		st, ok := ix.orders[e.OrderID]
		if !ok {
			return fmt.Errorf("trade of unknown order %d at seq %d", e.OrderID, e.Seq)
		}
		st.status.Filled = true
		st.filler = e.Filler
		st.fee = e.Fee.Clone()
		st.filledAt = e.Timestamp
		ix.fills = append(ix.fills, e.OrderID)

		o := st.order
		cost := new(uint256.Int).Add(o.AmountGet, e.Fee)
		sub(ix.cell(e.Filler, o.TokenGet), cost)
		add(ix.cell(o.Owner, o.TokenGet), o.AmountGet)
		add(ix.cell(ix.feeAccount, o.TokenGet), e.Fee)
		sub(ix.cell(o.Owner, o.TokenGive), o.AmountGive)
		add(ix.cell(e.Filler, o.TokenGive), o.AmountGive)
	default:
		return fmt.Errorf("unknown event kind %q at seq %d", e.Kind, e.Seq)
	}
	ix.last = e.Seq
	return nil
}

func (ix *Indexer) cell(account, asset common.Address) *uint256.Int {
	m, ok := ix.balances[account]
	if !ok {
		m = make(map[common.Address]*uint256.Int)
		ix.balances[account] = m
	}
	v, ok := m[asset]
	if !ok {
		v = new(uint256.Int)
		m[asset] = v
	}
	return v
}

func add(x, y *uint256.Int) { x.Add(x, y) }
func sub(x, y *uint256.Int) { x.Sub(x, y) }

// Balances returns the per-asset balances of account as replayed from events.
func (ix *Indexer) Balances(account common.Address) map[common.Address]*uint256.Int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[common.Address]*uint256.Int)
	for asset, v := range ix.balances[account] {
		out[asset] = v.Clone()
	}
	return out
}

// CatchUp applies every event in src after LastSeq.
func (ix *Indexer) CatchUp(src Source) error {
	const page = 512
	for {
		evs := src.Events(ix.LastSeq()+1, page)
		for _, e := range evs {
			if err := ix.Apply(e); err != nil {
				return err
			}
		}
		if len(evs) < page {
			return nil
		}
	}
}

// Run catches up with src and then follows its live feed until ctx ends.
// Missed feed events are recovered by paging from src.
func (ix *Indexer) Run(ctx context.Context, src Source) error {
	sub := src.Subscribe(256)
	defer sub.Unsubscribe()

	if err := ix.CatchUp(src); err != nil {
		return err
	}
	ix.logger.Info("indexer_caught_up", zap.Uint64("seq", ix.LastSeq()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			if e.Seq > ix.LastSeq()+1 {
				ix.logger.Warn("indexer_gap", zap.Uint64("have", ix.LastSeq()), zap.Uint64("got", e.Seq))
				if err := ix.CatchUp(src); err != nil {
					return err
				}
			}
			if err := ix.Apply(e); err != nil {
				return err
			}
		}
	}
}
