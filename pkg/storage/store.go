package storage

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperexchange/pkg/app/core/event"
	"github.com/uhyunpark/hyperexchange/pkg/app/core/registry"
	"github.com/uhyunpark/hyperexchange/pkg/app/core/vault"
)

// Batch is the full effect of one engine operation. A Store applies it
// atomically: either every write lands or none does.
type Batch struct {
	Balances   []vault.Entry     // zero amounts delete the cell
	Orders     []registry.Record // upserts
	OrderCount uint64            // 0 leaves the counter unchanged
	Events     []event.Event
}

// Empty reports whether the batch carries no writes.
func (b *Batch) Empty() bool {
	return len(b.Balances) == 0 && len(b.Orders) == 0 && b.OrderCount == 0 && len(b.Events) == 0
}

// Snapshot is the persisted engine state.
type Snapshot struct {
	Balances   []vault.Entry
	Orders     []registry.Record
	OrderCount uint64
	Events     []event.Event
}

// Store persists engine state and the request nonces accepted at the API
// edge.
type Store interface {
	Load() (*Snapshot, error)
	Commit(b *Batch) error
	LoadNonces() (map[common.Address]uint64, error)
	SaveNonce(account common.Address, nonce uint64) error
	Close() error
}

// MemStore keeps state in memory. Used for tests and ephemeral devnets.
type MemStore struct {
	mu         sync.Mutex
	balances   map[vault.Key]vault.Entry
	orders     map[uint64]registry.Record
	orderCount uint64
	events     []event.Event
	nonces     map[common.Address]uint64
}

func NewMemStore() *MemStore {
	return &MemStore{
		balances: make(map[vault.Key]vault.Entry),
		orders:   make(map[uint64]registry.Record),
		nonces:   make(map[common.Address]uint64),
	}
}

func (s *MemStore) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{OrderCount: s.orderCount}
	for _, e := range s.balances {
		snap.Balances = append(snap.Balances, vault.Entry{Asset: e.Asset, Account: e.Account, Amount: e.Amount.Clone()})
	}
	sortEntries(snap.Balances)
	for _, r := range s.orders {
		snap.Orders = append(snap.Orders, r)
	}
	sort.Slice(snap.Orders, func(i, j int) bool { return snap.Orders[i].Order.ID < snap.Orders[j].Order.ID })
	snap.Events = append(snap.Events, s.events...)
	return snap, nil
}

func (s *MemStore) Commit(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range b.Balances {
		k := vault.Key{Asset: e.Asset, Account: e.Account}
		if e.Amount == nil || e.Amount.IsZero() {
			delete(s.balances, k)
			continue
		}
		s.balances[k] = vault.Entry{Asset: e.Asset, Account: e.Account, Amount: e.Amount.Clone()}
	}
	for _, r := range b.Orders {
		s.orders[r.Order.ID] = r
	}
	if b.OrderCount > s.orderCount {
		s.orderCount = b.OrderCount
	}
	s.events = append(s.events, b.Events...)
	return nil
}

func (s *MemStore) LoadNonces() (map[common.Address]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[common.Address]uint64, len(s.nonces))
	for a, n := range s.nonces {
		out[a] = n
	}
	return out, nil
}

func (s *MemStore) SaveNonce(account common.Address, nonce uint64) error {
	s.mu.Lock()
	s.nonces[account] = nonce
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Close() error { return nil }

func sortEntries(entries []vault.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Asset != b.Asset {
			return a.Asset.Cmp(b.Asset) < 0
		}
		return a.Account.Cmp(b.Account) < 0
	})
}

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*PebbleStore)(nil)
)
