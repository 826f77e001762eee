package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	json "github.com/goccy/go-json"

	"github.com/uhyunpark/hyperexchange/pkg/app/core/event"
	"github.com/uhyunpark/hyperexchange/pkg/app/core/vault"
)

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// Commit writes the batch with a single synced pebble batch.
func (s *PebbleStore) Commit(b *Batch) error {
	wb := s.db.NewBatch()
	defer wb.Close()

	for _, e := range b.Balances {
		key := balanceKey(e.Asset, e.Account)
		if e.Amount == nil || e.Amount.IsZero() {
			if err := wb.Delete(key, nil); err != nil {
				return fmt.Errorf("failed to stage balance delete: %w", err)
			}
			continue
		}
		if err := wb.Set(key, encodeAmount(e.Amount), nil); err != nil {
			return fmt.Errorf("failed to stage balance: %w", err)
		}
	}

	for _, r := range b.Orders {
		data, err := encodeOrder(r)
		if err != nil {
			return fmt.Errorf("failed to marshal order %d: %w", r.Order.ID, err)
		}
		if err := wb.Set(orderKey(r.Order.ID), data, nil); err != nil {
			return fmt.Errorf("failed to stage order: %w", err)
		}
	}

	if b.OrderCount > 0 {
		if err := wb.Set(keyOrderCount, encodeUint64(b.OrderCount), nil); err != nil {
			return fmt.Errorf("failed to stage order counter: %w", err)
		}
	}

	for _, e := range b.Events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal event %d: %w", e.Seq, err)
		}
		if err := wb.Set(eventKey(e.Seq), data, nil); err != nil {
			return fmt.Errorf("failed to stage event: %w", err)
		}
	}

	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Load reads the whole persisted state.
func (s *PebbleStore) Load() (*Snapshot, error) {
	snap := &Snapshot{}

	err := s.scan(prefixBalance, func(k, v []byte) error {
		asset, account, err := parseBalanceKey(k)
		if err != nil {
			return err
		}
		amount, err := decodeAmount(v)
		if err != nil {
			return fmt.Errorf("balance %s: %w", k, err)
		}
		snap.Balances = append(snap.Balances, vault.Entry{Asset: asset, Account: account, Amount: amount})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEntries(snap.Balances)

	err = s.scan(prefixOrder, func(k, v []byte) error {
		r, err := decodeOrder(v)
		if err != nil {
			return fmt.Errorf("failed to unmarshal order %s: %w", k, err)
		}
		snap.Orders = append(snap.Orders, r)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.scan(prefixEvent, func(k, v []byte) error {
		var e event.Event
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("failed to unmarshal event %s: %w", k, err)
		}
		snap.Events = append(snap.Events, e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	val, closer, err := s.db.Get(keyOrderCount)
	switch {
	case err == pebble.ErrNotFound:
	case err != nil:
		return nil, fmt.Errorf("failed to get order counter: %w", err)
	default:
		defer closer.Close()
		if snap.OrderCount, err = decodeUint64(val); err != nil {
			return nil, fmt.Errorf("order counter: %w", err)
		}
	}

	if n := len(snap.Orders); n > 0 && snap.Orders[n-1].Order.ID > snap.OrderCount {
		return nil, fmt.Errorf("order %d exceeds stored counter %d", snap.Orders[n-1].Order.ID, snap.OrderCount)
	}
	return snap, nil
}

// LoadNonces reads the last accepted request nonce of every account.
func (s *PebbleStore) LoadNonces() (map[common.Address]uint64, error) {
	out := make(map[common.Address]uint64)
	err := s.scan(prefixNonce, func(k, v []byte) error {
		account, err := parseNonceKey(k)
		if err != nil {
			return err
		}
		n, err := decodeUint64(v)
		if err != nil {
			return fmt.Errorf("nonce %s: %w", k, err)
		}
		out[account] = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveNonce records nonce as the last one accepted from account.
func (s *PebbleStore) SaveNonce(account common.Address, nonce uint64) error {
	if err := s.db.Set(nonceKey(account), encodeUint64(nonce), pebble.Sync); err != nil {
		return fmt.Errorf("failed to save nonce: %w", err)
	}
	return nil
}

func (s *PebbleStore) scan(prefix string, fn func(k, v []byte) error) error {
	p := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: p,
		UpperBound: keyUpperBound(p),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}
