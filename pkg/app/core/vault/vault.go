// Package vault tracks custody balances per (asset, account).
//
// Mutations never touch the vault directly: they are staged on a Journal and
// applied in one step once the enclosing operation has committed. Dropping a
// journal discards every staged change.
package vault

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperexchange/pkg/errs"
)

// Key addresses one balance cell.
type Key struct {
	Asset   common.Address
	Account common.Address
}

// Entry is a balance cell with its amount, used for snapshots and commits.
type Entry struct {
	Asset   common.Address
	Account common.Address
	Amount  *uint256.Int
}

// Vault is the balance table. It is not safe for concurrent use; the engine
// serialises all access.
type Vault struct {
	balances map[Key]*uint256.Int
}

// New returns an empty vault.
func New() *Vault {
	return &Vault{balances: make(map[Key]*uint256.Int)}
}

// Load replaces the vault contents with entries (used when restoring from storage).
func (v *Vault) Load(entries []Entry) {
	v.balances = make(map[Key]*uint256.Int, len(entries))
	for _, e := range entries {
		if e.Amount == nil || e.Amount.IsZero() {
			continue
		}
		v.balances[Key{e.Asset, e.Account}] = e.Amount.Clone()
	}
}

// BalanceOf returns a copy of the balance; unknown cells are zero.
func (v *Vault) BalanceOf(asset, account common.Address) *uint256.Int {
	if b, ok := v.balances[Key{asset, account}]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// Total sums all balances held in asset.
func (v *Vault) Total(asset common.Address) *uint256.Int {
	total := new(uint256.Int)
	for k, b := range v.balances {
		if k.Asset == asset {
			total.Add(total, b)
		}
	}
	return total
}

// Entries returns every non-zero cell sorted by asset then account.
func (v *Vault) Entries() []Entry {
	out := make([]Entry, 0, len(v.balances))
	for k, b := range v.balances {
		out = append(out, Entry{Asset: k.Asset, Account: k.Account, Amount: b.Clone()})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Asset[:], out[j].Asset[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Account[:], out[j].Account[:]) < 0
	})
	return out
}

// Begin opens a journal over the vault.
func (v *Vault) Begin() *Journal {
	return &Journal{base: v, staged: make(map[Key]*uint256.Int)}
}

// Apply commits every change staged on j.
func (v *Vault) Apply(j *Journal) {
	for _, k := range j.touched {
		b := j.staged[k]
		if b.IsZero() {
			delete(v.balances, k)
			continue
		}
		v.balances[k] = b.Clone()
	}
}

// Journal stages balance changes on top of a vault.
type Journal struct {
	base    *Vault
	staged  map[Key]*uint256.Int
	touched []Key
}

// BalanceOf reads through staged changes to the vault.
func (j *Journal) BalanceOf(asset, account common.Address) *uint256.Int {
	if b, ok := j.staged[Key{asset, account}]; ok {
		return b.Clone()
	}
	return j.base.BalanceOf(asset, account)
}

// Credit stages balance += amount and returns the new balance.
func (j *Journal) Credit(asset, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
	cur := j.BalanceOf(asset, account)
	next, overflow := new(uint256.Int).AddOverflow(cur, amount)
	if overflow {
		return nil, errs.New(errs.CodeInvalid, "balance overflow for %s in %s", account.Hex(), asset.Hex())
	}
	j.set(Key{asset, account}, next)
	return next.Clone(), nil
}

// Debit stages balance -= amount and returns the new balance. It fails with
// InsufficientBalance, leaving the journal unchanged, when amount exceeds the balance.
func (j *Journal) Debit(asset, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
	cur := j.BalanceOf(asset, account)
	if cur.Lt(amount) {
		return nil, errs.New(errs.CodeInsufficientBalance,
			"%s holds %s of %s, needs %s", account.Hex(), cur.Dec(), asset.Hex(), amount.Dec())
	}
	next := new(uint256.Int).Sub(cur, amount)
	j.set(Key{asset, account}, next)
	return next.Clone(), nil
}

func (j *Journal) set(k Key, b *uint256.Int) {
	if _, ok := j.staged[k]; !ok {
		j.touched = append(j.touched, k)
	}
	j.staged[k] = b
}

// Changes lists staged cells in first-touch order.
func (j *Journal) Changes() []Entry {
	out := make([]Entry, 0, len(j.touched))
	for _, k := range j.touched {
		out = append(out, Entry{Asset: k.Asset, Account: k.Account, Amount: j.staged[k].Clone()})
	}
	return out
}
