// Package token provides in-process stand-ins for the external asset ledgers
// the exchange takes custody through: an ERC-20 style token and a native-value
// bank. Devnet nodes and tests use them in place of chain contracts.
package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrZeroAddress           = errors.New("zero address")
)

type allowanceKey struct {
	owner, spender common.Address
}

// ERC20 is a minimal fungible token ledger with allowances.
type ERC20 struct {
	Address  common.Address
	Name     string
	Symbol   string
	Decimals uint8

	mu         sync.Mutex
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	supply     *uint256.Int
}

func NewERC20(addr common.Address, name, symbol string) *ERC20 {
	return &ERC20{
		Address:    addr,
		Name:       name,
		Symbol:     symbol,
		Decimals:   18,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		supply:     new(uint256.Int),
	}
}

// Mint creates amount new tokens for to.
func (t *ERC20) Mint(to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	supply, overflow := new(uint256.Int).AddOverflow(t.supply, amount)
	if overflow {
		return fmt.Errorf("%s: supply overflow", t.Symbol)
	}
	t.supply = supply
	t.balances[to] = new(uint256.Int).Add(t.balanceOf(to), amount)
	return nil
}

func (t *ERC20) TotalSupply() *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supply.Clone()
}

func (t *ERC20) BalanceOf(account common.Address) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balanceOf(account).Clone()
}

func (t *ERC20) balanceOf(account common.Address) *uint256.Int {
	if b, ok := t.balances[account]; ok {
		return b
	}
	return new(uint256.Int)
}

// Approve sets the amount spender may move out of owner's balance.
func (t *ERC20) Approve(owner, spender common.Address, amount *uint256.Int) error {
	if spender == (common.Address{}) {
		return ErrZeroAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allowances[allowanceKey{owner, spender}] = amount.Clone()
	return nil
}

func (t *ERC20) Allowance(owner, spender common.Address) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.allowances[allowanceKey{owner, spender}]; ok {
		return a.Clone()
	}
	return new(uint256.Int)
}

// Transfer moves amount from from to to.
func (t *ERC20) Transfer(from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transfer(from, to, amount)
}

// TransferFrom moves amount from from to to on behalf of spender, consuming allowance.
func (t *ERC20) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := allowanceKey{from, spender}
	allowed, ok := t.allowances[key]
	if !ok || allowed.Lt(amount) {
		return fmt.Errorf("%s: %w: %s approved %s, needs %s", t.Symbol, ErrInsufficientAllowance, from.Hex(), dec(allowed), amount.Dec())
	}
	if err := t.transfer(from, to, amount); err != nil {
		return err
	}
	t.allowances[key] = new(uint256.Int).Sub(allowed, amount)
	return nil
}

func (t *ERC20) transfer(from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	bal := t.balanceOf(from)
	if bal.Lt(amount) {
		return fmt.Errorf("%s: %w: %s holds %s, needs %s", t.Symbol, ErrInsufficientFunds, from.Hex(), bal.Dec(), amount.Dec())
	}
	t.balances[from] = new(uint256.Int).Sub(bal, amount)
	t.balances[to] = new(uint256.Int).Add(t.balanceOf(to), amount)
	return nil
}

// Bank holds native value per account.
type Bank struct {
	mu       sync.Mutex
	balances map[common.Address]*uint256.Int
}

func NewBank() *Bank {
	return &Bank{balances: make(map[common.Address]*uint256.Int)}
}

// Mint credits amount of native value to to.
func (b *Bank) Mint(to common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, overflow := new(uint256.Int).AddOverflow(b.balanceOf(to), amount)
	if overflow {
		return fmt.Errorf("native balance overflow for %s", to.Hex())
	}
	b.balances[to] = next
	return nil
}

func (b *Bank) BalanceOf(account common.Address) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balanceOf(account).Clone()
}

func (b *Bank) balanceOf(account common.Address) *uint256.Int {
	if v, ok := b.balances[account]; ok {
		return v
	}
	return new(uint256.Int)
}

// Transfer moves native value between accounts.
func (b *Bank) Transfer(from, to common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bal := b.balanceOf(from)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, from.Hex(), bal.Dec(), amount.Dec())
	}
	b.balances[from] = new(uint256.Int).Sub(bal, amount)
	b.balances[to] = new(uint256.Int).Add(b.balanceOf(to), amount)
	return nil
}

func dec(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.Dec()
}
