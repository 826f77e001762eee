// Package exchange is the ledger and order engine: custody balances per
// (asset, account), standing orders, whole-order fills with a filler-paid
// fee, and the event log every committed operation appends to.
//
// The engine is a single-writer state machine. Each operation validates,
// stages its balance and order changes, persists them in one store batch and
// only then applies them in memory, so a failed operation leaves no trace.
package exchange

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperexchange/pkg/app/core/asset"
	"github.com/uhyunpark/hyperexchange/pkg/app/core/event"
	"github.com/uhyunpark/hyperexchange/pkg/app/core/registry"
	"github.com/uhyunpark/hyperexchange/pkg/app/core/vault"
	"github.com/uhyunpark/hyperexchange/pkg/errs"
	"github.com/uhyunpark/hyperexchange/pkg/storage"
	"github.com/uhyunpark/hyperexchange/pkg/util"
)

// TokenContract is the external ledger of one token.
type TokenContract interface {
	Transfer(from, to common.Address, amount *uint256.Int) error
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
}

// NativeBank moves native value between accounts.
type NativeBank interface {
	Transfer(from, to common.Address, amount *uint256.Int) error
}

// Config holds the parameters fixed for the engine's lifetime.
type Config struct {
	FeeAccount common.Address
	FeePercent uint64         // parts per hundred, at most 100
	Custody    common.Address // account holding deposited assets on the external ledgers
}

type Engine struct {
	mu sync.RWMutex

	cfg    Config
	vault  *vault.Vault
	orders *registry.Registry
	events *event.Log
	feed   *event.Feed
	open   int

	store   storage.Store
	bank    NativeBank
	tokens  map[common.Address]TokenContract
	clock   util.Clock
	logger  *zap.Logger
	metrics *Metrics
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithClock(c util.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithStore persists state; the default store is in-memory.
func WithStore(s storage.Store) Option { return func(e *Engine) { e.store = s } }

func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithToken registers the contract custody for token moves through.
func WithToken(addr common.Address, c TokenContract) Option {
	return func(e *Engine) { e.tokens[addr] = c }
}

// New builds an engine and restores whatever state its store holds.
func New(cfg Config, bank NativeBank, opts ...Option) (*Engine, error) {
	if cfg.FeePercent > 100 {
		return nil, errs.New(errs.CodeInvalid, "fee percent %d exceeds 100", cfg.FeePercent)
	}
	if bank == nil {
		return nil, errs.New(errs.CodeInvalid, "native bank is required")
	}
	e := &Engine{
		cfg:    cfg,
		vault:  vault.New(),
		orders: registry.New(),
		events: event.NewLog(),
		feed:   event.NewFeed(),
		bank:   bank,
		tokens: make(map[common.Address]TokenContract),
		clock:  util.RealClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if _, ok := e.tokens[asset.Native]; ok {
		return nil, errs.New(errs.CodeInvalid, "native asset cannot be registered as a token")
	}
	if e.store == nil {
		e.store = storage.NewMemStore()
	}

	snap, err := e.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	e.vault.Load(snap.Balances)
	e.orders.Load(snap.Orders, snap.OrderCount)
	if err := e.events.Load(snap.Events); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	e.open = len(e.orders.Open())
	e.metrics.setOpenOrders(e.open)

	e.logger.Info("engine_ready",
		zap.String("fee_account", cfg.FeeAccount.Hex()),
		zap.Uint64("fee_percent", cfg.FeePercent),
		zap.Uint64("orders", e.orders.Count()),
		zap.Int("events", e.events.Len()),
	)
	return e, nil
}

func (e *Engine) now() int64 { return e.clock.Now().Unix() }

// DepositNative credits value of the native asset to caller after moving it
// into custody.
func (e *Engine) DepositNative(caller common.Address, value *uint256.Int) (ev event.Event, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.finish("deposit_native", err) }()

	if err := requireAmounts(value); err != nil {
		return event.Event{}, err
	}
	j := e.vault.Begin()
	bal, err := j.Credit(asset.Native, caller, value)
	if err != nil {
		return event.Event{}, err
	}
	if err := e.bank.Transfer(caller, e.cfg.Custody, value); err != nil {
		return event.Event{}, errs.Wrap(errs.CodeAssetTransferFailed, err, "native deposit from %s", caller.Hex())
	}
	ev, err = e.commit(j, nil, event.NewDeposit(asset.Native, caller, value, bal, e.now()))
	if err != nil {
		if rerr := e.bank.Transfer(e.cfg.Custody, caller, value); rerr != nil {
			e.logger.Error("deposit_refund_failed", zap.String("account", caller.Hex()), zap.String("amount", value.Dec()), zap.Error(rerr))
		}
		return event.Event{}, err
	}
	return ev, nil
}

// DepositToken pulls amount of token from caller (which must have approved
// custody) and credits it.
func (e *Engine) DepositToken(caller, token common.Address, amount *uint256.Int) (ev event.Event, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.finish("deposit_token", err) }()

	if err := requireAmounts(amount); err != nil {
		return event.Event{}, err
	}
	contract, err := e.tokenContract(token)
	if err != nil {
		return event.Event{}, err
	}
	j := e.vault.Begin()
	bal, err := j.Credit(token, caller, amount)
	if err != nil {
		return event.Event{}, err
	}
	if err := contract.TransferFrom(e.cfg.Custody, caller, e.cfg.Custody, amount); err != nil {
		return event.Event{}, errs.Wrap(errs.CodeAssetTransferFailed, err, "deposit of %s from %s", token.Hex(), caller.Hex())
	}
	ev, err = e.commit(j, nil, event.NewDeposit(token, caller, amount, bal, e.now()))
	if err != nil {
		if rerr := contract.Transfer(e.cfg.Custody, caller, amount); rerr != nil {
			e.logger.Error("deposit_refund_failed", zap.String("account", caller.Hex()), zap.String("asset", token.Hex()),
				zap.String("amount", amount.Dec()), zap.Error(rerr))
		}
		return event.Event{}, err
	}
	return ev, nil
}

// WithdrawNative debits amount of the native asset and pays it out to caller.
func (e *Engine) WithdrawNative(caller common.Address, amount *uint256.Int) (ev event.Event, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.finish("withdraw_native", err) }()

	return e.withdraw(asset.Native, caller, amount,
		func() error { return e.bank.Transfer(e.cfg.Custody, caller, amount) },
		func() error { return e.bank.Transfer(caller, e.cfg.Custody, amount) })
}

// WithdrawToken debits amount of token and transfers it out to caller.
func (e *Engine) WithdrawToken(caller, token common.Address, amount *uint256.Int) (ev event.Event, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.finish("withdraw_token", err) }()

	contract, err := e.tokenContract(token)
	if err != nil {
		return event.Event{}, err
	}
	return e.withdraw(token, caller, amount,
		func() error { return contract.Transfer(e.cfg.Custody, caller, amount) },
		func() error { return contract.Transfer(caller, e.cfg.Custody, amount) })
}

// withdraw debits, pays out and commits. If the commit fails the payout is
// reclaimed into custody so the ledger and custody stay equal.
func (e *Engine) withdraw(a, caller common.Address, amount *uint256.Int, payout, reclaim func() error) (event.Event, error) {
	if err := requireAmounts(amount); err != nil {
		return event.Event{}, err
	}
	j := e.vault.Begin()
	bal, err := j.Debit(a, caller, amount)
	if err != nil {
		return event.Event{}, err
	}
	if err := payout(); err != nil {
		return event.Event{}, errs.Wrap(errs.CodeAssetTransferFailed, err, "payout of %s to %s", asset.Label(a), caller.Hex())
	}
	ev, err := e.commit(j, nil, event.NewWithdraw(a, caller, amount, bal, e.now()))
	if err != nil {
		if rerr := reclaim(); rerr != nil {
			// custody is short by amount until an operator restores it
			e.logger.Error("withdraw_reclaim_failed",
				zap.String("account", caller.Hex()), zap.String("asset", a.Hex()), zap.String("amount", amount.Dec()), zap.Error(rerr))
			return event.Event{}, errs.Wrap(errs.CodeAssetTransferFailed, rerr, "reclaim of %s from %s after %v", asset.Label(a), caller.Hex(), err)
		}
		return event.Event{}, err
	}
	return ev, nil
}

// Receive handles value sent without an operation. It always fails.
func (e *Engine) Receive(caller common.Address, value *uint256.Int) (err error) {
	defer func() { e.finish("receive", err) }()
	if value == nil {
		return errs.New(errs.CodeWrongAssetPath, "%s sent native value without an operation; use deposit", caller.Hex())
	}
	return errs.New(errs.CodeWrongAssetPath, "%s sent %s native without an operation; use deposit", caller.Hex(), value.Dec())
}

// CreateOrder records a standing offer by caller to give amountGive of
// tokenGive for amountGet of tokenGet. Balances are not reserved.
func (e *Engine) CreateOrder(caller, tokenGet common.Address, amountGet *uint256.Int, tokenGive common.Address, amountGive *uint256.Int) (ev event.Event, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.finish("create_order", err) }()

	if err := requireAmounts(amountGet, amountGive); err != nil {
		return event.Event{}, err
	}
	c := e.orders.Create(caller, tokenGet, amountGet, tokenGive, amountGive, e.now())
	ev, err = e.commit(nil, []registry.Change{c}, event.NewOrder(c.Record.Order))
	if err != nil {
		return event.Event{}, err
	}
	e.open++
	return ev, nil
}

// CancelOrder marks caller's open order id cancelled.
func (e *Engine) CancelOrder(caller common.Address, id uint64) (ev event.Event, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.finish("cancel_order", err) }()

	c, err := e.orders.Cancel(id, caller)
	if err != nil {
		return event.Event{}, err
	}
	ev, err = e.commit(nil, []registry.Change{c}, event.NewCancel(c.Record.Order, e.now()))
	if err != nil {
		return event.Event{}, err
	}
	e.open--
	return ev, nil
}

// FillOrder executes order id in full against caller. The filler pays
// amountGet plus the fee in tokenGet and receives amountGive of tokenGive.
func (e *Engine) FillOrder(caller common.Address, id uint64) (ev event.Event, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.finish("fill_order", err) }()

	c, err := e.orders.Fill(id)
	if err != nil {
		return event.Event{}, err
	}
	o := c.Record.Order

	fee, err := e.fee(o.AmountGet)
	if err != nil {
		return event.Event{}, err
	}
	cost, overflow := new(uint256.Int).AddOverflow(o.AmountGet, fee)
	if overflow {
		return event.Event{}, errs.New(errs.CodeInsufficientBalance, "order %d cost overflows", id)
	}

	j := e.vault.Begin()
	if _, err := j.Debit(o.TokenGet, caller, cost); err != nil {
		return event.Event{}, err
	}
	if _, err := j.Credit(o.TokenGet, o.Owner, o.AmountGet); err != nil {
		return event.Event{}, err
	}
	if _, err := j.Credit(o.TokenGet, e.cfg.FeeAccount, fee); err != nil {
		return event.Event{}, err
	}
	if _, err := j.Debit(o.TokenGive, o.Owner, o.AmountGive); err != nil {
		return event.Event{}, errs.Wrap(errs.CodeInsufficientBalance, err, "maker of order %d cannot cover it", id)
	}
	if _, err := j.Credit(o.TokenGive, caller, o.AmountGive); err != nil {
		return event.Event{}, err
	}

	ev, err = e.commit(j, []registry.Change{c}, event.NewTrade(o, caller, fee, e.now()))
	if err != nil {
		return event.Event{}, err
	}
	e.open--
	return ev, nil
}

// fee returns amount * feePercent / 100, truncated.
func (e *Engine) fee(amount *uint256.Int) (*uint256.Int, error) {
	fee, overflow := new(uint256.Int).MulOverflow(amount, uint256.NewInt(e.cfg.FeePercent))
	if overflow {
		return nil, errs.New(errs.CodeInsufficientBalance, "fee on %s overflows", amount.Dec())
	}
	return fee.Div(fee, uint256.NewInt(100)), nil
}

func (e *Engine) tokenContract(token common.Address) (TokenContract, error) {
	if asset.IsNative(token) {
		return nil, errs.New(errs.CodeWrongAssetPath, "native asset must use the native deposit and withdraw paths")
	}
	c, ok := e.tokens[token]
	if !ok {
		return nil, errs.New(errs.CodeAssetTransferFailed, "no contract registered for token %s", token.Hex())
	}
	return c, nil
}

// commit persists the staged changes plus ev, then applies them in memory
// and publishes ev. On a store error nothing is applied.
func (e *Engine) commit(j *vault.Journal, changes []registry.Change, ev event.Event) (event.Event, error) {
	ev.Seq = e.events.Next()

	b := &storage.Batch{Events: []event.Event{ev}}
	if j != nil {
		b.Balances = j.Changes()
	}
	for _, c := range changes {
		b.Orders = append(b.Orders, c.Record)
		if c.Created {
			b.OrderCount = c.Record.Order.ID
		}
	}
	if err := e.store.Commit(b); err != nil {
		return event.Event{}, fmt.Errorf("commit %s event %d: %w", ev.Kind, ev.Seq, err)
	}

	if j != nil {
		e.vault.Apply(j)
	}
	for _, c := range changes {
		e.orders.Apply(c)
	}
	if err := e.events.Append(ev); err != nil {
		// only reachable if the writer lock was bypassed
		panic(err)
	}
	e.feed.Publish(ev)
	return ev, nil
}

func requireAmounts(xs ...*uint256.Int) error {
	for _, x := range xs {
		if x == nil {
			return errs.New(errs.CodeInvalid, "amount is required")
		}
	}
	return nil
}

func (e *Engine) finish(op string, err error) {
	e.metrics.observe(op, err)
	if err == nil {
		e.metrics.setOpenOrders(e.open)
		e.logger.Debug(op, zap.Uint64("seq", uint64(e.events.Len())))
		return
	}
	if code := errs.CodeOf(err); code != "" {
		e.logger.Info("rejected", zap.String("op", op), zap.String("code", string(code)), zap.Error(err))
		return
	}
	e.logger.Error("operation_failed", zap.String("op", op), zap.Error(err))
}
