package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperexchange/pkg/app/core/asset"
	"github.com/uhyunpark/hyperexchange/pkg/app/core/event"
	"github.com/uhyunpark/hyperexchange/pkg/app/exchange"
	"github.com/uhyunpark/hyperexchange/pkg/app/token"
	"github.com/uhyunpark/hyperexchange/pkg/util"
)

var (
	feeAccount = common.HexToAddress("0xFEE0000000000000000000000000000000000002")
	maker      = common.HexToAddress("0xAA00000000000000000000000000000000000003")
	taker      = common.HexToAddress("0xBB00000000000000000000000000000000000004")
	custody    = common.HexToAddress("0xEE00000000000000000000000000000000000005")
	tokenAddr  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

type harness struct {
	eng   *exchange.Engine
	clock *util.ManualClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bank := token.NewBank()
	tok := token.NewERC20(tokenAddr, "DApp Token", "DAPP")
	for _, u := range []common.Address{maker, taker} {
		require.NoError(t, bank.Mint(u, asset.Ether("100")))
		require.NoError(t, tok.Mint(u, asset.Tokens("100")))
		require.NoError(t, tok.Approve(u, custody, asset.Tokens("100")))
	}
	clock := util.NewManualClock(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	eng, err := exchange.New(exchange.Config{FeeAccount: feeAccount, FeePercent: 10, Custody: custody},
		bank, exchange.WithToken(tokenAddr, tok), exchange.WithClock(clock))
	require.NoError(t, err)

	for _, u := range []common.Address{maker, taker} {
		_, err = eng.DepositNative(u, asset.Ether("50"))
		require.NoError(t, err)
		_, err = eng.DepositToken(u, tokenAddr, asset.Tokens("50"))
		require.NoError(t, err)
	}
	return &harness{eng: eng, clock: clock}
}

// buy places an order by maker buying tokens with ether.
func (h *harness) buy(t *testing.T, tokens, ether string) uint64 {
	t.Helper()
	ev, err := h.eng.CreateOrder(maker, tokenAddr, asset.Tokens(tokens), asset.Native, asset.Ether(ether))
	require.NoError(t, err)
	return ev.OrderID
}

// sell places an order by maker selling tokens for ether.
func (h *harness) sell(t *testing.T, tokens, ether string) uint64 {
	t.Helper()
	ev, err := h.eng.CreateOrder(maker, asset.Native, asset.Ether(ether), tokenAddr, asset.Tokens(tokens))
	require.NoError(t, err)
	return ev.OrderID
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestOrderBook(t *testing.T) {
	h := newHarness(t)
	b1 := h.buy(t, "100", "1")   // 0.01
	b2 := h.buy(t, "3", "1")     // 0.33333
	s1 := h.sell(t, "10", "0.5") // 0.05
	h.sell(t, "4", "1")          // 0.25, cancelled below
	filled := h.buy(t, "1", "1")
	_, err := h.eng.CancelOrder(maker, 4)
	require.NoError(t, err)
	_, err = h.eng.FillOrder(taker, filled)
	require.NoError(t, err)
	// token/token orders stay out of the book
	_, err = h.eng.CreateOrder(maker, tokenAddr, uint256.NewInt(1), tokenAddr, uint256.NewInt(1))
	require.NoError(t, err)

	ix := New(feeAccount, nil)
	require.NoError(t, ix.CatchUp(h.eng))
	book := ix.OrderBook()

	require.Len(t, book.Buy, 2)
	require.Equal(t, b2, book.Buy[0].ID)
	require.True(t, book.Buy[0].Price.Equal(dec("0.33333")), "price %s", book.Buy[0].Price)
	require.Equal(t, SideSell, book.Buy[0].FillAction)
	require.Equal(t, b1, book.Buy[1].ID)
	require.True(t, book.Buy[1].TokenAmount.Equal(dec("100")))

	require.Len(t, book.Sell, 1)
	require.Equal(t, s1, book.Sell[0].ID)
	require.True(t, book.Sell[0].Price.Equal(dec("0.05")))
	require.Equal(t, SideBuy, book.Sell[0].FillAction)
	require.Equal(t, tokenAddr, book.Sell[0].Token)

	require.Len(t, ix.AccountOpenOrders(maker), 3)
	require.Empty(t, ix.AccountOpenOrders(taker))
}

func TestTradesAndCandles(t *testing.T) {
	h := newHarness(t)
	fill := func(id uint64) {
		_, err := h.eng.FillOrder(taker, id)
		require.NoError(t, err)
	}

	fill(h.buy(t, "1", "0.5")) // 0.5 at 10:00
	h.clock.Advance(10 * time.Minute)
	fill(h.sell(t, "1", "0.7")) // 0.7 at 10:10
	h.clock.Advance(10 * time.Minute)
	fill(h.buy(t, "1", "0.4")) // 0.4 at 10:20
	h.clock.Advance(time.Hour)
	fill(h.buy(t, "2", "1")) // 0.5 at 11:20

	ix := New(feeAccount, nil)
	require.NoError(t, ix.CatchUp(h.eng))

	trades := ix.Trades()
	require.Len(t, trades, 4)
	require.Equal(t, uint64(4), trades[0].ID, "newest first")
	classes := []string{trades[3].PriceClass, trades[2].PriceClass, trades[1].PriceClass, trades[0].PriceClass}
	require.Equal(t, []string{PriceUp, PriceUp, PriceDown, PriceUp}, classes)
	require.True(t, trades[3].Fee.Equal(dec("0.1")), "fee on a buy is paid in tokens: %s", trades[3].Fee)

	chart := ix.Candles(0)
	require.Len(t, chart.Candles, 2)
	first := chart.Candles[0]
	require.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), first.Start)
	require.True(t, first.Open.Equal(dec("0.5")))
	require.True(t, first.High.Equal(dec("0.7")))
	require.True(t, first.Low.Equal(dec("0.4")))
	require.True(t, first.Close.Equal(dec("0.4")))
	require.True(t, chart.LastPrice.Equal(dec("0.5")))
	require.Equal(t, "+", chart.LastChange)

	mine := ix.AccountTrades(maker)
	require.Len(t, mine, 4)
	require.Equal(t, SideSell, mine[2].Side, "maker sold in the second trade")
	require.Equal(t, "-", mine[2].Sign)
	theirs := ix.AccountTrades(taker)
	require.Equal(t, SideSell, theirs[0].Side, "taker fills a buy order by selling")
	require.Empty(t, ix.AccountTrades(feeAccount))
}

func TestBalancesMatchEngine(t *testing.T) {
	h := newHarness(t)
	id := h.buy(t, "2", "1")
	_, err := h.eng.FillOrder(taker, id)
	require.NoError(t, err)
	_, err = h.eng.WithdrawNative(taker, asset.Ether("3"))
	require.NoError(t, err)

	ix := New(feeAccount, nil)
	require.NoError(t, ix.CatchUp(h.eng))
	for _, who := range []common.Address{maker, taker, feeAccount} {
		got := ix.Balances(who)
		for _, a := range []common.Address{asset.Native, tokenAddr} {
			want := h.eng.BalanceOf(a, who)
			have, ok := got[a]
			if !ok {
				have = new(uint256.Int)
			}
			require.True(t, want.Eq(have), "%s %s: indexer %s engine %s", who.Hex(), asset.Label(a), have.Dec(), want.Dec())
		}
	}
}

func TestApplyIsIdempotentAndRejectsGaps(t *testing.T) {
	h := newHarness(t)
	h.buy(t, "1", "1")
	evs := h.eng.Events(0, 0)

	ix := New(feeAccount, nil)
	for _, e := range evs {
		require.NoError(t, ix.Apply(e))
	}
	require.NoError(t, ix.Apply(evs[0]), "replay is ignored")
	require.Equal(t, uint64(len(evs)), ix.LastSeq())

	gap := event.Event{Seq: ix.LastSeq() + 2, Kind: event.KindDeposit}
	require.Error(t, ix.Apply(gap))
}

func TestRunFollowsLiveFeed(t *testing.T) {
	h := newHarness(t)
	ix := New(feeAccount, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx, h.eng) }()

	require.Eventually(t, func() bool { return ix.LastSeq() == h.eng.LastSeq() }, 2*time.Second, 10*time.Millisecond)

	id := h.buy(t, "1", "1")
	require.Eventually(t, func() bool { return len(ix.OrderBook().Buy) == 1 }, 2*time.Second, 10*time.Millisecond)
	_, err := h.eng.FillOrder(taker, id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(ix.Trades()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
