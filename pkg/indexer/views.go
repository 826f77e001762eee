package indexer

import (
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperexchange/pkg/app/core/asset"
)

const pricePlaces = 5

const (
	SideBuy  = "buy"
	SideSell = "sell"

	PriceUp   = "up"
	PriceDown = "down"
)

// BookOrder is an open order priced in native units per token.
type BookOrder struct {
	ID          uint64          `json:"id"`
	Owner       common.Address  `json:"user"`
	Token       common.Address  `json:"token"`
	TokenAmount decimal.Decimal `json:"tokenAmount"`
	EtherAmount decimal.Decimal `json:"etherAmount"`
	Price       decimal.Decimal `json:"tokenPrice"`
	Side        string          `json:"orderType"`
	FillAction  string          `json:"orderFillAction"`
	Timestamp   int64           `json:"timestamp"`
}

// OrderBook splits open orders into buys (maker gives native) and sells
// (maker gives tokens), each sorted by price descending.
type OrderBook struct {
	Buy  []BookOrder `json:"buyOrders"`
	Sell []BookOrder `json:"sellOrders"`
}

// Trade is a filled order.
type Trade struct {
	ID          uint64          `json:"id"`
	Owner       common.Address  `json:"user"`
	Filler      common.Address  `json:"userFill"`
	Token       common.Address  `json:"token"`
	TokenAmount decimal.Decimal `json:"tokenAmount"`
	EtherAmount decimal.Decimal `json:"etherAmount"`
	Price       decimal.Decimal `json:"tokenPrice"`
	PriceClass  string          `json:"tokenPriceClass"`
	MakerSide   string          `json:"orderType"`
	Fee         decimal.Decimal `json:"fee"`
	Timestamp   int64           `json:"timestamp"`
}

// AccountTrade is a trade seen from one participant.
type AccountTrade struct {
	Trade
	Side string `json:"side"`
	Sign string `json:"orderSign"`
}

// Candle is the OHLC of trade prices within [Start, Start+interval).
type Candle struct {
	Start time.Time       `json:"start"`
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
}

// Chart is the candle series plus the latest price move.
type Chart struct {
	Candles    []Candle        `json:"candles"`
	LastPrice  decimal.Decimal `json:"lastPrice"`
	LastChange string          `json:"lastPriceChange"`
}

// pair extracts the token leg and the native leg of o. ok is false unless
// exactly one side is native.
func pair(st *orderState) (side string, token common.Address, tokenAmt, etherAmt *uint256.Int, ok bool) {
	o := st.order
	switch {
	case asset.IsNative(o.TokenGive) && !asset.IsNative(o.TokenGet):
		return SideBuy, o.TokenGet, o.AmountGet, o.AmountGive, true
	case asset.IsNative(o.TokenGet) && !asset.IsNative(o.TokenGive):
		return SideSell, o.TokenGive, o.AmountGive, o.AmountGet, true
	default:
		return "", common.Address{}, nil, nil, false
	}
}

func price(tokenAmt, etherAmt decimal.Decimal) decimal.Decimal {
	if tokenAmt.IsZero() {
		return decimal.Zero
	}
	return etherAmt.Div(tokenAmt).Round(pricePlaces)
}

func opposite(side string) string {
	if side == SideBuy {
		return SideSell
	}
	return SideBuy
}

func bookOrder(st *orderState) (BookOrder, bool) {
	side, token, tAmt, eAmt, ok := pair(st)
	if !ok {
		return BookOrder{}, false
	}
	ta, ea := asset.ToDecimal(tAmt), asset.ToDecimal(eAmt)
	return BookOrder{
		ID:          st.order.ID,
		Owner:       st.order.Owner,
		Token:       token,
		TokenAmount: ta,
		EtherAmount: ea,
		Price:       price(ta, ea),
		Side:        side,
		FillAction:  opposite(side),
		Timestamp:   st.createdAt,
	}, true
}

func sortBook(orders []BookOrder) {
	sort.Slice(orders, func(i, j int) bool {
		if c := orders[i].Price.Cmp(orders[j].Price); c != 0 {
			return c > 0
		}
		return orders[i].ID < orders[j].ID
	})
}

// OrderBook returns open native-pair orders.
func (ix *Indexer) OrderBook() OrderBook {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	book := OrderBook{Buy: []BookOrder{}, Sell: []BookOrder{}}
	for _, st := range ix.orders {
		if st.status.Terminal() {
			continue
		}
		bo, ok := bookOrder(st)
		if !ok {
			continue
		}
		if bo.Side == SideBuy {
			book.Buy = append(book.Buy, bo)
		} else {
			book.Sell = append(book.Sell, bo)
		}
	}
	sortBook(book.Buy)
	sortBook(book.Sell)
	return book
}

// AccountOpenOrders returns account's open native-pair orders by price descending.
func (ix *Indexer) AccountOpenOrders(account common.Address) []BookOrder {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := []BookOrder{}
	for _, st := range ix.orders {
		if st.status.Terminal() || st.order.Owner != account {
			continue
		}
		if bo, ok := bookOrder(st); ok {
			out = append(out, bo)
		}
	}
	sortBook(out)
	return out
}

// chronological returns native-pair trades oldest first with price classes set.
// Callers hold the read lock.
func (ix *Indexer) chronological() []Trade {
	out := make([]Trade, 0, len(ix.fills))
	var prev decimal.Decimal
	for _, id := range ix.fills {
		st := ix.orders[id]
		side, token, tAmt, eAmt, ok := pair(st)
		if !ok {
			continue
		}
		ta, ea := asset.ToDecimal(tAmt), asset.ToDecimal(eAmt)
		t := Trade{
			ID:          id,
			Owner:       st.order.Owner,
			Filler:      st.filler,
			Token:       token,
			TokenAmount: ta,
			EtherAmount: ea,
			Price:       price(ta, ea),
			MakerSide:   side,
			Fee:         asset.ToDecimal(st.fee),
			Timestamp:   st.filledAt,
		}
		t.PriceClass = PriceUp
		if len(out) > 0 && t.Price.LessThan(prev) {
			t.PriceClass = PriceDown
		}
		prev = t.Price
		out = append(out, t)
	}
	return out
}

// Trades returns filled native-pair orders, newest first.
func (ix *Indexer) Trades() []Trade {
	ix.mu.RLock()
	trades := ix.chronological()
	ix.mu.RUnlock()

	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}
	return trades
}

// AccountTrades returns trades account took part in, newest first. Makers
// buy when their order gives native; fillers take the other side.
func (ix *Indexer) AccountTrades(account common.Address) []AccountTrade {
	out := []AccountTrade{}
	for _, t := range ix.Trades() {
		var side string
		switch account {
		case t.Owner:
			side = t.MakerSide
		case t.Filler:
			side = opposite(t.MakerSide)
		default:
			continue
		}
		sign := "+"
		if side == SideSell {
			sign = "-"
		}
		out = append(out, AccountTrade{Trade: t, Side: side, Sign: sign})
	}
	return out
}

// Candles buckets chronological trade prices by interval (one hour when
// interval <= 0).
func (ix *Indexer) Candles(interval time.Duration) Chart {
	if interval <= 0 {
		interval = time.Hour
	}
	ix.mu.RLock()
	trades := ix.chronological()
	ix.mu.RUnlock()

	chart := Chart{Candles: []Candle{}, LastChange: "+"}
	for _, t := range trades {
		start := time.Unix(t.Timestamp, 0).UTC().Truncate(interval)
		n := len(chart.Candles)
		if n == 0 || !chart.Candles[n-1].Start.Equal(start) {
			chart.Candles = append(chart.Candles, Candle{Start: start, Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price})
			continue
		}
		c := &chart.Candles[n-1]
		c.High = decimal.Max(c.High, t.Price)
		c.Low = decimal.Min(c.Low, t.Price)
		c.Close = t.Price
	}
	if n := len(trades); n > 0 {
		chart.LastPrice = trades[n-1].Price
		if n > 1 && trades[n-1].Price.LessThan(trades[n-2].Price) {
			chart.LastChange = "-"
		}
	}
	return chart
}
