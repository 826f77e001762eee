package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperexchange/pkg/app/core/asset"
	"github.com/uhyunpark/hyperexchange/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperexchange/pkg/app/exchange"
	"github.com/uhyunpark/hyperexchange/pkg/app/token"
	"github.com/uhyunpark/hyperexchange/pkg/crypto"
	"github.com/uhyunpark/hyperexchange/pkg/indexer"
)

var (
	feeAccount = common.HexToAddress("0xFEE0000000000000000000000000000000000002")
	user1      = common.HexToAddress("0xAA00000000000000000000000000000000000003")
	user2      = common.HexToAddress("0xBB00000000000000000000000000000000000004")
	custody    = common.HexToAddress("0xEE00000000000000000000000000000000000005")
	tokenAddr  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

type testEnv struct {
	eng  *exchange.Engine
	ix   *indexer.Indexer
	srv  *Server
	http *httptest.Server
	bank *token.Bank
	tok  *token.ERC20
}

func newEnv(t *testing.T, opts Options, funded ...common.Address) *testEnv {
	t.Helper()
	bank := token.NewBank()
	tok := token.NewERC20(tokenAddr, "DApp Token", "DAPP")
	for _, u := range append([]common.Address{user1, user2}, funded...) {
		require.NoError(t, bank.Mint(u, asset.Ether("100")))
		require.NoError(t, tok.Mint(u, asset.Tokens("100")))
		require.NoError(t, tok.Approve(u, custody, asset.Tokens("100")))
	}
	reg := prometheus.NewRegistry()
	eng, err := exchange.New(exchange.Config{FeeAccount: feeAccount, FeePercent: 10, Custody: custody},
		bank, exchange.WithToken(tokenAddr, tok), exchange.WithMetrics(exchange.NewMetrics(reg)))
	require.NoError(t, err)

	ix := indexer.New(feeAccount, nil)
	srv := NewServer(eng, ix, opts, reg, nil)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &testEnv{eng: eng, ix: ix, srv: srv, http: hs, bank: bank, tok: tok}
}

func (e *testEnv) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.http.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var raw json.RawMessage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		if len(raw) > 0 && raw[0] == '{' {
			require.NoError(t, json.Unmarshal(raw, &out))
		} else {
			out = map[string]any{"list": raw}
		}
	}
	return out
}

func TestDepositAndQueryBalances(t *testing.T) {
	env := newEnv(t, Options{})

	resp, body := env.post(t, "/api/v1/deposits/native", map[string]string{
		"from": user1.Hex(), "amount": asset.Ether("1").Dec(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	require.Equal(t, "Deposit", body["event"])
	require.Equal(t, asset.Ether("1").Dec(), body["balance"])
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body = env.post(t, "/api/v1/deposits/token", map[string]string{
		"from": user1.Hex(), "asset": tokenAddr.Hex(), "amount": asset.Tokens("2").Dec(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	resp, body = env.get(t, "/api/v1/accounts/"+user1.Hex()+"/balances")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	balances := body["balances"].([]any)
	require.Len(t, balances, 2)
	native := balances[0].(map[string]any)
	require.Equal(t, "ETH", native["symbol"])
	require.Equal(t, "1", native["formatted"])
	tok := balances[1].(map[string]any)
	require.Equal(t, "2", tok["formatted"])

	resp, body = env.get(t, "/api/v1/accounts/"+user2.Hex()+"/balances/"+tokenAddr.Hex())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "0", body["amount"])
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	env := newEnv(t, Options{})
	_, err := env.eng.DepositNative(user1, asset.Ether("1"))
	require.NoError(t, err)
	_, err = env.eng.DepositToken(user2, tokenAddr, asset.Tokens("2"))
	require.NoError(t, err)

	resp, body := env.post(t, "/api/v1/orders", map[string]string{
		"from":       user1.Hex(),
		"tokenGet":   tokenAddr.Hex(),
		"amountGet":  asset.Tokens("1").Dec(),
		"tokenGive":  asset.Native.Hex(),
		"amountGive": asset.Ether("1").Dec(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	require.Equal(t, "Order", body["event"])
	require.EqualValues(t, 1, body["id"])

	resp, body = env.get(t, "/api/v1/orders/1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "open", body["status"])

	resp, body = env.post(t, "/api/v1/orders/1/fill", map[string]string{"from": user2.Hex()})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	require.Equal(t, "Trade", body["event"])
	require.Equal(t, asset.Tokens("0.1").Dec(), body["fee"])

	resp, body = env.get(t, "/api/v1/orders/1/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["filled"])
	require.Equal(t, false, body["cancelled"])

	require.True(t, env.eng.BalanceOf(tokenAddr, feeAccount).Eq(asset.Tokens("0.1")))

	require.NoError(t, env.ix.CatchUp(env.eng))
	resp, body = env.get(t, "/api/v1/trades")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trades []indexer.Trade
	require.NoError(t, json.Unmarshal(body["list"].(json.RawMessage), &trades))
	require.Len(t, trades, 1)
	require.Equal(t, user2, trades[0].Filler)

	resp, body = env.get(t, "/api/v1/events?from=3&limit=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var evs []map[string]any
	require.NoError(t, json.Unmarshal(body["list"].(json.RawMessage), &evs))
	require.Len(t, evs, 1)
	require.Equal(t, "Order", evs[0]["event"])
}

func TestErrorMapping(t *testing.T) {
	env := newEnv(t, Options{})
	_, err := env.eng.DepositNative(user1, asset.Ether("1"))
	require.NoError(t, err)
	_, err = env.eng.CreateOrder(user1, tokenAddr, asset.Tokens("1"), asset.Native, asset.Ether("1"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown order", "/api/v1/orders/9999/fill", map[string]string{"from": user2.Hex()}, http.StatusNotFound, "order_not_found"},
		{"cancel by stranger", "/api/v1/orders/1/cancel", map[string]string{"from": user2.Hex()}, http.StatusForbidden, "unauthorized"},
		{"fill without funds", "/api/v1/orders/1/fill", map[string]string{"from": user2.Hex()}, http.StatusUnprocessableEntity, "insufficient_balance"},
		{"overdraw", "/api/v1/withdrawals/native", map[string]string{"from": user1.Hex(), "amount": asset.Ether("100").Dec()}, http.StatusUnprocessableEntity, "insufficient_balance"},
		{"native on token path", "/api/v1/deposits/token", map[string]string{"from": user1.Hex(), "asset": asset.Native.Hex(), "amount": "1"}, http.StatusBadRequest, "wrong_asset_path"},
		{"unregistered token", "/api/v1/deposits/token", map[string]string{"from": user1.Hex(), "asset": user2.Hex(), "amount": "1"}, http.StatusBadGateway, "asset_transfer_failed"},
		{"bad amount", "/api/v1/deposits/native", map[string]string{"from": user1.Hex(), "amount": "1.5"}, http.StatusBadRequest, "invalid_request"},
		{"type mismatch", "/api/v1/deposits/native", map[string]string{"type": "fill_order", "from": user1.Hex(), "amount": "1"}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.post(t, tt.path, tt.body)
			require.Equal(t, tt.status, resp.StatusCode, body)
			require.Equal(t, tt.code, body["code"])
		})
	}

	resp, body := env.get(t, "/api/v1/orders/9999")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "order_not_found", body["code"])

	resp, body = env.get(t, "/api/v1/orders/9999/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["filled"])

	resp, _ = env.get(t, "/api/v1/accounts/bob/balances")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(env.http.URL+"/api/v1/orders", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// rejections leave no trace
	require.Equal(t, uint64(2), env.eng.LastSeq())
}

func TestSignedRequests(t *testing.T) {
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)
	env := newEnv(t, Options{RequireSignatures: true}, signer.Address())

	resp, body := env.post(t, "/api/v1/deposits/native", map[string]string{
		"from": signer.Address().Hex(), "amount": "5",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "unauthorized", body["code"])

	tx, err := transaction.Sign(&transaction.Request{Type: transaction.TxDepositNative, Amount: uint256.NewInt(5), Nonce: 1}, signer)
	require.NoError(t, err)
	resp, body = env.post(t, "/api/v1/tx", tx)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	require.Equal(t, "5", body["balance"])

	resp, body = env.post(t, "/api/v1/tx", tx)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "replayed envelope")
	require.Equal(t, "invalid_request", body["code"])

	// Route-bound form: the path id must be the signed one.
	tx, err = transaction.Sign(&transaction.Request{
		Type: transaction.TxCreateOrder, TokenGet: tokenAddr, AmountGet: uint256.NewInt(1),
		TokenGive: asset.Native, AmountGive: uint256.NewInt(1), Nonce: 2,
	}, signer)
	require.NoError(t, err)
	resp, body = env.post(t, "/api/v1/orders", tx)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	cancel, err := transaction.Sign(&transaction.Request{Type: transaction.TxCancelOrder, OrderID: 1, Nonce: 3}, signer)
	require.NoError(t, err)
	resp, body = env.post(t, "/api/v1/orders/2/cancel", cancel)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	resp, body = env.post(t, "/api/v1/orders/1/cancel", cancel)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	require.True(t, env.eng.OrderStatus(1).Cancelled)
}

func TestRateLimit(t *testing.T) {
	env := newEnv(t, Options{RateLimit: 0.001, RateBurst: 1})

	resp, _ := env.get(t, "/api/v1/exchange")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := env.get(t, "/api/v1/exchange")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "rate limited", body["error"])

	// health is outside the limited prefix
	resp, _ = env.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newEnv(t, Options{})
	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newEnv(t, Options{})
	_, err := env.eng.DepositNative(user1, asset.Ether("1"))
	require.NoError(t, err)

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), `hyperexchange_engine_operations_total{op="deposit_native",result="ok"} 1`)
}

func TestWebSocketPushesCommittedEvents(t *testing.T) {
	env := newEnv(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go env.srv.Run(ctx)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	sub := WSSubscribeRequest{Op: "subscribe", Channels: []string{ChannelEvents, "account:" + user2.Hex(), ChannelTrades}}
	require.NoError(t, conn.WriteJSON(sub))

	read := func() WSMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg WSMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	}
	require.Equal(t, "ack", read().Channel)

	_, err = env.eng.DepositNative(user1, asset.Ether("1"))
	require.NoError(t, err)
	msg := read()
	require.Equal(t, ChannelEvents, msg.Channel)
	require.Equal(t, uint64(1), msg.Seq)

	_, err = env.eng.DepositToken(user2, tokenAddr, asset.Tokens("2"))
	require.NoError(t, err)
	got := []string{read().Channel, read().Channel}
	require.ElementsMatch(t, []string{ChannelEvents, AccountChannel(user2)}, got)

	_, err = env.eng.CreateOrder(user1, tokenAddr, asset.Tokens("1"), asset.Native, asset.Ether("1"))
	require.NoError(t, err)
	require.Equal(t, ChannelEvents, read().Channel)

	_, err = env.eng.FillOrder(user2, 1)
	require.NoError(t, err)
	channels := map[string]uint64{}
	for range 3 {
		m := read()
		channels[m.Channel] = m.Seq
	}
	require.Equal(t, map[string]uint64{ChannelEvents: 4, AccountChannel(user2): 4, ChannelTrades: 4}, channels)
}
