// Package api exposes the exchange over HTTP: REST endpoints for the engine's
// operations and queries, read-model views from the indexer, a WebSocket feed
// of committed events, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/hyperexchange/pkg/app/core/asset"
	"github.com/uhyunpark/hyperexchange/pkg/app/core/event"
	"github.com/uhyunpark/hyperexchange/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperexchange/pkg/app/exchange"
	"github.com/uhyunpark/hyperexchange/pkg/errs"
	"github.com/uhyunpark/hyperexchange/pkg/indexer"
)

const (
	maxBodyBytes      = 1 << 20
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Options configures the HTTP surface.
type Options struct {
	AllowedOrigins    []string
	RateLimit         float64 // requests per second on /api; 0 disables limiting
	RateBurst         int
	RequireSignatures bool // reject unsigned mutating requests
	// Verifier checks signed envelopes. Nil uses an in-memory verifier whose
	// nonces are forgotten on restart.
	Verifier *transaction.Verifier
}

// Server handles REST API and WebSocket connections.
type Server struct {
	engine   *exchange.Engine
	ix       *indexer.Indexer
	verifier *transaction.Verifier
	opts     Options

	router   *mux.Router
	hub      *Hub
	limiter  *rate.Limiter
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewServer wires routes. gatherer backs /metrics (default gatherer when nil).
func NewServer(engine *exchange.Engine, ix *indexer.Indexer, opts Options, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		engine:   engine,
		ix:       ix,
		verifier: opts.Verifier,
		opts:     opts,
		router:   mux.NewRouter(),
		hub:      NewHub(logger),
		gatherer: gatherer,
		logger:   logger,
	}
	if s.verifier == nil {
		s.verifier = transaction.NewVerifier()
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestID)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.rateLimit)

	// Exchange parameters
	api.HandleFunc("/exchange", s.handleGetExchange).Methods(http.MethodGet)

	// Custody
	api.HandleFunc("/deposits/native", s.handleOp(transaction.TxDepositNative)).Methods(http.MethodPost)
	api.HandleFunc("/deposits/token", s.handleOp(transaction.TxDepositToken)).Methods(http.MethodPost)
	api.HandleFunc("/withdrawals/native", s.handleOp(transaction.TxWithdrawNative)).Methods(http.MethodPost)
	api.HandleFunc("/withdrawals/token", s.handleOp(transaction.TxWithdrawToken)).Methods(http.MethodPost)

	// Orders
	api.HandleFunc("/orders", s.handleOp(transaction.TxCreateOrder)).Methods(http.MethodPost)
	api.HandleFunc("/orders", s.handleGetOpenOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id:[0-9]+}/status", s.handleGetOrderStatus).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id:[0-9]+}/cancel", s.handleOp(transaction.TxCancelOrder)).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id:[0-9]+}/fill", s.handleOp(transaction.TxFillOrder)).Methods(http.MethodPost)

	// Any signed envelope
	api.HandleFunc("/tx", s.handleSubmitTx).Methods(http.MethodPost)

	// Accounts
	api.HandleFunc("/accounts/{address}/balances", s.handleGetBalances).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{address}/balances/{asset}", s.handleGetBalance).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{address}/trades", s.handleGetAccountTrades).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{address}/orders", s.handleGetAccountOrders).Methods(http.MethodGet)

	// Event log and read models
	api.HandleFunc("/events", s.handleGetEvents).Methods(http.MethodGet)
	api.HandleFunc("/orderbook", s.handleGetOrderbook).Methods(http.MethodGet)
	api.HandleFunc("/trades", s.handleGetTrades).Methods(http.MethodGet)
	api.HandleFunc("/candles", s.handleGetCandles).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run starts the WebSocket hub and pushes committed events to it until ctx ends.
func (s *Server) Run(ctx context.Context) {
	sub := s.engine.Subscribe(256)
	defer sub.Unsubscribe()
	go s.hub.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			s.broadcast(e)
		}
	}
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api_listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ==============================
// Operation Handlers
// ==============================

// handleOp serves one operation. The body is an envelope whose type is fixed
// by the route; it is verified when signed and decoded as-is otherwise.
func (s *Server) handleOp(typ transaction.TxType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var tx transaction.SignedTransaction
		if err := s.decodeBody(r, &tx); err != nil {
			s.respondErr(w, r, err)
			return
		}
		if tx.Type != "" && tx.Type != typ {
			s.respondErr(w, r, errs.New(errs.CodeInvalid, "type %q does not match route %q", tx.Type, typ))
			return
		}
		tx.Type = typ

		if raw, ok := mux.Vars(r)["id"]; ok {
			id, _ := strconv.ParseUint(raw, 10, 64)
			if tx.OrderID != 0 && tx.OrderID != id {
				s.respondErr(w, r, errs.New(errs.CodeInvalid, "orderId %d does not match path %d", tx.OrderID, id))
				return
			}
			tx.OrderID = id
		}

		req, err := s.authorize(&tx)
		if err != nil {
			s.respondErr(w, r, err)
			return
		}
		s.execute(w, r, req)
	}
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.respondErr(w, r, errs.Wrap(errs.CodeInvalid, err, "failed to read body"))
		return
	}
	tx, err := transaction.Parse(body)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	req, err := s.verifier.Verify(tx)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.execute(w, r, req)
}

func (s *Server) authorize(tx *transaction.SignedTransaction) (*transaction.Request, error) {
	if tx.Signature != "" {
		return s.verifier.Verify(tx)
	}
	if s.opts.RequireSignatures {
		return nil, errs.New(errs.CodeUnauthorized, "signature required")
	}
	return tx.Decode()
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, req *transaction.Request) {
	ev, err := s.dispatch(req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

func (s *Server) dispatch(req *transaction.Request) (event.Event, error) {
	switch req.Type {
	case transaction.TxDepositNative:
		return s.engine.DepositNative(req.From, req.Amount)
	case transaction.TxDepositToken:
		return s.engine.DepositToken(req.From, req.Asset, req.Amount)
	case transaction.TxWithdrawNative:
		return s.engine.WithdrawNative(req.From, req.Amount)
	case transaction.TxWithdrawToken:
		return s.engine.WithdrawToken(req.From, req.Asset, req.Amount)
	case transaction.TxCreateOrder:
		return s.engine.CreateOrder(req.From, req.TokenGet, req.AmountGet, req.TokenGive, req.AmountGive)
	case transaction.TxCancelOrder:
		return s.engine.CancelOrder(req.From, req.OrderID)
	case transaction.TxFillOrder:
		return s.engine.FillOrder(req.From, req.OrderID)
	default:
		return event.Event{}, errs.New(errs.CodeInvalid, "unknown transaction type %q", req.Type)
	}
}

// ==============================
// Query Handlers
// ==============================

func (s *Server) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	tokens := []string{}
	for _, t := range s.engine.Tokens() {
		tokens = append(tokens, t.Hex())
	}
	respondJSON(w, http.StatusOK, ExchangeInfo{
		FeeAccount: s.engine.FeeAccount().Hex(),
		FeePercent: s.engine.FeePercent(),
		Custody:    s.engine.Custody().Hex(),
		Tokens:     tokens,
		OrderCount: s.engine.OrderCount(),
		LastSeq:    s.engine.LastSeq(),
		StateHash:  s.engine.StateHash().Hex(),
		Signatures: s.opts.RequireSignatures,
	})
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	account, ok := s.addressVar(w, r, "address")
	if !ok {
		return
	}
	resp := AccountBalances{Address: account.Hex(), Balances: []Balance{}}
	for _, a := range append([]common.Address{asset.Native}, s.engine.Tokens()...) {
		resp.Balances = append(resp.Balances, newBalance(a, s.engine.BalanceOf(a, account)))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := s.addressVar(w, r, "address")
	if !ok {
		return
	}
	a, ok := s.addressVar(w, r, "asset")
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, newBalance(a, s.engine.BalanceOf(a, account)))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := orderIDVar(r)
	o, ok := s.engine.Order(id)
	if !ok {
		s.respondErr(w, r, errs.New(errs.CodeOrderNotFound, "order %d not found", id))
		return
	}
	respondJSON(w, http.StatusOK, newOrderInfo(o, s.engine.OrderStatus(id)))
}

func (s *Server) handleGetOrderStatus(w http.ResponseWriter, r *http.Request) {
	id := orderIDVar(r)
	st := s.engine.OrderStatus(id)
	respondJSON(w, http.StatusOK, OrderStatusInfo{ID: id, Filled: st.Filled, Cancelled: st.Cancelled})
}

func (s *Server) handleGetOpenOrders(w http.ResponseWriter, r *http.Request) {
	out := []OrderInfo{}
	for _, o := range s.engine.OpenOrders() {
		out = append(out, newOrderInfo(o, s.engine.OrderStatus(o.ID)))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var from uint64 = 1
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.respondErr(w, r, errs.Wrap(errs.CodeInvalid, err, "bad from"))
			return
		}
		from = n
	}
	limit := defaultEventLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondErr(w, r, errs.New(errs.CodeInvalid, "bad limit %q", v))
			return
		}
		limit = min(n, maxEventLimit)
	}
	evs := s.engine.Events(from, limit)
	if evs == nil {
		evs = []event.Event{}
	}
	respondJSON(w, http.StatusOK, evs)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.ix.OrderBook())
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.ix.Trades())
}

func (s *Server) handleGetCandles(w http.ResponseWriter, r *http.Request) {
	var interval time.Duration
	if v := r.URL.Query().Get("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.respondErr(w, r, errs.New(errs.CodeInvalid, "bad interval %q", v))
			return
		}
		interval = d
	}
	respondJSON(w, http.StatusOK, s.ix.Candles(interval))
}

func (s *Server) handleGetAccountTrades(w http.ResponseWriter, r *http.Request) {
	account, ok := s.addressVar(w, r, "address")
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.ix.AccountTrades(account))
}

func (s *Server) handleGetAccountOrders(w http.ResponseWriter, r *http.Request) {
	account, ok := s.addressVar(w, r, "address")
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.ix.AccountOpenOrders(account))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "lastSeq": s.engine.LastSeq()})
}

// ==============================
// Broadcast
// ==============================

// broadcast pushes a committed event to its channels. Book and trade views
// are brought up to e before they are snapshotted.
func (s *Server) broadcast(e event.Event) {
	s.hub.BroadcastToChannel(WSMessage{Channel: ChannelEvents, Seq: e.Seq, Data: e})

	s.hub.BroadcastToChannel(WSMessage{Channel: AccountChannel(e.User), Seq: e.Seq, Data: e})
	if e.Kind == event.KindTrade && e.Filler != e.User {
		s.hub.BroadcastToChannel(WSMessage{Channel: AccountChannel(e.Filler), Seq: e.Seq, Data: e})
	}

	if e.IsTransfer() {
		return
	}
	if err := s.ix.CatchUp(s.engine); err != nil {
		s.logger.Error("indexer_catch_up_failed", zap.Uint64("seq", e.Seq), zap.Error(err))
		return
	}
	s.hub.BroadcastToChannel(WSMessage{Channel: ChannelOrderBook, Seq: e.Seq, Data: s.ix.OrderBook()})
	if e.Kind != event.KindTrade {
		return
	}
	for _, t := range s.ix.Trades() {
		if t.ID == e.OrderID {
			s.hub.BroadcastToChannel(WSMessage{Channel: ChannelTrades, Seq: e.Seq, Data: t})
			break
		}
	}
}

// ==============================
// Middleware
// ==============================

type ctxKey struct{}

// RequestIDFrom returns the id the requestID middleware attached to ctx.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// statusRecorder keeps the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, id))

		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Debug("http_request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			respondJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errs.Wrap(errs.CodeInvalid, err, "failed to read body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errs.Wrap(errs.CodeInvalid, err, "invalid JSON body")
	}
	return nil
}

func (s *Server) addressVar(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := mux.Vars(r)[name]
	if !common.IsHexAddress(raw) {
		s.respondErr(w, r, errs.New(errs.CodeInvalid, "invalid %s %q", name, raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func orderIDVar(r *http.Request) uint64 {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	return id
}

// respondErr maps coded errors to their status; anything else is a 500 and
// is logged.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	status := errs.HTTPStatus(code)
	resp := ErrorResponse{Error: err.Error(), Code: string(code)}
	if code == "" {
		s.logger.Error("request_failed", zap.String("request_id", RequestIDFrom(r.Context())), zap.Error(err))
		resp = ErrorResponse{Error: "internal error"}
	}
	respondJSON(w, status, resp)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
