package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hyperexchange/params"
	"github.com/uhyunpark/hyperexchange/pkg/api"
	"github.com/uhyunpark/hyperexchange/pkg/app/core/asset"
	"github.com/uhyunpark/hyperexchange/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperexchange/pkg/app/exchange"
	"github.com/uhyunpark/hyperexchange/pkg/app/token"
	"github.com/uhyunpark/hyperexchange/pkg/indexer"
	"github.com/uhyunpark/hyperexchange/pkg/p2p"
	"github.com/uhyunpark/hyperexchange/pkg/sink"
	"github.com/uhyunpark/hyperexchange/pkg/storage"
	"github.com/uhyunpark/hyperexchange/pkg/util"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	envPath := flag.String("env", "", ".env file (default: ./.env if present)")
	flag.Parse()

	// Priority: ENV > .env file > YAML file > defaults
	cfg, err := params.Load(*configPath, *envPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := util.NewLogger(cfg.Node.Verbose)
	if cfg.Node.LogFile != "" {
		if logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.Verbose); err != nil {
			log.Fatalf("logger: %v", err)
		}
	}
	defer logger.Sync()
	logger.Info("logger_initialized", zap.String("log_file", cfg.Node.LogFile), zap.Bool("verbose", cfg.Node.Verbose))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("node_failed", zap.Error(err))
	}
	logger.Info("node_stopped")
}

func run(ctx context.Context, cfg params.Config, logger *zap.Logger) error {
	var store storage.Store = storage.NewMemStore()
	if cfg.Node.DataDir != "" {
		ps, err := storage.NewPebbleStore(cfg.Node.DataDir)
		if err != nil {
			return err
		}
		store = ps
	}
	defer store.Close()

	// ---- Custody ledgers ----
	// In-process stand-ins for the native chain and the token contracts.
	bank := token.NewBank()
	opts := []exchange.Option{exchange.WithStore(store), exchange.WithLogger(logger.Named("engine"))}
	contracts := make(map[common.Address]*token.ERC20)
	for _, addr := range cfg.Exchange.TokenAddresses() {
		tok := token.NewERC20(addr, "Devnet Token", asset.Label(addr))
		contracts[addr] = tok
		opts = append(opts, exchange.WithToken(addr, tok))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts = append(opts, exchange.WithMetrics(exchange.NewMetrics(reg)))

	engine, err := exchange.New(exchange.Config{
		FeeAccount: cfg.Exchange.FeeAccountAddress(),
		FeePercent: cfg.Exchange.FeePercent,
		Custody:    cfg.Exchange.CustodyAddress(),
	}, bank, opts...)
	if err != nil {
		return err
	}

	// Restored custody must hold what the engine owes its depositors.
	custody := cfg.Exchange.CustodyAddress()
	if err := bank.Mint(custody, engine.Total(asset.Native)); err != nil {
		return err
	}
	for addr, tok := range contracts {
		if err := tok.Mint(custody, engine.Total(addr)); err != nil {
			return err
		}
	}
	if cfg.Node.Devnet {
		if err := fundDevAccounts(cfg, bank, contracts, logger); err != nil {
			return err
		}
	}

	// accepted nonces live next to engine state so replays fail after a restart
	verifier, err := transaction.NewPersistentVerifier(store)
	if err != nil {
		return err
	}

	ix := indexer.New(engine.FeeAccount(), logger.Named("indexer"))
	srv := api.NewServer(engine, ix, api.Options{
		AllowedOrigins:    cfg.API.AllowedOrigins,
		RateLimit:         cfg.API.RateLimit,
		RateBurst:         cfg.API.RateBurst,
		RequireSignatures: cfg.Auth.RequireSignatures,
		Verifier:          verifier,
	}, reg, logger.Named("api"))

	logger.Info("node_starting",
		zap.String("api_addr", cfg.Node.APIAddr),
		zap.String("data_dir", cfg.Node.DataDir),
		zap.Uint64("last_seq", engine.LastSeq()),
		zap.Bool("devnet", cfg.Node.Devnet),
		zap.Bool("require_signatures", cfg.Auth.RequireSignatures))

	var gossip *p2p.Gossip
	if cfg.P2P.ListenAddr != "" {
		gossip, err = p2p.NewGossip(ctx, p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Bootstrap:  cfg.P2P.Bootstrap,
			Topic:      cfg.P2P.Topic,
			Logger:     logger.Named("p2p").Sugar(),
		})
		if err != nil {
			return err
		}
		defer gossip.Close()
		logger.Info("p2p_listening", zap.Strings("addrs", gossip.Addrs()))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ix.Run(ctx, engine) })
	g.Go(func() error {
		srv.Run(ctx)
		return nil
	})
	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.Node.APIAddr) })

	if len(cfg.Kafka.Brokers) > 0 {
		ks := sink.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Named("kafka"))
		defer ks.Close()
		logger.Info("kafka_export_enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
		g.Go(func() error { return ks.Run(ctx, engine, 1) })
	}

	if gossip != nil {
		g.Go(func() error { return gossip.Run(ctx, engine) })
	}

	return g.Wait()
}

func fundDevAccounts(cfg params.Config, bank *token.Bank, contracts map[common.Address]*token.ERC20, logger *zap.Logger) error {
	native := asset.Ether("1000")
	tokens := asset.Tokens("1000000")
	custody := cfg.Exchange.CustodyAddress()
	for _, acct := range cfg.Node.DevAccountAddresses() {
		if err := bank.Mint(acct, native); err != nil {
			return err
		}
		for _, tok := range contracts {
			if err := tok.Mint(acct, tokens); err != nil {
				return err
			}
			if err := tok.Approve(acct, custody, new(uint256.Int).SetAllOne()); err != nil {
				return err
			}
		}
		logger.Info("devnet_account_funded", zap.String("account", acct.Hex()))
	}
	return nil
}
