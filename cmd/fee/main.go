package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"github.com/stakevrun/fee/internal/beacon"
	"github.com/stakevrun/fee/internal/chain/blocktime"
	"github.com/stakevrun/fee/internal/chain/ratelimit"
	"github.com/stakevrun/fee/internal/chain/rpc"
	"github.com/stakevrun/fee/internal/charges"
	"github.com/stakevrun/fee/internal/circuitbreaker"
	"github.com/stakevrun/fee/internal/config"
	"github.com/stakevrun/fee/internal/domain/model"
	"github.com/stakevrun/fee/internal/ledger"
	"github.com/stakevrun/fee/internal/pricing"
	"github.com/stakevrun/fee/internal/server"
	"github.com/stakevrun/fee/internal/state"
	"github.com/stakevrun/fee/internal/tracing"
	"github.com/stakevrun/fee/internal/tracker"
	"github.com/stakevrun/fee/internal/verify"
)

const defaultRPCRateLimit = 10.0

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "fee", cfg.Trace.Endpoint, cfg.Trace.Insecure)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	signerKey, err := ethcrypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
	if err != nil {
		return fmt.Errorf("parse signer key: %w", err)
	}

	registry := state.NewRegistry()
	times := make(map[model.ChainID]*blocktime.Cache, len(cfg.Chains))
	beaconClients := make(map[model.ChainID]*beacon.Client, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		chain, reader, err := buildChain(cc, logger)
		if err != nil {
			return fmt.Errorf("chain %d: %w", cc.ID, err)
		}
		registry.Add(chain)
		times[chain.ID] = blocktime.New(reader)
		beaconClients[chain.ID] = beacon.NewClient(cc.BeaconURL, newBreaker("beacon-"+chain.ID.String(), logger), logger)
		logger.Info("chain configured",
			"chain", chain.ID, "fee_contract", chain.FeeContract.Hex(),
			"deploy_block", chain.DeployBlock, "initial_tokens", len(chain.InitialTokens),
		)
	}

	windows := beacon.NewWindows(func(chain model.ChainID) *beacon.Client {
		return beaconClients[chain]
	})
	chargeSvc := charges.NewService(registry, windows, times, logger)

	ledgerClient := ledger.NewClient(cfg.Ledger.URL, newBreaker("ledger", logger), logger)
	replicator := ledger.NewReplicator(ledgerClient, logger)
	verifier := verify.NewVerifier(registry, ledgerClient, replicator, times, signerKey, logger)

	srv := server.New(
		cfg.Server.Addr,
		registry, chargeSvc, verifier, replicator,
		cfg.Server.ReadTimeout, cfg.Server.WriteTimeout,
		logger,
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, chain := range registry.All() {
		t := tracker.New(chain, times[chain.ID], cfg.Tracker.Interval, logger)
		g.Go(func() error { return t.Run(ctx) })
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("service started", "chains", len(cfg.Chains), "addr", cfg.Server.Addr)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("service stopped")
	return nil
}

func buildChain(cc config.ChainConfig, logger *slog.Logger) (*state.Chain, rpc.ChainReader, error) {
	id := model.ChainID(cc.ID)

	rps := cc.RateLimit
	if rps <= 0 {
		rps = defaultRPCRateLimit
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	limiter := ratelimit.NewLimiter(rps, burst, id.String())
	reader := rpc.NewClient(cc.RPCURL, id.String(), limiter, logger)

	tokens := make([]common.Address, 0, len(cc.InitialTokens))
	for _, t := range cc.InitialTokens {
		tokens = append(tokens, common.HexToAddress(t))
	}

	schedule, err := buildSchedule(cc.PriceSchedule)
	if err != nil {
		return nil, nil, err
	}

	params := state.ChainParams{
		ID:             id,
		FeeContract:    common.HexToAddress(cc.FeeContract),
		DeployBlock:    cc.DeployBlock,
		Receiver:       common.HexToAddress(cc.Receiver),
		BeaconURL:      cc.BeaconURL,
		GenesisTime:    cc.GenesisTime,
		SecondsPerSlot: cc.SecondsPerSlot,
		DomainName:     cc.DomainName,
		DomainVersion:  cc.DomainVersion,
		InitialTokens:  tokens,
		Schedule:       schedule,
	}
	return state.NewChain(params, reader), reader, nil
}

func buildSchedule(periods []config.PricePeriodConfig) (pricing.Schedule, error) {
	out := make([]model.PricePeriod, 0, len(periods))
	for i, pc := range periods {
		prices := make(map[common.Address]*big.Int, len(pc.Prices))
		for token, amount := range pc.Prices {
			value, ok := new(big.Int).SetString(amount, 10)
			if !ok {
				return nil, fmt.Errorf("price period %d: bad amount %q", i, amount)
			}
			prices[common.HexToAddress(token)] = value
		}
		out = append(out, model.PricePeriod{ValidUntil: pc.ValidUntil, Prices: prices})
	}
	return pricing.Normalize(out), nil
}

func newBreaker(upstream string, logger *slog.Logger) *circuitbreaker.Breaker {
	return circuitbreaker.New(circuitbreaker.Config{
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("circuit breaker state changed",
				"upstream", upstream, "from", from.String(), "to", to.String(),
			)
		},
	})
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
