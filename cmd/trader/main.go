// Coinbase Trader — an automated spot-market trading bot for Coinbase
// Advanced Trade.
//
// Architecture:
//
//	main.go             — entry point: loads config, runs a subcommand, waits for SIGINT/SIGTERM
//	engine/engine.go    — orchestrator: 60s loop of reconcile → mark equity → scan → analyze → exits → entries
//	strategy/           — pluggable evaluators: momentum, mean-reversion, breakout, hybrid K-of-3 vote
//	indicator/          — EMA/RSI/MACD/Bollinger/ADX/ATR/stochastic series with a 200-candle warm-up
//	market/scanner.go   — ranks tradable products by 24h quote volume, held products always included
//	market/book.go      — latest ticker per product, fed by the WebSocket ticker_batch channel
//	monitor/monitor.go  — signal-confirmed exit rules: profit holds on BUY, losses need a confident SELL
//	order/manager.go    — write-before-send order lifecycle, verified cancels, bracket installation
//	order/reconciler.go — converges persisted orders against the exchange after crashes and reconnects
//	risk/manager.go     — fixed-fractional sizing, exposure caps, persistent drawdown halt
//	exchange/           — REST + WebSocket gateway with HMAC auth, rate limits, and a paper-trading book
//	store/store.go      — SQLite persistence: orders, fills, positions, trades, equity curve
//
// How it trades:
//
//	Each cycle the bot ranks spot products by volume, computes indicators
//	over recent candles, and asks the active strategy for a verdict per
//	product. Open positions are managed first — profits ride while the
//	signal stays bullish, losses are cut only on a confident reversal.
//	New entries are sized off a fixed fraction of equity at risk, gated by
//	spread, order-flow, fee, and exposure checks, and protected by a
//	stop-loss/take-profit bracket from the moment they open.
//
// Subcommands:
//
//	run      — start the trading loop (default)
//	scan     — one-shot signal scan over the tradable universe, no orders
//	convert  — sweep non-quote balances into the quote currency
//
// Exit codes: 0 graceful shutdown, 1 fatal startup error, 2 runtime
// drawdown halt that did not release within the grace period.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"coinbase-trader/internal/config"
	"coinbase-trader/internal/engine"
	"coinbase-trader/internal/exchange"
	"coinbase-trader/internal/indicator"
	"coinbase-trader/internal/market"
	"coinbase-trader/internal/strategy"
	"coinbase-trader/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "run":
		os.Exit(runBot(cfg, logger))
	case "scan":
		os.Exit(runScan(cfg, logger))
	case "convert":
		os.Exit(runConvert(cfg, logger))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q (want run, scan, or convert)\n", cmd)
		os.Exit(1)
	}
}

func runBot(cfg *config.Config, logger *slog.Logger) int {
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return 1
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		return 1
	}

	logger.Info("trader started",
		"paper_trading", cfg.Trading.PaperTrading,
		"quote", cfg.Trading.QuoteCurrency,
		"strategy", cfg.Strategies.Active,
		"max_products", cfg.Trading.MaxProducts,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		eng.Stop()
		return 0
	case <-eng.Fatal():
		logger.Error("runtime halt, shutting down")
		eng.Stop()
		return 2
	}
}

// runScan evaluates every tradable product once and prints verdicts ranked
// by confidence. Places no orders and touches no state.
func runScan(cfg *config.Config, logger *slog.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	auth := exchange.NewAuth(cfg.API.Key, cfg.API.Secret)
	client, err := exchange.NewClient(cfg, auth, logger)
	if err != nil {
		logger.Error("failed to create exchange client", "error", err)
		return 1
	}
	scanner := market.NewScanner(client, cfg.Trading, cfg.Risk, logger)
	strat, err := strategy.New(cfg.Strategies)
	if err != nil {
		logger.Error("failed to create strategy", "error", err)
		return 1
	}

	products, err := scanner.ScanAll(ctx)
	if err != nil {
		logger.Error("scan failed", "error", err)
		return 1
	}

	type verdict struct {
		product types.Product
		signal  types.Signal
	}
	var verdicts []verdict
	for _, p := range products {
		candles, err := client.GetCandles(ctx, p.ID, cfg.Trading.Granularity, cfg.Trading.CandleHistory)
		if err != nil {
			logger.Warn("skipping product", "product", p.ID, "error", err)
			continue
		}
		series := indicator.Enrich(candles)
		if series.Len() < indicator.WarmUp {
			continue
		}
		verdicts = append(verdicts, verdict{product: p, signal: strat.Analyze(series, p.ID)})
	}

	sort.SliceStable(verdicts, func(i, j int) bool {
		return verdicts[i].signal.Confidence > verdicts[j].signal.Confidence
	})

	fmt.Printf("%-14s %-6s %-6s %s\n", "PRODUCT", "ACTION", "CONF", "REASONS")
	for _, v := range verdicts {
		reasons := ""
		if len(v.signal.Reasons) > 0 {
			reasons = v.signal.Reasons[0]
		}
		fmt.Printf("%-14s %-6s %.2f   %s\n", v.product.ID, v.signal.Action, v.signal.Confidence, reasons)
	}
	return 0
}

// runConvert sweeps every non-quote balance into the quote currency via
// the convert endpoints: quote, then commit.
func runConvert(cfg *config.Config, logger *slog.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	auth := exchange.NewAuth(cfg.API.Key, cfg.API.Secret)
	client, err := exchange.NewClient(cfg, auth, logger)
	if err != nil {
		logger.Error("failed to create exchange client", "error", err)
		return 1
	}

	accounts, err := client.GetAccounts(ctx)
	if err != nil {
		logger.Error("failed to list accounts", "error", err)
		return 1
	}

	quote := cfg.Trading.QuoteCurrency
	converted := 0
	for _, acct := range accounts {
		if acct.Currency == quote || !acct.Available.IsPositive() {
			continue
		}
		q, err := client.CreateConvertQuote(ctx, acct.Currency, quote, acct.Available)
		if err != nil {
			logger.Warn("convert quote failed", "from", acct.Currency, "error", err)
			continue
		}
		if err := client.CommitConvertTrade(ctx, q.TradeID, acct.Currency, quote); err != nil {
			logger.Error("convert commit failed", "from", acct.Currency, "trade_id", q.TradeID, "error", err)
			continue
		}
		logger.Info("converted",
			"from", acct.Currency,
			"amount", q.FromAmount.String(),
			"received", q.ToAmount.String(),
			"fee", q.Fee.String())
		converted++
	}
	logger.Info("convert sweep complete", "converted", converted)
	return 0
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
