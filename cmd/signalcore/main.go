// Command signalcore wires the concrete collaborator adapters into either a
// live symbol dispatcher or a backtest runner. There is no single top-level
// wiring function to generalize from in the reference stack (its binary
// wiring lives inline in trader/auto_trader.go's config-struct constructor);
// this mirrors that config-struct-then-construct shape at the process level.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/synapsestrike/signalcore/backtest"
	"github.com/synapsestrike/signalcore/cache"
	"github.com/synapsestrike/signalcore/dispatcher"
	"github.com/synapsestrike/signalcore/ingest"
	"github.com/synapsestrike/signalcore/kline"
	"github.com/synapsestrike/signalcore/logging"
	"github.com/synapsestrike/signalcore/metrics"
	"github.com/synapsestrike/signalcore/observer"
	"github.com/synapsestrike/signalcore/signal"
	"github.com/synapsestrike/signalcore/store"
	"github.com/synapsestrike/signalcore/strategy"
	"github.com/synapsestrike/signalcore/volatility"
)

// config is the process's flat configuration surface: symbols, timeframes,
// and collaborator connection strings. Unlike the reference stack's
// multi-exchange AutoTraderConfig, there is exactly one exchange here
// (Binance USD-M futures) and no order-execution credentials to carry.
type config struct {
	env          string
	dbPath       string
	redisAddr    string
	metricsAddr  string
	symbols      []string
	timeframes   []string
	strategyName string
}

func main() {
	mode := flag.String("mode", "live", "live | backtest")
	env := flag.String("env", "development", "development | production")
	dbPath := flag.String("db", "signalcore.db", "sqlite database path")
	redisAddr := flag.String("redis", "localhost:6379", "redis address")
	metricsAddr := flag.String("metrics-addr", ":9090", "prometheus metrics listen address")
	symbols := flag.String("symbols", "BTCUSDT", "comma-separated symbol list")
	timeframes := flag.String("timeframes", "1m,5m,15m", "comma-separated timeframe list")
	strategyName := flag.String("strategy", strategy.MSRStrategyName, "registered strategy name")
	backtestStart := flag.String("start", "", "backtest window start, RFC3339")
	backtestEnd := flag.String("end", "", "backtest window end, RFC3339")
	flag.Parse()

	cfg := config{
		env:          *env,
		dbPath:       *dbPath,
		redisAddr:    *redisAddr,
		metricsAddr:  *metricsAddr,
		symbols:      strings.Split(*symbols, ","),
		timeframes:   strings.Split(*timeframes, ","),
		strategyName: *strategyName,
	}

	log := logging.New("signalcore", cfg.env)

	switch *mode {
	case "live":
		runLive(cfg, log)
	case "backtest":
		runBacktest(cfg, log, *backtestStart, *backtestEnd)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(1)
	}
}

func runLive(cfg config, log logging.Logger) {
	metrics.Init()

	db, err := store.Open(cfg.dbPath)
	if err != nil {
		log.Errorf("opening store: %v", err)
		os.Exit(1)
	}
	signalStore, err := store.NewSignalStore(db)
	if err != nil {
		log.Errorf("migrating signal store: %v", err)
		os.Exit(1)
	}
	stateStore, err := store.NewProcessingStateStore(db)
	if err != nil {
		log.Errorf("migrating processing-state store: %v", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
	streakCache := cache.NewRedisStreakCache(redisClient)

	hub := observer.NewHub()
	hub.Subscribe(metrics.NewObserverSink())

	atrTracker := volatility.NewAtrPercentileTracker(volatility.DefaultMinSamples, volatility.DefaultMaxHistory)
	deps := strategy.Deps{
		StreakCache:      streakCache,
		SignalRepository: signalStore,
		AtrTracker:       atrTracker,
	}

	filters := map[[2]string]signal.Filter{}
	if err := strategy.ValidateFilters(filters, cfg.symbols, cfg.timeframes); err != nil {
		log.Errorf("refusing to start: %v", err)
		os.Exit(1)
	}

	disp := dispatcher.New(deps, signalStore, stateStore, hub, log)

	klineFeed := ingest.NewBinanceKlineFeed(log)
	tradeFeed := ingest.NewBinanceTradeFeed(log)

	ctx, cancel := interruptContext()
	defer cancel()

	for _, sym := range cfg.symbols {
		workerCfg := dispatcher.SymbolConfig{
			Symbol:       sym,
			Timeframes:   cfg.timeframes,
			StrategyName: cfg.strategyName,
			SignalConfig: defaultConfigFor(cfg.strategyName),
			Filters:      filters,
		}
		if _, err := disp.AddSymbol(ctx, workerCfg); err != nil {
			log.Errorf("adding symbol %s: %v", sym, err)
			os.Exit(1)
		}

		if err := klineFeed.Subscribe(sym, "1m", func(k kline.Kline) {
			metrics.KlinesProcessedTotal.WithLabelValues(k.Symbol).Inc()
			if err := disp.PushKline(k); err != nil {
				log.Errorf("dispatching kline for %s: %v", k.Symbol, err)
			}
		}); err != nil {
			log.Errorf("subscribing kline feed for %s: %v", sym, err)
			os.Exit(1)
		}

		if err := tradeFeed.Subscribe(sym, func(t kline.Trade) {
			if err := disp.PushTrade(t); err != nil {
				log.Errorf("dispatching trade for %s: %v", t.Symbol, err)
			}
		}); err != nil {
			log.Errorf("subscribing trade feed for %s: %v", sym, err)
			os.Exit(1)
		}
	}

	if err := klineFeed.Start(ctx); err != nil {
		log.Errorf("starting kline feed: %v", err)
		os.Exit(1)
	}
	if err := tradeFeed.Start(ctx); err != nil {
		log.Errorf("starting trade feed: %v", err)
		os.Exit(1)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(cfg.metricsAddr, mux); err != nil {
			log.Errorf("metrics server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Infof("shutting down")
	_ = klineFeed.Stop()
	_ = tradeFeed.Stop()
}

func runBacktest(cfg config, log logging.Logger, startStr, endStr string) {
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		log.Errorf("parsing -start: %v", err)
		os.Exit(1)
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		log.Errorf("parsing -end: %v", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.dbPath)
	if err != nil {
		log.Errorf("opening store: %v", err)
		os.Exit(1)
	}
	signalStore, err := store.NewSignalStore(db)
	if err != nil {
		log.Errorf("migrating signal store: %v", err)
		os.Exit(1)
	}
	runStore, err := store.NewBacktestRunStore(db, signalStore)
	if err != nil {
		log.Errorf("migrating backtest-run store: %v", err)
		os.Exit(1)
	}

	futuresClient := futures.NewClient("", "")
	historySource := ingest.NewBinanceHistorySource(futuresClient)

	atrTracker := volatility.NewAtrPercentileTracker(volatility.DefaultMinSamples, volatility.DefaultMaxHistory)
	runner := backtest.NewRunner(historySource, runStore, strategy.Deps{SignalRepository: signalStore, AtrTracker: atrTracker}, log)

	run, err := runner.Run(context.Background(), backtest.RunnerConfig{
		Symbols:      cfg.symbols,
		Timeframes:   cfg.timeframes,
		StrategyName: cfg.strategyName,
		SignalConfig: defaultConfigFor(cfg.strategyName),
		Filters:      map[[2]string]signal.Filter{},
		Start:        start,
		End:          end,
		WarmupDays:   backtest.DefaultWarmupDays,
	})
	if err != nil {
		log.Errorf("backtest run failed: %v", err)
		os.Exit(1)
	}

	log.Infof("backtest run %s completed: %d symbols, %.2f win rate, %.2f expectancy R",
		run.ID, len(run.Symbols), run.Stats.WinRate, run.Stats.ExpectancyR)
}

// defaultConfigFor resolves the tuning knobs for a registered strategy name,
// matching each strategy's own DefaultXConfig().
func defaultConfigFor(strategyName string) signal.Config {
	switch strategyName {
	case strategy.EMACrossoverStrategyName:
		return signal.DefaultEMACrossoverConfig()
	default:
		return signal.DefaultMSRConfig()
	}
}

func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
