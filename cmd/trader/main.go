package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/account"
	"main/internal/candle"
	"main/internal/exchange"
	"main/internal/journal"
	"main/internal/model"
	"main/internal/notify"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/oracle"
	"main/internal/strategy"
)

const statsInterval = 10 * time.Minute

func main() {
	configPath := flag.String("config", "config.yaml", "Path to trader config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("trader: %v", err)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := ops.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profiling.AppName,
			ServerAddress:   cfg.Profiling.ServerAddress,
			Logger:          emptyLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return err
		}
		defer func() { _ = profiler.Stop() }()
	}

	metrics := obs.NewMetrics()

	notifier, err := notify.New(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID)
	if err != nil {
		return err
	}

	orderJournal, err := journal.Open(cfg.Journal.PostgresDSN)
	if err != nil {
		return err
	}
	defer orderJournal.Close()

	oracleCli, err := oracle.Dial(cfg.Oracle.SocketPath, cfg.Oracle.DialTimeout, cfg.Oracle.SlowCall, metrics)
	if err != nil {
		return err
	}
	defer oracleCli.Close()

	binance := exchange.NewBinance(cfg.Binance)
	tracker := account.NewTracker(notifier, orderJournal,
		decimal.NewFromFloat(cfg.Alerts.USDBalanceThreshold),
		decimal.NewFromFloat(cfg.Alerts.MinBNBBalance))

	manager, err := strategy.NewManager(oracleCli, binance, tracker, notifier, metrics, strategy.ManagerConfig{
		ParamsDir:           cfg.Data.ParamsDir,
		MinNotional:         cfg.Trading.MinNotionalDecimal(),
		Debounce:            cfg.Trading.Debounce,
		NotifyOnCancelCount: cfg.Trading.NotifyOnCancelCount,
	})
	if err != nil {
		return err
	}

	series, err := oracleCli.Metadata()
	if err != nil {
		return err
	}
	if err := manager.Init(series); err != nil {
		return err
	}
	logs.Infof("oracle manages %d signal series", len(series))

	infos, err := binance.ExchangeInfo()
	if err != nil {
		return err
	}
	if err := manager.SynchronizeSymbols(infos); err != nil {
		return err
	}

	open, err := binance.OpenOrders()
	if err != nil {
		return err
	}
	tracker.Seed(open)
	logs.Infof("seeded %d open orders", len(open))

	store, err := candle.NewStore(cfg.Data.CandlesDir)
	if err != nil {
		return err
	}
	defer store.Close()

	aggregator, err := candle.NewAggregator(store, metrics, cfg.Trading.RecentTickWindow)
	if err != nil {
		return err
	}
	for _, symbol := range manager.TradedSymbols() {
		if err := aggregator.Track(symbol, manager.Timeframes(symbol)); err != nil {
			return err
		}
	}
	if discovered, err := candle.Discover(cfg.Data.CandlesDir); err == nil {
		tracked := aggregator.Tracked()
		for symbol, timeframes := range discovered {
			if _, ok := tracked[symbol]; !ok {
				logs.Warnf("stored candles for %s %v have no oracle series, ignored", symbol, timeframes)
			}
		}
	}

	for _, symbol := range manager.TradedSymbols() {
		price, err := binance.LastPrice(symbol)
		if err != nil {
			return err
		}
		manager.UpdateLastPrice(symbol, price)
	}

	if err := aggregator.Catchup(binance); err != nil {
		return err
	}
	manager.Bootstrap(aggregator)

	go aggregator.Run(ctx)
	go manager.Run(ctx)
	go tracker.RunBalanceWatch(ctx, binance)

	streams := exchange.NewStreams(ctx, binance)
	if err := streams.Start(ctx); err != nil {
		return err
	}
	defer streams.Close()

	recollector := exchange.NewRecollector(aggregator, binance, cfg.Trading.RecollectGap)
	unsubscribe := streams.ObserveAggTrades(ctx, func(t model.Tick) {
		manager.UpdateLastPrice(t.Symbol, t.Price)
		recollector.Relay(t)
	})
	defer unsubscribe()
	if err := streams.SubscribeAggTrades(ctx, manager.TradedSymbols()); err != nil {
		return err
	}

	if err := streams.RunUserStream(ctx, tracker.ApplyOrderUpdate, tracker.ApplyBalances); err != nil {
		return err
	}

	go reportStats(ctx, metrics, aggregator)

	logs.Infof("trader running: %d symbols", len(manager.TradedSymbols()))
	<-ctx.Done()
	logs.Info("shutting down")
	return nil
}

func reportStats(ctx context.Context, metrics *obs.Metrics, aggregator *candle.Aggregator) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := metrics.Snapshot()
			logs.Infof("ticks enqueued=%d processed=%d stale=%d backlog=%d candles=%d evaluations=%d orders=%d oracle avg=%s",
				s.TicksEnqueued, s.TicksProcessed, s.TicksStale, aggregator.Backlog(),
				s.CandlesFinalized, s.Evaluations, s.OrdersPlaced, s.OracleLatency.Avg)
		}
	}
}

type emptyLogger struct{}

func (emptyLogger) Infof(string, ...any)  {}
func (emptyLogger) Debugf(string, ...any) {}
func (emptyLogger) Errorf(string, ...any) {}
