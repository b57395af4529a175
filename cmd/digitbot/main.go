package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/digitbot/internal/accounts"
	"github.com/rewired-gh/digitbot/internal/bot"
	"github.com/rewired-gh/digitbot/internal/config"
	"github.com/rewired-gh/digitbot/internal/deriv"
	"github.com/rewired-gh/digitbot/internal/digits"
	"github.com/rewired-gh/digitbot/internal/events"
	"github.com/rewired-gh/digitbot/internal/logger"
	"github.com/rewired-gh/digitbot/internal/models"
	"github.com/rewired-gh/digitbot/internal/scheduler"
	"github.com/rewired-gh/digitbot/internal/server"
	"github.com/rewired-gh/digitbot/internal/session"
	"github.com/rewired-gh/digitbot/internal/storage"
	"github.com/rewired-gh/digitbot/internal/telegram"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(cfg.Storage.MaxTicksPerSymbol, cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	var kv storage.KV = store
	if cfg.Storage.KVBackend == "redis" {
		rkv, err := storage.NewRedisKV(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix)
		if err != nil {
			logger.Fatal("Failed to connect to Redis: %v", err)
		}
		defer rkv.Close()
		kv = rkv
		logger.Info("Using Redis key-value store at %s", cfg.Redis.Addr)
	}

	resolver := accounts.NewResolver(kv, accounts.NewSealer(cfg.Storage.TokenSecret))
	if cfg.Storage.TokenSecret == "" {
		logger.Warn("storage.token_secret is empty; tokens are stored unencrypted")
	}

	agg := digits.NewAggregator(digits.Config{
		WindowSize:      cfg.Digits.WindowSize,
		PriceHistory:    cfg.Digits.PriceHistory,
		RSIPeriod:       cfg.Digits.RSIPeriod,
		PersistInterval: cfg.Digits.PersistInterval,
	}, store, kv)
	for _, symbol := range cfg.Deriv.Symbols {
		n, err := agg.Restore(symbol)
		if err != nil {
			logger.Warn("Failed to restore ticks for %s: %v", symbol, err)
			continue
		}
		logger.Debug("Restored %d ticks for %s", n, symbol)
	}

	bus := events.NewBus()
	client := deriv.NewClient(deriv.Config{
		URL:               cfg.Deriv.WebSocketURL(),
		RequestTimeout:    cfg.Deriv.RequestTimeout,
		PingInterval:      cfg.Deriv.PingInterval,
		MaxReconnectDelay: cfg.Deriv.MaxReconnectDelay,
		RequestsPerSecond: cfg.Deriv.RequestsPerSecond,
		RequestBurst:      cfg.Deriv.RequestBurst,
	}, bus)

	strategies := bot.NewStrategyStore(kv)
	strategy, err := strategies.Load(ctx, cfg.Bot.StrategyID)
	if err != nil {
		logger.Fatal("Failed to load strategy %s: %v", cfg.Bot.StrategyID, err)
	}

	controller := bot.NewController(bot.Config{
		Symbol:       cfg.Bot.Symbol,
		Currency:     cfg.Bot.Currency,
		Duration:     cfg.Bot.Duration,
		DurationUnit: cfg.Bot.DurationUnit,
		InitialStake: decimal.NewFromFloat(cfg.Bot.InitialStake),
		Factor:       decimal.NewFromFloat(cfg.Bot.MartingaleFactor),
		LossVirtual:  cfg.Bot.LossVirtual,
		MaxLevel:     cfg.Bot.MaxLevel,
		ResetOnWin:   cfg.Bot.ResetOnWin,
		ProfitTarget: decimal.NewFromFloat(cfg.Bot.ProfitTarget),
		LossLimit:    decimal.NewFromFloat(cfg.Bot.LossLimit),
		RetryDelay:   cfg.Bot.RetryDelay,
		BuyTimeout:   cfg.Deriv.RequestTimeout,
	}, strategy, client, store, bus)
	if last, err := store.LatestSession(); err == nil {
		controller.ResumeLevel(last)
	} else if !errors.Is(err, storage.ErrNotFound) {
		logger.Warn("Failed to load the last session: %v", err)
	}

	mgr := session.NewManager(session.Config{
		Symbols:      cfg.Deriv.Symbols,
		HistoryCount: cfg.Digits.HistoryCount,
		APIToken:     cfg.Deriv.APIToken,
	}, client, resolver, controller, agg, bus)
	client.OnConnect(mgr.OnConnect)

	srv := server.New(server.Config{
		ListenAddr:     cfg.Server.ListenAddr,
		Mode:           cfg.Server.Mode,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		HistoryDigits:  cfg.Server.HistoryDigits,
		PrimarySymbol:  cfg.Bot.Symbol,
		AppID:          cfg.Deriv.AppID,
		Language:       cfg.Deriv.Language,
	}, server.Deps{
		Digits:     agg,
		Bot:        controller,
		Strategies: strategies,
		Session:    mgr,
		Accounts:   resolver,
		Contracts:  store,
		Upstream:   client,
	})

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase, controller)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	bus.Subscribe(events.TypeTick, func(e events.Event) {
		if t, ok := e.Payload.(models.Tick); ok {
			agg.Ingest(t)
		}
	})
	bus.Subscribe(events.TypeContractUpdate, func(e events.Event) {
		if u, ok := e.Payload.(events.ContractUpdate); ok {
			controller.OnContractUpdate(u.Contract)
		}
	})
	bus.Subscribe(events.TypeBalanceUpdate, func(e events.Event) {
		if u, ok := e.Payload.(events.BalanceUpdate); ok {
			mgr.OnBalance(u)
		}
	})
	if telegramClient != nil {
		bus.SubscribeAll(telegramClient.NotifyAsync)
	}

	agg.OnUpdate(controller.OnTick)
	if cfg.Server.Enabled {
		srv.Attach(agg, bus)
	}

	var notifier scheduler.Notifier
	if telegramClient != nil {
		notifier = telegramClient
		telegramClient.ListenForCommands(ctx)
	}
	sched := scheduler.NewScheduler(store, notifier, agg)
	if err := sched.RegisterAll(cfg.Schedule.SummaryCron, cfg.Schedule.PruneCron); err != nil {
		logger.Fatal("Failed to register scheduled tasks: %v", err)
	}
	sched.Start()

	if cfg.Bot.StartOnBoot {
		if err := controller.Start(); err != nil {
			logger.Error("Failed to start bot on boot: %v", err)
		}
	}

	logger.Info("Starting digitbot (symbols: %v, strategy: %s, stake: %.2f, factor: %.2f)",
		cfg.Deriv.Symbols, strategy.Name(), cfg.Bot.InitialStake, cfg.Bot.MartingaleFactor)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(gctx)
	})
	if cfg.Server.Enabled {
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Service stopped with error: %v", err)
	}

	logger.Info("Shutdown signal received, cleaning up...")
	if controller.State() == models.BotRunning || controller.State() == models.BotPaused {
		if err := controller.Stop(bot.ReasonShutdown); err != nil {
			logger.Warn("Failed to stop bot: %v", err)
		}
	}
	waitWithTimeout(controller.Wait, 5*time.Second)
	client.Close()
	sched.Stop()
	agg.Flush()
	logger.Info("Service stopped")
}

// waitWithTimeout runs wait and gives up after d.
func waitWithTimeout(wait func(), d time.Duration) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		logger.Warn("Timed out waiting for in-flight buys")
	}
}
