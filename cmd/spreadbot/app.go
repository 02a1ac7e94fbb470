package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/eddiefleurent/spread_mirror/internal/broker"
	"github.com/eddiefleurent/spread_mirror/internal/config"
	"github.com/eddiefleurent/spread_mirror/internal/dispatch"
	"github.com/eddiefleurent/spread_mirror/internal/logging"
	"github.com/eddiefleurent/spread_mirror/internal/metrics"
	"github.com/eddiefleurent/spread_mirror/internal/models"
	"github.com/eddiefleurent/spread_mirror/internal/orders"
	"github.com/eddiefleurent/spread_mirror/internal/reconcile"
	"github.com/eddiefleurent/spread_mirror/internal/retry"
	"github.com/eddiefleurent/spread_mirror/internal/storage"
	"github.com/eddiefleurent/spread_mirror/internal/trading"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// App holds the wired process dependencies.
type App struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Trader  *trading.Trader
	Journal *storage.Journal // nil when the journal is disabled

	closers []io.Closer
}

// appOptions are the command-line overrides applied on top of the file.
type appOptions struct {
	ConfigPath string
	Debug      bool
	LogConsole io.Writer
}

func newApp(ctx context.Context, opts appOptions) (app *App, err error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Environment.LogLevel
	if opts.Debug {
		level = "debug"
	}
	logger, logCloser, err := logging.New(logging.Config{
		Level:      level,
		JSON:       cfg.Logging.JSON,
		FilePath:   cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		Console:    opts.LogConsole,
	})
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	app = &App{Config: cfg, Logger: logger, closers: []io.Closer{logCloser}}
	defer func() {
		if err != nil {
			_ = app.Close()
			app = nil
		}
	}()

	if cfg.IsPaperTrading() {
		logger.Info("Paper trading mode: orders fill in memory")
	} else {
		logger.Warn("LIVE trading mode: orders go to the broker")
	}

	resolver, err := loadResolver(ctx, cfg)
	if err != nil {
		return nil, err
	}

	exits, err := newExitStore(cfg.Storage.ExitCommandFile)
	if err != nil {
		return nil, err
	}

	retrier := retry.NewClient(logger, retry.Config{Interval: cfg.GetRetryInterval()}).
		WithObserver(metrics.RetryObserver{})

	dispatcher := dispatch.NewDispatcher(logger, dispatch.Config{BatchSize: cfg.GetBatchSize()})
	if cfg.Storage.JournalPath != "" {
		journal, err := storage.OpenJournal(storage.JournalConfig{Path: cfg.Storage.JournalPath})
		if err != nil {
			return nil, err
		}
		app.Journal = journal
		app.closers = append(app.closers, journal)
		dispatcher = dispatcher.WithRecorder(journal)
	}

	accounts := make([]trading.Account, 0, len(cfg.Accounts))
	for _, ac := range cfg.Accounts {
		acct := models.Account{ID: ac.ID, Name: ac.Name, Primary: ac.ID == cfg.Primary}
		accounts = append(accounts, trading.NewAccount(acct, newSession(cfg, ac, logger), retrier, logger,
			orders.Config{PollInterval: cfg.GetPollInterval()}))
	}

	app.Trader, err = trading.New(trading.Deps{
		Accounts:   accounts,
		Resolver:   resolver,
		Indices:    cfg.Indices,
		ExitStore:  exits,
		Dispatcher: dispatcher,
		Reconciler: reconcile.New(retrier, logger),
		Retrier:    retrier,
		Logger:     logger,
	}, trading.Config{AutoExitPollInterval: cfg.GetAutoExitPollInterval()})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// Close releases the journal and the log file.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i].Close())
	}
	return err
}

func newExitStore(path string) (storage.ExitCommandStore, error) {
	if path == "" {
		return storage.NewMemoryExitStore(), nil
	}
	return storage.NewExitCommandStore(path)
}

// newSession builds one account's broker session. Every session is held to
// the per-session request budget; live sessions also sit behind a circuit
// breaker when enabled.
func newSession(cfg *config.Config, ac config.AccountConfig, logger logrus.FieldLogger) broker.Session {
	log := logger.WithField("account", models.MaskAccountID(ac.ID))
	limits := broker.RateLimits{
		RequestsPerSecond: cfg.Broker.RateLimit.RequestsPerSecond,
		Burst:             cfg.Broker.RateLimit.Burst,
	}

	if cfg.IsPaperTrading() {
		lots := make(map[string]int, len(cfg.Indices))
		for name, idx := range cfg.Indices {
			lots[name] = idx.QuantityPerLot
		}
		return broker.NewRateLimitedSession(broker.NewPaperSession(broker.PaperConfig{
			InitialCash:   cfg.Broker.Paper.InitialCash,
			MarginPerUnit: cfg.Broker.Paper.MarginPerUnit,
			LotSizes:      lots,
			RejectSymbols: cfg.Broker.Paper.RejectSymbols,
		}), limits)
	}

	var session broker.Session = broker.NewSmartAPI(broker.Credentials{
		APIKey:         ac.APIKey,
		JWTToken:       ac.JWTToken,
		ClientLocalIP:  cfg.Broker.ClientLocalIP,
		ClientPublicIP: cfg.Broker.ClientPublicIP,
		MACAddress:     cfg.Broker.MACAddress,
	}, cfg.Broker.BaseURL, &http.Client{Timeout: cfg.GetBrokerTimeout()}, log)

	if cb := cfg.Broker.CircuitBreaker; cb.Enabled {
		settings := broker.DefaultCircuitBreakerSettings
		if cb.MaxRequests > 0 {
			settings.MaxRequests = cb.MaxRequests
		}
		if cb.MinRequests > 0 {
			settings.MinRequests = cb.MinRequests
		}
		if cb.FailureRatio > 0 {
			settings.FailureRatio = cb.FailureRatio
		}
		settings.Interval = cb.GetInterval(settings.Interval)
		settings.Timeout = cb.GetTimeout(settings.Timeout)
		session = broker.NewCircuitBreakerSession(models.MaskAccountID(ac.ID), session, log, settings)
	}
	return broker.NewRateLimitedSession(session, limits)
}

// loadResolver reads the scrip master from a file or URL. Paper mode without
// a scrip master uses the trading symbol as its own token.
func loadResolver(ctx context.Context, cfg *config.Config) (broker.SymbolResolver, error) {
	src := cfg.Broker.ScripMaster
	switch {
	case src == "" && cfg.IsPaperTrading():
		return symbolTokens{}, nil
	case src == "" || strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://"):
		return broker.FetchScripMaster(ctx, &http.Client{Timeout: 2 * cfg.GetBrokerTimeout()}, src)
	default:
		return broker.LoadScripMasterFile(src)
	}
}

type symbolTokens struct{}

func (symbolTokens) Token(symbol string) (string, error) { return symbol, nil }
