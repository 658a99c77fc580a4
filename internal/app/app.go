// Package app assembles the lending service from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/libranexus/lending/internal/api"
	"github.com/libranexus/lending/internal/catalog"
	"github.com/libranexus/lending/internal/circulation"
	"github.com/libranexus/lending/internal/clock"
	"github.com/libranexus/lending/internal/config"
	"github.com/libranexus/lending/internal/membership"
	"github.com/libranexus/lending/internal/notify"
	"github.com/libranexus/lending/internal/store/memstore"
	"github.com/libranexus/lending/internal/store/pgstore"
	"github.com/libranexus/lending/internal/sweeper"
)

// Store is what every service needs from persistence.
type Store interface {
	circulation.Store
	catalog.Repository
	membership.Repository
}

// App represents the application
type App struct {
	config     *config.Config
	logger     *zap.Logger
	store      Store
	closeStore func() error
	dispatcher *notify.Dispatcher
	sweeper    *sweeper.Sweeper
	server     *http.Server

	Catalog     catalog.Service
	Membership  membership.Service
	Circulation circulation.Service
}

// New wires the services. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *zap.Logger) (*App, error) {
	a := &App{config: cfg, logger: logger}

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	sink, err := a.sink()
	if err != nil {
		return nil, err
	}
	a.dispatcher = notify.NewDispatcher(sink, notify.DispatcherOptions{
		QueueSize:     cfg.NotifyQueueSize,
		RatePerSecond: cfg.NotifyRatePerSecond,
	}, logger.Named("notify"))

	ledger := catalog.NewLedger(clk, logger.Named("catalog"))
	queue := circulation.NewReservationQueue(circulation.Options{
		Store:    a.store,
		Ledger:   ledger,
		Clock:    clk,
		Policy:   cfg.Policy,
		Notifier: a.dispatcher,
		Logger:   logger.Named("circulation"),
	})
	a.Catalog = catalog.NewService(a.store, ledger, clk, logger.Named("catalog"))
	a.Membership = membership.NewService(a.store, clk, logger.Named("membership"))
	a.Circulation = circulation.NewService(circulation.NewLoanRegister(queue), queue, logger.Named("circulation"))
	a.sweeper = sweeper.New(a.Circulation, clk, cfg.SweepInterval, logger.Named("sweeper"))

	a.server = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.config.DatabaseURL == "" {
		a.logger.Info("using in-memory store")
		a.store = memstore.New()
		a.closeStore = func() error { return nil }
		return nil
	}
	store, err := pgstore.Open(ctx, a.config.DatabaseURL, a.logger.Named("pgstore"))
	if err != nil {
		return err
	}
	a.store = store
	a.closeStore = store.Close
	return nil
}

// sink fans notifications out to the log plus every configured channel.
func (a *App) sink() (notify.Sink, error) {
	sinks := notify.MultiSink{notify.NewLogSink(a.logger.Named("notify"))}
	if a.config.NotifyWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(a.config.NotifyWebhookURL, &http.Client{Timeout: 5 * time.Second}))
	}
	if a.config.TelegramBotToken != "" {
		tg, err := notify.NewTelegramSink(a.config.TelegramBotToken, membership.ChatDirectory{Repo: a.store})
		if err != nil {
			return nil, fmt.Errorf("failed to create telegram sink: %w", err)
		}
		sinks = append(sinks, tg)
	}
	return sinks, nil
}

// Handler is the HTTP surface of every service.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	catalog.NewHandler(a.Catalog).Routes(r)
	membership.NewHandler(a.Membership).Routes(r)
	circulation.NewHandler(a.Circulation).Routes(r)
	return r
}

// Run serves HTTP and sweeps until ctx is cancelled, then shuts down.
func (a *App) Run(ctx context.Context) error {
	a.sweeper.Start(ctx)

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("starting http server", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	a.logger.Info("shutting down")
	if err := a.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops intake first, then lets queued work finish.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.ShutdownGracePeriod)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	a.sweeper.Stop()
	if err := a.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("notification drain: %w", err))
	}
	if err := a.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if len(errs) == 0 {
		a.logger.Info("shutdown complete")
	}
	return errors.Join(errs...)
}
