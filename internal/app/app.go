package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"bidledger/internal/bidding"
	"bidledger/internal/config"
	"bidledger/internal/events"
	"bidledger/internal/httpapi"
	"bidledger/internal/lifecycle"
	"bidledger/internal/metrics"
	"bidledger/internal/notify"
	"bidledger/internal/scheduler"
	"bidledger/internal/settlement"
	"bidledger/internal/storage"
	"bidledger/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// services is everything one command needs on top of the ledger.
type services struct {
	ledger     storage.Ledger
	metrics    *metrics.Metrics
	publisher  events.Publisher
	dispatcher *notify.Dispatcher
	bids       *bidding.Service
	auctions   *lifecycle.Manager
	settlement *settlement.Service
}

// close waits for background notifications, then releases the publisher and the ledger.
func (s *services) close() {
	s.dispatcher.Wait()
	_ = s.publisher.Close()
	s.ledger.Close()
}

func (a *App) openLedger(ctx context.Context) (storage.Ledger, error) {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory ledger, state is lost on exit")
		return storage.NewMemory(), nil
	}

	pgPool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	store := storage.NewStore(pgPool, a.Config.Database.MaxRetries)
	if a.Config.Database.MigrateOnStart {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		a.Logger.Info().Msg("schema migrated")
	}
	return store, nil
}

func (a *App) newMailer() notify.Mailer {
	if a.Config.Mailer.Enabled {
		return notify.NewHTTPMailer(a.Config.Mailer, a.Logger)
	}
	return notify.NewLogMailer(a.Logger)
}

func (a *App) openServices(ctx context.Context, m *metrics.Metrics) (*services, error) {
	ledger, err := a.openLedger(ctx)
	if err != nil {
		return nil, err
	}

	publisher, err := events.Open(ctx, a.Config.Events)
	if err != nil {
		a.Logger.Warn().Err(err).Str("driver", a.Config.Events.Driver).Msg("event publisher unavailable; live events disabled")
		publisher = events.Nop{}
	}

	dispatcher := notify.NewDispatcher(ledger, a.newMailer(), notify.Options{
		SiteURL:      a.Config.Mailer.SiteURL,
		RetryBackoff: a.Config.Notify.RetryBackoff,
		MaxAttempts:  a.Config.Notify.MaxAttempts,
		Workers:      a.Config.Notify.Workers,
	}, m, a.Logger)

	return &services{
		ledger:     ledger,
		metrics:    m,
		publisher:  publisher,
		dispatcher: dispatcher,
		bids: bidding.NewService(ledger, dispatcher, a.Logger,
			bidding.WithPublisher(publisher), bidding.WithMetrics(m)),
		auctions: lifecycle.NewManager(ledger, dispatcher, a.Logger,
			lifecycle.WithPublisher(publisher), lifecycle.WithMetrics(m)),
		settlement: settlement.NewService(ledger, settlement.NewStripeProcessor(a.Config.Processor, a.Logger), a.Config.Settlement, a.Logger,
			settlement.WithPublisher(publisher), settlement.WithMetrics(m)),
	}, nil
}

func (a *App) newSweeper(svc *services, sched *scheduler.Scheduler) *lifecycle.Sweeper {
	return lifecycle.NewSweeper(svc.auctions, svc.ledger, a.Config.Scheduler.AdvisoryLockKey, sched, svc.metrics, a.Logger)
}

// Serve runs the HTTP API and the deadline sweeper until interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	svc, err := a.openServices(ctx, m)
	if err != nil {
		return err
	}
	defer svc.close()

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   true,
	}, a.Logger)
	if err != nil {
		return err
	}
	sweeper := a.newSweeper(svc, sched)

	if a.Config.HTTP.AdminToken == "" {
		a.Logger.Warn().Msg("http.admin_token not configured; admin routes are disabled")
	}
	handler := httpapi.NewHandler(httpapi.Deps{
		Bids:       svc.bids,
		Auctions:   svc.auctions,
		Settlement: svc.settlement,
		Webhook: settlement.WebhookVerifier{
			Secret:    a.Config.Processor.WebhookSecret,
			Tolerance: a.Config.Processor.WebhookTolerance,
		},
		Metrics:    m,
		AdminToken: a.Config.HTTP.AdminToken,
		Logger:     a.Logger,
	})
	srv := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           handler.Routes(),
		ReadTimeout:       a.Config.HTTP.ReadTimeout,
		ReadHeaderTimeout: a.Config.HTTP.ReadTimeout,
		WriteTimeout:      a.Config.HTTP.WriteTimeout,
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		err := sweeper.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	p.Go(func(ctx context.Context) error {
		return a.listen(ctx, srv)
	})

	a.Logger.Info().Str("addr", srv.Addr).Dur("sweep_interval", a.Config.Scheduler.Interval).Str("version", version.String()).Msg("starting auction service")
	if err := p.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("auction service stopped")
	return nil
}

func (a *App) listen(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	timeout := a.Config.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Sweep runs a single deadline sweep and waits for the winner emails it triggers.
func (a *App) Sweep(ctx context.Context) error {
	svc, err := a.openServices(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.close()

	return a.newSweeper(svc, nil).Sweep(ctx, time.Now().UTC())
}

// Migrate applies the embedded schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured; nothing to migrate")
	}
	pgPool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	store := storage.NewStore(pgPool, a.Config.Database.MaxRetries)
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Msg("schema migrated")
	return nil
}

// ExportOptions hold parameters for exporting auction results.
type ExportOptions struct {
	AuctionID string
	PNGPath   string
	CSVPath   string
	MaxItems  int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	AuctionID string
}
