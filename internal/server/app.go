// Package server initializes and runs the main application server. It opens
// the database, applies migrations, builds the auth service with its
// collaborators, and runs the HTTP endpoint until shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dezztech/incentives/internal/logging"
	"github.com/dezztech/incentives/internal/server/config"
	"github.com/dezztech/incentives/internal/server/httpapi"
	"github.com/dezztech/incentives/internal/server/password"
	"github.com/dezztech/incentives/internal/server/ratelimit"
	"github.com/dezztech/incentives/internal/server/repositories/repomanager"
	"github.com/dezztech/incentives/internal/server/services"
	"github.com/dezztech/incentives/internal/server/token"
	"github.com/sethvargo/go-retry"
)

const (
	shutdownTimeout = 10 * time.Second
	janitorInterval = time.Minute
)

type App struct {
	config      *config.Config
	logger      logging.Logger
	db          *sql.DB
	limiter     *ratelimit.FixedWindow
	authService *services.AuthService
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	// the database may still be coming up alongside us
	backoff := retry.WithMaxRetries(5, retry.NewExponential(500*time.Millisecond))
	if err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		return retry.RetryableError(db.PingContext(ctx))
	}); err != nil {
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	m := repomanager.NewPostgresRepositoryManager()
	if err := m.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	hasher := password.NewHasher(cfg.BcryptCost)
	codec := token.NewCodec([]byte(cfg.SecretKey), cfg.AccessTokenTTL, cfg.RefreshTokenTTL, cfg.TokenLeeway)
	limiter := ratelimit.NewFixedWindow(cfg.LoginRateBudget, cfg.LoginRateWindow)

	authService := services.NewAuthService(db, m, hasher, codec, limiter, logger, cfg)

	return &App{
		config:      cfg,
		logger:      logger,
		db:          db,
		limiter:     limiter,
		authService: authService,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {

	handler := httpapi.NewHandler(app.authService, app.logger)

	srv := &http.Server{
		Addr:         app.config.Addr,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error(shutdownCtx, "http shutdown error", "error", err.Error())
		}
	}()

	app.logger.Info(ctx, "http server listening", "addr", app.config.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		app.logger.Error(ctx, "http server error", "error", err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting app...")

	app.initSignalHandler(cancelFunc)
	app.limiter.StartJanitor(ctx, janitorInterval)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err.Error())
	}
}
