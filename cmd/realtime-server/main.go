package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/medcab/realtime/internal/config"
	"github.com/medcab/realtime/internal/domain/queue"
	"github.com/medcab/realtime/internal/domain/realtime"
	"github.com/medcab/realtime/internal/platform/auth"
	"github.com/medcab/realtime/internal/platform/changefeed"
	"github.com/medcab/realtime/internal/platform/db"
	"github.com/medcab/realtime/internal/platform/middleware"
	"github.com/medcab/realtime/internal/platform/notification"
	"github.com/medcab/realtime/internal/platform/websocket"
	"github.com/medcab/realtime/migrations"
)

var version = "dev"

const appName = "realtime-server"

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Realtime notification and waiting-room server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd, statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, appName, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func printStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", appName).Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer(ctx context.Context) error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// Logger
	logger := newLogger(cfg)

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, appName, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if cfg.IsDev() {
		applied, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info().Int("applied", applied).Msg("migrations up to date")
	}

	wall := clock.WallClock

	// Change feed
	router := changefeed.NewRouter(logger, 64)
	defer router.Close()
	listener := changefeed.NewListener(pool, cfg.FeedChannel, router, logger, wall)

	// Notification delivery
	outbox := notification.NewOutbox(notification.OutboxOptions{
		Workers:    cfg.OutboxWorkers,
		QueueSize:  cfg.OutboxQueueSize,
		RatePerSec: cfg.OutboxRatePerSec,
		RetryMax:   cfg.OutboxRetryMax,
	}, wall, logger)

	directory := realtime.NewDirectory(pool)
	repo := queue.NewRepo(pool)
	hub := websocket.NewHub()

	notifyOpts := notification.DefaultOptions()
	notifyOpts.Window = cfg.ThrottleWindow
	notifyOpts.DismissAfter = cfg.DesktopDismissAfter

	deps := &sessionDeps{
		hub: hub,
		multiplexer: realtime.NewMultiplexer(router, directory, wall, realtime.Options{
			Location: loc,
			LongWait: cfg.LongWaitThreshold,
		}, logger),
		repo:   repo,
		outbox: outbox,
		clock:  wall,
		notify: notifyOpts,
		logger: logger,
	}

	verifier, err := auth.NewVerifier(auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Secret:   []byte(cfg.AuthJWTSecret),
	})
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}

	e := newServer(cfg, logger)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(db.NewProbe(pool), listener))

	apiV1 := e.Group("/api/v1", auth.JWTMiddleware(verifier), middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	wsHandler := websocket.NewHandler(hub, directory, deps.newSession, cfg.CORSOrigins, logger)
	wsHandler.PromptTimeout = cfg.PermissionPromptTimeout
	wsHandler.RegisterRoutes(apiV1)

	queueHandler := queue.NewHandler(repo, hubPublisher{hub: hub}, logger)
	queueHandler.RegisterRoutes(apiV1.Group("/queue", db.StructureMiddleware(directory, auth.UserIDFromContext)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return outbox.Run(gctx) })
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting realtime server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server...")
		hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info().Msg("server stopped")
	return err
}

// newServer builds the echo instance with the global middleware chain.
func newServer(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit("64K"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Structure-ID"},
	}))
	return e
}
