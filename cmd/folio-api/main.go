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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/archive"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/authors"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/config"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/database"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/review"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/server"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/versions"
)

const shutdownGrace = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "folio-api",
		Short: "Folio versioning backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an optional .env file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().Int("ancestry-max-depth", defaults.GetInt("ancestry.max_depth"), "Breadcrumb depth for review labels")
	cmd.PersistentFlags().Int("archive-queue-size", defaults.GetInt("archive.queue_size"), "Pending archive requests kept in memory")
	cmd.PersistentFlags().Int("archive-workers", defaults.GetInt("archive.workers"), "Concurrent archive workers")
	cmd.PersistentFlags().String("signing-secret", "", "Author token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "ancestry.max_depth", "ancestry-max-depth")
	bindFlag(cmd, "archive.queue_size", "archive-queue-size")
	bindFlag(cmd, "archive.workers", "archive-workers")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	dispatcher, err := archive.NewDispatcher(archive.DispatcherConfig{
		Backend:   archive.LogBackend{Logger: logger},
		QueueSize: appConfig.ArchiveQueueSize,
		Workers:   appConfig.ArchiveWorkers,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	handler, err := buildHandler(appConfig, db, dispatcher, logger)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(signalCtx, &http.Server{Addr: appConfig.HTTPAddress, Handler: handler}, logger)
}

// buildHandler assembles the version, review and author services behind the HTTP router.
func buildHandler(appConfig config.AppConfig, db *gorm.DB, archiver versions.ArchiveScheduler, logger *zap.Logger) (http.Handler, error) {
	events := server.NewBranchEventHub()

	versionService, err := versions.NewService(versions.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: versions.NewUUIDProvider(),
		Locker:     versions.NewLockerForDialect(db.Dialector.Name()),
		Archive:    archiver,
		Listener:   events,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("versions: %w", err)
	}

	reviewService, err := review.NewService(review.ServiceConfig{
		Versions:        versionService,
		BreadcrumbDepth: appConfig.AncestryMaxDepth,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("review: %w", err)
	}

	validator, err := auth.NewAuthorValidator(auth.AuthorValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	authorDirectory, err := authors.NewService(authors.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("authors: %w", err)
	}

	return server.NewHTTPHandler(server.Dependencies{
		Authenticator:    validator,
		Authors:          authorDirectory,
		Versions:         versionService,
		Reviews:          reviewService,
		Events:           events,
		AncestryMaxDepth: appConfig.AncestryMaxDepth,
		Logger:           logger,
	})
}

// serve runs httpServer until ctx ends, then drains connections for up to shutdownGrace.
func serve(ctx context.Context, httpServer *http.Server, logger *zap.Logger) error {
	listenErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}
	logger.Info("server stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
