package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/easel-labs/easel-backend/internal/cache"
	"github.com/easel-labs/easel-backend/internal/config"
	"github.com/easel-labs/easel-backend/internal/database"
	"github.com/easel-labs/easel-backend/internal/documents"
	"github.com/easel-labs/easel-backend/internal/logging"
	"github.com/easel-labs/easel-backend/internal/ratelimit"
	"github.com/easel-labs/easel-backend/internal/relay"
	"github.com/easel-labs/easel-backend/internal/sanitize"
	"github.com/easel-labs/easel-backend/internal/server"
	"github.com/easel-labs/easel-backend/internal/storefile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	cacheSweepInterval     = time.Minute
	rateLimitSweepInterval = 5 * time.Minute
	shutdownTimeout        = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "easel-api",
		Short: "Easel drawing persistence and collaboration backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite store file path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("cache-ttl-ms", defaults.GetInt("cache.ttl_ms"), "Listing cache TTL in milliseconds")
	cmd.PersistentFlags().Int("ratelimit-max", defaults.GetInt("ratelimit.max"), "Requests allowed per address per window")
	cmd.PersistentFlags().Int("ratelimit-window-minutes", defaults.GetInt("ratelimit.window_minutes"), "Rate limit window in minutes")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "Allowed CORS and websocket origins")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "cache.ttl_ms", "cache-ttl-ms")
	bindFlag(cmd, "ratelimit.max", "ratelimit-max")
	bindFlag(cmd, "ratelimit.window_minutes", "ratelimit-window-minutes")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	documentsService, err := documents.NewService(documents.ServiceConfig{
		Database:   store,
		Clock:      time.Now,
		IDProvider: documents.NewUUIDProvider(),
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	responseCache := cache.New(cache.Config{TTL: appConfig.CacheTTL, Logger: logger})
	responseCache.StartSweep(signalCtx, cacheSweepInterval)

	limiter := ratelimit.New(ratelimit.Config{
		Max:    appConfig.RateLimitMax,
		Window: appConfig.RateLimitWindow,
		Logger: logger,
	})
	limiter.StartSweep(signalCtx, rateLimitSweepInterval)

	importer := storefile.NewImporter(storefile.ImporterConfig{
		Store:  store,
		Cache:  responseCache,
		Logger: logger,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Documents:      documentsService,
		Gate:           sanitize.NewGate(logger),
		Cache:          responseCache,
		Limiter:        limiter,
		Relay:          relay.New(logger),
		Importer:       importer,
		StorePath:      appConfig.DatabasePath,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
