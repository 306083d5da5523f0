package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HarborlightLabs/taskgate/backend/internal/auth"
	"github.com/HarborlightLabs/taskgate/backend/internal/completions"
	"github.com/HarborlightLabs/taskgate/backend/internal/config"
	"github.com/HarborlightLabs/taskgate/backend/internal/database"
	"github.com/HarborlightLabs/taskgate/backend/internal/limits"
	"github.com/HarborlightLabs/taskgate/backend/internal/logging"
	"github.com/HarborlightLabs/taskgate/backend/internal/server"
	"github.com/HarborlightLabs/taskgate/backend/internal/tasks"
	"github.com/HarborlightLabs/taskgate/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "taskgate-api",
		Short: "TaskGate rewarded-task throttling service",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Remote task API base URL")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int64("cooldown-ms", defaults.GetInt64("limits.cooldown_ms"), "Cooldown after a completion in milliseconds")
	cmd.PersistentFlags().Int64("sync-interval-ms", defaults.GetInt64("limits.sync_interval_ms"), "Stats refresh interval in milliseconds")
	cmd.PersistentFlags().Int64("retention-ms", defaults.GetInt64("limits.retention_ms"), "Completion log retention in milliseconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "limits.cooldown_ms", "cooldown-ms")
	bindFlag(cmd, "limits.sync_interval_ms", "sync-interval-ms")
	bindFlag(cmd, "limits.retention_ms", "retention-ms")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	completionLog, err := completions.NewLog(completions.LogConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: completions.NewUUIDProvider(),
		Retention:  appConfig.LogRetention,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	statsCache := limits.NewCache(limits.CacheConfig{
		Log:       completionLog,
		Clock:     time.Now,
		Staleness: appConfig.SyncInterval,
		Logger:    logger,
	})

	tracker := limits.NewTracker(limits.TrackerConfig{
		Cache:        statsCache,
		Clock:        time.Now,
		SyncInterval: appConfig.SyncInterval,
		Logger:       logger,
	})

	recorder, err := completions.NewRecorder(completions.RecorderConfig{
		Log:         completionLog,
		Invalidator: tracker,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	taskClient, err := tasks.NewClient(tasks.ClientConfig{
		BaseURL: appConfig.RemoteBaseURL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "taskgate-auth",
		Audience:      "taskgate-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	identityService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TaskAPI:      taskClient,
		TokenManager: tokenManager,
		Users:        identityService,
		Tracker:      tracker,
		Recorder:     recorder,
		Cooldown:     appConfig.CooldownDuration,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runCacheSweep(signalCtx, statsCache, appConfig.CacheSweepMaxAge)

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runCacheSweep(ctx context.Context, cache *limits.Cache, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(maxAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cache.SweepStale(maxAge)
		}
	}
}
