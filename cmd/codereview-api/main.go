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

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/config"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/database"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/projectcache"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/reviewsession"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/server"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/upstream"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "codereview-api",
		Short: "Code review backend for qualitative research projects",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newClustersCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("upstream-url", defaults.GetString("upstream.base_url"), "Research backend base URL")
	cmd.PersistentFlags().Duration("upstream-timeout", defaults.GetDuration("upstream.timeout"), "Research backend request timeout")
	cmd.PersistentFlags().Duration("submit-timeout", defaults.GetDuration("upstream.submit_timeout"), "Bulk submission timeout")
	cmd.PersistentFlags().Int("fetch-concurrency", defaults.GetInt("fetch.max_concurrency"), "Maximum concurrent document fetches")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("cache-backend", defaults.GetString("cache.backend"), "Project cache backend (memory, redis)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("cache.redis_url"), "Redis URL for the project cache")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "upstream.base_url", "upstream-url")
	bindFlag(cmd, "upstream.timeout", "upstream-timeout")
	bindFlag(cmd, "upstream.submit_timeout", "submit-timeout")
	bindFlag(cmd, "fetch.max_concurrency", "fetch-concurrency")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "cache.backend", "cache-backend")
	bindFlag(cmd, "cache.redis_url", "redis-url")
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

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ledger.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	client, err := upstream.NewClient(upstream.ClientConfig{
		BaseURL:       appConfig.UpstreamBaseURL,
		Timeout:       appConfig.UpstreamTimeout,
		SubmitTimeout: appConfig.UpstreamSubmitTimeout,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	store, closeStore, err := openCacheStore(ctx, appConfig)
	if err != nil {
		return err
	}
	defer closeStore()

	cache, err := projectcache.New(projectcache.Config{
		Store:         store,
		Freshness:     appConfig.CacheFreshness,
		Eviction:      appConfig.CacheEviction,
		SweepInterval: appConfig.CacheSweepInterval,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	manager, err := reviewsession.NewManager(reviewsession.ManagerConfig{
		Upstream:       client,
		Cache:          cache,
		Recorder:       ledgerService,
		Publisher:      dispatcher,
		FetchTimeout:   appConfig.UpstreamTimeout,
		SubmitTimeout:  appConfig.UpstreamSubmitTimeout,
		MaxConcurrency: appConfig.FetchMaxConcurrency,
		IdleTimeout:    appConfig.CacheEviction,
		SweepInterval:  appConfig.CacheSweepInterval,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:      validator,
		Sessions:       manager,
		History:        ledgerService,
		Realtime:       dispatcher,
		AllowedOrigins: appConfig.CORSAllowedOrigins,
		Logger:         logger,
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

	go cache.Run(signalCtx)
	go manager.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("upstream", appConfig.UpstreamBaseURL),
			zap.String("cache_backend", appConfig.CacheBackend))
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

func openCacheStore(ctx context.Context, appConfig config.AppConfig) (projectcache.Store, func(), error) {
	switch appConfig.CacheBackend {
	case config.CacheBackendRedis:
		store, err := projectcache.NewRedisStore(ctx, appConfig.CacheRedisURL, appConfig.CacheEviction)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis cache: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return projectcache.NewMemoryStore(), func() {}, nil
	}
}
