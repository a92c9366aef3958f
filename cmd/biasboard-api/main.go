package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quorumtrade/biasboard/backend/internal/auth"
	"github.com/quorumtrade/biasboard/backend/internal/bias"
	"github.com/quorumtrade/biasboard/backend/internal/config"
	"github.com/quorumtrade/biasboard/backend/internal/database"
	"github.com/quorumtrade/biasboard/backend/internal/feed"
	"github.com/quorumtrade/biasboard/backend/internal/logging"
	"github.com/quorumtrade/biasboard/backend/internal/rooms"
	"github.com/quorumtrade/biasboard/backend/internal/server"
	"github.com/quorumtrade/biasboard/backend/internal/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "biasboard-api",
		Short: "BiasBoard trading-room backend service",
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
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for cross-instance feed fan-out (empty disables)")
	cmd.PersistentFlags().Int("presence-stale-minutes", defaults.GetInt("presence.stale_minutes"), "Minutes before an idle member is marked offline")
	cmd.PersistentFlags().String("presence-sweep-spec", defaults.GetString("presence.sweep_spec"), "Cron spec for the presence sweep")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "presence.stale_minutes", "presence-stale-minutes")
	bindFlag(cmd, "presence.sweep_spec", "presence-sweep-spec")
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

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "biasboard-auth",
		Audience:      "biasboard-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	dispatcher := feed.NewDispatcher()

	// With a Redis address configured, room events fan out across API
	// instances; otherwise the in-process dispatcher is the whole feed.
	var publisher feed.Publisher = dispatcher
	bridgeCtx, stopBridge := context.WithCancel(ctx)
	defer stopBridge()
	if appConfig.RedisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		defer redisClient.Close()
		bridge := feed.NewRedisBridge(redisClient, dispatcher, logger)
		publisher = bridge
		go func() {
			if err := bridge.Run(bridgeCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("redis feed bridge stopped", zap.Error(err))
			}
		}()
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	roomsService, err := rooms.NewService(rooms.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: rooms.NewUUIDProvider(),
		Directory:  usersService,
		Events:     publisher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	biasService, err := bias.NewService(bias.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: bias.NewUUIDProvider(),
		Events:     publisher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	janitor := rooms.NewJanitor(rooms.JanitorConfig{
		Database:   db,
		Clock:      time.Now,
		Events:     publisher,
		Logger:     logger,
		StaleAfter: appConfig.PresenceStaleAfter,
	})
	if err := janitor.Start(appConfig.PresenceSweepSpec); err != nil {
		return err
	}
	defer janitor.Stop()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Rooms:        roomsService,
		Biases:       biasService,
		Users:        usersService,
		Feed:         dispatcher,
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
