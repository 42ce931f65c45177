// Command gatekeepd runs the credential and session authority.
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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/voidwire/gatekeep/internal/auth"
	"github.com/voidwire/gatekeep/internal/authz"
	"github.com/voidwire/gatekeep/internal/ban"
	"github.com/voidwire/gatekeep/internal/config"
	"github.com/voidwire/gatekeep/internal/httpapi"
	"github.com/voidwire/gatekeep/internal/logging"
	"github.com/voidwire/gatekeep/internal/metrics"
	"github.com/voidwire/gatekeep/internal/password"
	"github.com/voidwire/gatekeep/internal/store"
	"github.com/voidwire/gatekeep/internal/throttle"
	"github.com/voidwire/gatekeep/internal/token"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "gatekeepd",
		Short:         "Credential and session authority",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serverCommand(), versionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gatekeepd:", err)
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func serverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the HTTP server",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	}).With().Str("service", "gatekeepd").Logger()

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	st, err := store.Connect(bootCtx, cfg.MongoURI, cfg.MongoDB, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.Close(shutdownCtx)
	}()

	if err := st.EnsureIndexes(bootCtx); err != nil {
		return err
	}
	if err := st.EnsureDefaultRoles(bootCtx); err != nil {
		return err
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURI)
	if err != nil {
		return &config.Error{Field: "GATEKEEP_REDIS_URI", Reason: err.Error()}
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(bootCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	tokens, err := token.NewService(rdb, token.Config{
		Secret:     []byte(cfg.JWTSecret),
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	})
	if err != nil {
		return err
	}

	hasher, err := password.NewHasher(password.DefaultConfig())
	if err != nil {
		return err
	}

	bans := ban.NewEngine(rdb, st, log)
	thr := throttle.New(rdb, throttle.Config{
		Threshold: cfg.LockoutThreshold,
		Window:    cfg.LockoutWindow,
	})
	authzCache := authz.New(rdb, st)
	authSvc := auth.NewService(st, tokens, bans, thr, hasher, log)

	go bans.RunSweeper(ctx, cfg.BanSweepInterval)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewServer(authSvc, tokens, bans, authzCache, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("version", version).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return server.Shutdown(shutdownCtx)
}
