package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"replmux/internal/auth"
	"replmux/internal/config"
	"replmux/internal/engine"
	"replmux/internal/logutil"
	"replmux/internal/metrics"
	"replmux/internal/realtime"
	"replmux/internal/session"
)

const shutdownTimeout = 5 * time.Second

func main() {
	rootCmd := newRootCmd()
	rootCmd.AddCommand(newHashPasswordCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "replmux-server:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewServerViper()
	var configPath string

	cmd := &cobra.Command{
		Use:          "replmux-server",
		Short:        "Serve scripting sessions over WebSocket",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(v, configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a yaml or json config file")
	flags.String("listen", "", "address to listen on")
	flags.String("users-file", "", "credentials file of user:bcrypt-hash lines; empty disables auth")
	flags.Int("max-sessions", 0, "maximum live sessions; 0 means unlimited")
	flags.Int("workers", 0, "size of the command worker pool")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-file", "", "write logs to this rotating file instead of stderr")
	err := config.BindFlags(v, flags, map[string]string{
		"listen":            "listen",
		"users_file":        "users-file",
		"max_sessions":      "max-sessions",
		"workers":           "workers",
		"log.level":         "log-level",
		"log.file.filename": "log-file",
	})
	if err != nil {
		panic(err)
	}
	return cmd
}

func serve(cfg config.Server) error {
	logger, err := logutil.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	pool, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(true))
	if err != nil {
		return errors.Wrap(err, "create worker pool")
	}
	defer pool.Release()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	sessMgr := session.NewManager(engine.NewJS(),
		session.WithExecutor(pool),
		session.WithMaxSessions(cfg.MaxSessions),
		session.WithTranscriptSize(cfg.TranscriptSize),
		session.WithLogger(logger.Named("session")),
	)

	rtOpts := []realtime.Option{
		realtime.WithLogger(logger.Named("realtime")),
		realtime.WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})),
	}
	if cfg.UsersFile != "" {
		store, err := auth.Load(cfg.UsersFile, auth.WithLogger(logger.Named("auth")))
		if err != nil {
			return err
		}
		if err := store.Watch(); err != nil {
			logger.Warn("credentials hot reload disabled", zap.Error(err))
		}
		defer store.Close()
		rtOpts = append(rtOpts, realtime.WithAuthenticator(store))
		logger.Info("authentication enabled", zap.Strings("users", store.Users()))
	} else {
		logger.Warn("no users file configured, accepting unauthenticated connections")
	}
	rtServer := realtime.New(sessMgr, rtOpts...)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("replmux server listening",
			zap.String("addr", cfg.Listen),
			zap.Int("workers", cfg.Workers),
			zap.Int("maxSessions", cfg.MaxSessions))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.Wrap(err, "http server")
			return
		}
		errCh <- nil
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.Stringer("signal", sig))
	case err := <-errCh:
		return err
	}

	rtServer.Close()
	if err := sessMgr.Close(); err != nil {
		logger.Warn("close session registry", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "shutdown http server")
	}
	return <-errCh
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <user> <password>",
		Short: "Print a users-file line for the given credentials",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", args[0], hash)
			return nil
		},
	}
}
