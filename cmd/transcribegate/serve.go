package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/transcribegate/transcribegate/internal/api"
	"github.com/transcribegate/transcribegate/internal/broker"
	"github.com/transcribegate/transcribegate/internal/config"
	"github.com/transcribegate/transcribegate/internal/files"
	"github.com/transcribegate/transcribegate/internal/logging"
	"github.com/transcribegate/transcribegate/internal/queue"
	"github.com/transcribegate/transcribegate/internal/webhook"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and the transcription workers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides TRANSCRIBEGATE_LISTEN_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads the configuration and installs the default logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat))
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, blobs, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	checkEngine(cfg)
	engine := newEngine(cfg)

	hooks := webhook.NewNotifier(ctx)
	notifiers := []queue.Notifier{hooks}
	if cfg.AMQPURL != "" {
		pub, err := broker.Dial(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey)
		if err != nil {
			return err
		}
		defer pub.Close()
		notifiers = append(notifiers, pub)
		slog.Info("publishing completions", "exchange", cfg.AMQPExchange, "routing_key", cfg.AMQPRoutingKey)
	}

	q := queue.New(cfg, store, blobs, engine, notifiers...)
	if err := q.Recovery(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	// Workers outlive ctx so shutdown can wait for them to record their outcome.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	q.Start(workerCtx)
	q.StartReaper(ctx)

	mux := http.NewServeMux()
	api.NewHandler(files.NewService(store, blobs, q), q, cfg).RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging,
		api.Auth(cfg.APIKeys),
		api.RateLimit(ctx, cfg.RateLimitRPS),
	)

	// No read or write deadline: uploads can be large and event streams long-lived.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("transcribegate listening", "addr", cfg.ListenAddr, "engine", cfg.Engine,
			"documents", cfg.DocumentBackend, "blobs", cfg.BlobBackend, "concurrency", cfg.Concurrency)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		return nil
	})
	err = g.Wait()

	cancelWorkers()
	q.Wait()
	hooks.Wait()
	return err
}
