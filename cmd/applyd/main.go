// Package main wires together the auto-apply service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mpetrov/autoapply/internal/api"
	"github.com/mpetrov/autoapply/internal/apply"
	"github.com/mpetrov/autoapply/internal/browser"
	"github.com/mpetrov/autoapply/internal/clock/system"
	"github.com/mpetrov/autoapply/internal/config"
	"github.com/mpetrov/autoapply/internal/control"
	"github.com/mpetrov/autoapply/internal/events"
	"github.com/mpetrov/autoapply/internal/events/sinks"
	"github.com/mpetrov/autoapply/internal/id/uuid"
	"github.com/mpetrov/autoapply/internal/logging"
	"github.com/mpetrov/autoapply/internal/ratelimit"
	"github.com/mpetrov/autoapply/internal/receipts"
	"github.com/mpetrov/autoapply/internal/registry"
	"github.com/mpetrov/autoapply/internal/scorer"
	"github.com/mpetrov/autoapply/internal/source"
	memorystore "github.com/mpetrov/autoapply/internal/store/memory"
	postgresstore "github.com/mpetrov/autoapply/internal/store/postgres"
	"github.com/mpetrov/autoapply/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatal("session store init failed", zap.Error(err))
	}
	defer closeStore()

	jobSource, err := buildSource(cfg)
	if err != nil {
		logger.Fatal("job source init failed", zap.Error(err))
	}

	browserSession, err := buildBrowser(cfg)
	if err != nil {
		logger.Fatal("browser init failed", zap.Error(err))
	}

	receiptStore, closeReceipts, err := buildReceipts(ctx, cfg)
	if err != nil {
		logger.Fatal("receipt store init failed", zap.Error(err))
	}
	defer closeReceipts()

	promRegistry := prometheus.NewRegistry()

	hub, closePubSub, err := buildHub(ctx, cfg, promRegistry, logger)
	if err != nil {
		logger.Fatal("event hub init failed", zap.Error(err))
	}
	defer closePubSub()

	limiter := ratelimit.New(ratelimit.Config{
		Default: ratelimit.BucketConfig{
			RPS:   float64(cfg.RateLimit.ScorePerMinute) / 60.0,
			Burst: cfg.RateLimit.ScoreBurst,
		},
		PerAction: map[ratelimit.Action]ratelimit.BucketConfig{
			ratelimit.ActionApply: {
				RPS:   float64(cfg.RateLimit.ApplyPerMinute) / 60.0,
				Burst: cfg.RateLimit.ApplyBurst,
			},
			ratelimit.ActionScore: {
				RPS:   float64(cfg.RateLimit.ScorePerMinute) / 60.0,
				Burst: cfg.RateLimit.ScoreBurst,
			},
		},
	})

	plane := control.New(ctx, control.Deps{
		Registry: registry.New(),
		Store:    store,
		Source:   jobSource,
		Scorer:   scorer.NewKeyword(),
		Browser:  browserSession,
		Limiter:  limiter,
		Receipts: receiptStore,
		Emitter:  hub,
		Clock:    system.New(),
		IDGen:    uuid.NewGenerator(),
		Logger:   logger.Named("control"),
	}, control.Config{
		SingleActivePerCriteria: cfg.Engine.SingleActivePerCriteria,
		Worker: worker.Config{
			PausePollInterval: cfg.PausePoll(),
			BackoffCap:        cfg.BackoffCap(),
			ReceiptPrefix:     cfg.Receipts.Prefix,
		},
	})

	if n, err := plane.ReconcileOrphans(ctx); err != nil {
		logger.Error("orphan reconciliation failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("orphaned sessions reconciled", zap.Int("count", n))
	}

	apiServer := api.NewServer(plane, cfg, logger.Named("api"), promRegistry)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("event hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildStore(ctx context.Context, cfg config.Config) (apply.SessionStore, func(), error) {
	if cfg.DB.DSN == "" {
		return memorystore.New(), func() {}, nil
	}
	pg, err := postgresstore.New(ctx, postgresstore.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxConns),
		MinConns: int32(cfg.DB.MinConns),
	})
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func buildSource(cfg config.Config) (apply.JobSource, error) {
	switch cfg.Source.Kind {
	case "board":
		return source.NewBoard(source.BoardConfig{
			BaseURL:   cfg.Source.BaseURL,
			UserAgent: cfg.Source.UserAgent,
			MaxPages:  cfg.Source.MaxPages,
		})
	case "static", "":
		return source.NewStatic(nil), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
}

func buildBrowser(cfg config.Config) (apply.BrowserSession, error) {
	if !cfg.Browser.Enabled {
		return browser.NewNoop(), nil
	}
	return browser.NewChromedp(browser.Config{
		MaxParallel:       cfg.Browser.MaxParallel,
		UserAgent:         cfg.Browser.UserAgent,
		NavigationTimeout: time.Duration(cfg.Browser.NavTimeoutSec) * time.Second,
	})
}

func buildReceipts(ctx context.Context, cfg config.Config) (apply.ReceiptStore, func(), error) {
	switch cfg.Receipts.Kind {
	case "memory", "":
		return receipts.NewMemory(), func() {}, nil
	case "local":
		local, err := receipts.NewLocal(receipts.LocalConfig{BaseDir: cfg.Receipts.BaseDir})
		if err != nil {
			return nil, nil, err
		}
		return local, func() {}, nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("storage client: %w", err)
		}
		gcs, err := receipts.NewGCS(client, receipts.GCSConfig{Bucket: cfg.Receipts.GCSBucket})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return gcs, func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown receipts kind %q", cfg.Receipts.Kind)
	}
}

func buildHub(ctx context.Context, cfg config.Config, reg prometheus.Registerer, logger *zap.Logger) (*events.Hub, func(), error) {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, nil, err
	}
	hubSinks := []events.Sink{
		sinks.NewLogSink(logger.Named("events")),
		promSink,
	}

	closePubSub := func() {}
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.PubSub.TopicName)
		pubsubSink, err := sinks.NewPubSubSink(topic)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		hubSinks = append(hubSinks, pubsubSink)
		closePubSub = func() {
			topic.Stop()
			client.Close()
		}
	}

	hub := events.NewHub(events.Config{Logger: logger.Named("hub")}, hubSinks...)
	return hub, closePubSub, nil
}
