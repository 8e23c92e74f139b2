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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/eventcore/internal/bootstrap"
	"github.com/example/eventcore/internal/config"
	"github.com/example/eventcore/internal/infrastructure/kafka"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/logger"
	"github.com/example/eventcore/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.With(zap.String("service", "projector"))

	if err := run(cfg, log); err != nil {
		log.Fatal("projector exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheus(reg)

	backends, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backends.Close()

	core, err := bootstrap.NewCore(cfg, backends, backends.Events, log, rec)
	if err != nil {
		return err
	}
	defer core.Orders.Close()
	manager := core.Projections

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Run(gctx)
	})

	// Kafka only shortens the wait; the poll interval covers a broker outage.
	if len(cfg.KafkaBrokers) > 0 {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, log)
		defer consumer.Close()
		g.Go(func() error {
			log.Info("consuming wake-ups", zap.String("topic", cfg.KafkaTopic), zap.String("group", cfg.KafkaGroupID))
			return consumer.Consume(gctx, func(_ context.Context, e store.Event) error {
				manager.Notify()
				return nil
			})
		})
	} else {
		log.Info("no kafka brokers configured, polling only", zap.Duration("interval", cfg.ProjectionPollInterval))
	}

	g.Go(func() error {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Info("projector started", zap.String("backend", cfg.StoreBackend), zap.String("metrics_addr", cfg.HTTPAddr))
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
