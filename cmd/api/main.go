package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/eventcore/internal/api"
	"github.com/example/eventcore/internal/auth"
	"github.com/example/eventcore/internal/bootstrap"
	"github.com/example/eventcore/internal/config"
	"github.com/example/eventcore/internal/domain/order"
	"github.com/example/eventcore/internal/infrastructure/kafka"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/logger"
	"github.com/example/eventcore/internal/metrics"
	"github.com/example/eventcore/internal/query"
	"github.com/example/eventcore/internal/temporal"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

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

	if err := run(cfg, log); err != nil {
		log.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewPrometheus(reg)

	backends, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backends.Close()

	// The in-process manager is woken by every append; Kafka carries the
	// same events to standalone projectors.
	var publishers []store.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		defer producer.Close()
		publishers = append(publishers, producer)
		log.Info("publishing to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	var core *bootstrap.Core
	notify := store.PublisherFunc(func(context.Context, []store.Event) error {
		core.Projections.Notify()
		return nil
	})
	events := store.NewPublishingStore(backends.Events, log, rec, append(publishers, notify)...)

	core, err = bootstrap.NewCore(cfg, backends, events, log, rec)
	if err != nil {
		return err
	}
	defer core.Orders.Close()

	handlers := api.NewHandlers(ctx, api.Deps{
		Commands:    core.Commands,
		Queries:     query.NewHandler(backends.ReadStore, log),
		Projections: core.Projections,
		States: map[string]api.StreamStates{
			order.StreamType: api.TemporalStates(core.Orders, temporal.NewService(core.Orders, log)),
		},
		Logger: log,
	})

	routerCfg := api.RouterConfig{Handlers: handlers, Gatherer: reg, Logger: log}
	switch {
	case !cfg.AdminEnabled():
		log.Warn("admin API disabled: JWT_SECRET (32+ chars) and ADMIN_PASSWORD_HASH are required")
	default:
		if err := auth.ValidateHash(cfg.AdminPasswordHash); err != nil {
			log.Error("admin API disabled", zap.Error(err))
			break
		}
		jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.JWTExpiry)
		routerCfg.JWT = jwtService
		routerCfg.Auth = api.NewAuthHandlers(jwtService, cfg.AdminPasswordHash, log)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return core.Projections.Run(gctx)
	})
	g.Go(func() error {
		log.Info("server started", zap.String("addr", cfg.HTTPAddr), zap.String("backend", cfg.StoreBackend))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	handlers.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// hashPassword prints the bcrypt hash for ADMIN_PASSWORD_HASH. The password
// is read from stdin when not given as an argument.
func hashPassword(args []string) error {
	var password string
	if len(args) > 0 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
