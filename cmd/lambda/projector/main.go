package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/example/eventcore/internal/bootstrap"
	"github.com/example/eventcore/internal/config"
	"github.com/example/eventcore/internal/infrastructure/kinesis"
	"github.com/example/eventcore/internal/logger"
	"github.com/example/eventcore/internal/projection"
)

var (
	manager *projection.Manager
	log     *zap.Logger
)

func init() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err = logger.New(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log = log.With(zap.String("service", "lambda-projector"))

	backends, err := bootstrap.Open(context.Background(), cfg, log)
	if err != nil {
		log.Fatal("failed to open backends", zap.Error(err))
	}
	core, err := bootstrap.NewCore(cfg, backends, backends.Events, log, nil)
	if err != nil {
		log.Fatal("failed to wire projections", zap.Error(err))
	}
	manager = core.Projections

	log.Info("initialized", zap.String("backend", cfg.StoreBackend))
}

// handler treats the stream batch as a wake-up: projections read the event
// log from their own checkpoints, so records are only decoded for logging.
// A stalled projection is reported and does not fail the batch; retrying the
// batch would not unblock it.
func handler(ctx context.Context, kinesisEvent events.KinesisEvent) error {
	converted, errs := kinesis.BatchConvertFromKinesisEvent(kinesisEvent)
	for _, err := range errs {
		log.Warn("failed to convert record", zap.Error(err))
	}
	var maxPosition int64
	for _, e := range converted {
		maxPosition = max(maxPosition, e.Position)
	}
	log.Info("received records",
		zap.Int("records", len(kinesisEvent.Records)),
		zap.Int("events", len(converted)),
		zap.Int64("max_position", maxPosition))

	if err := manager.CatchUp(ctx); err != nil {
		if !projection.OnlyStalled(err) {
			return err
		}
		log.Error("projection stalled", zap.Error(err))
	}

	infos, serr := manager.States(ctx)
	if serr != nil {
		return serr
	}
	for _, info := range infos {
		log.Info("projection state",
			zap.String("projection", info.Name),
			zap.String("status", string(info.Status)),
			zap.Int64("position", info.LastPosition),
			zap.Int64("lag", info.Lag))
	}
	return nil
}

func main() {
	lambda.Start(handler)
}
