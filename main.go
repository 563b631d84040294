package main

import (
	"context"
	"io"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/litetable/litetable-stream/internal/app"
	"github.com/litetable/litetable-stream/internal/cdc_emitter"
	cdcv1 "github.com/litetable/litetable-stream/internal/cdc_emitter/v1"
	"github.com/litetable/litetable-stream/internal/checkpoint"
	"github.com/litetable/litetable-stream/internal/config"
	"github.com/litetable/litetable-stream/internal/generator"
	"github.com/litetable/litetable-stream/internal/pipeline"
	"github.com/litetable/litetable-stream/internal/record"
	"github.com/litetable/litetable-stream/internal/server"
	"github.com/litetable/litetable-stream/internal/storage"
	"github.com/litetable/litetable-stream/internal/table"
	"github.com/litetable/litetable-stream/internal/wal"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	application, err := initialize()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}

	if err = application.Run(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("stream stopped with error")
	}
}

// durableStore is what a storage backend offers the table and the coordinator.
type durableStore interface {
	table.Storage
	checkpoint.Committer
}

func initialize() (*app.App, error) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.NewConfig()
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// dependencies stop in reverse order: the http server first, then the pipeline while the CDC
	// emitters it publishes into are still running
	var deps []app.Dependency

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	// the batch log always lives on local disk next to the table
	walManager, err := wal.New(&wal.Config{
		Path: cfg.BasePath,
	})
	if err != nil {
		return nil, err
	}

	cdcEmitter, err := cdc_emitter.New(&cdc_emitter.Config{
		Port:    cfg.CDCPort,
		Address: cfg.CDCAddress,
	})
	if err != nil {
		return nil, err
	}
	deps = append(deps, cdcEmitter)

	cdcGRPC, err := cdcv1.New(&cdcv1.Config{
		Port:    cfg.CDCGRPCPort,
		Address: cfg.CDCAddress,
	})
	if err != nil {
		return nil, err
	}
	deps = append(deps, cdcGRPC)

	mor, err := table.New(&table.Config{
		Name:    cfg.TableName,
		Storage: store,
		CDC:     cdc_emitter.Multi{cdcEmitter, cdcGRPC},
	})
	if err != nil {
		return nil, err
	}

	coordinator, err := checkpoint.New(&checkpoint.Config{
		Sink:         mor,
		Log:          walManager,
		Committer:    store,
		Interval:     cfg.CheckpointInterval,
		Timeout:      cfg.CheckpointTimeout,
		MinPause:     cfg.MinPauseBetweenCheckpoints,
		IgnoreFailed: cfg.IgnoreFailed,
	})
	if err != nil {
		return nil, err
	}

	gen, err := generator.New(&generator.Config{
		Interval:   cfg.BatchInterval,
		MaxBatches: cfg.MaxBatches,
		Fields: record.Fields{
			Key:       cfg.RecordKeyField,
			Order:     cfg.PrecombineField,
			Partition: cfg.PartitionField,
		},
	})
	if err != nil {
		return nil, err
	}

	drainTimeout, stopTimeout := cfg.ShutdownTimeouts()

	// the pipeline owns the table: it loads it before recovery, compacts it last and then closes
	// the batch log and the storage backend
	closers := []io.Closer{walManager}
	if c, ok := store.(io.Closer); ok {
		closers = append(closers, c)
	}
	stream, err := pipeline.New(&pipeline.Config{
		Source:       gen,
		Coordinator:  coordinator,
		Table:        mor,
		DrainTimeout: drainTimeout,
		Closers:      closers,
	})
	if err != nil {
		return nil, err
	}
	deps = append(deps, stream)

	srv, err := server.New(&server.Config{
		Address:     cfg.HTTPAddress,
		Port:        cfg.HTTPPort,
		Table:       mor,
		Checkpoints: coordinator,
	})
	if err != nil {
		return nil, err
	}
	deps = append(deps, srv)

	application, err := app.CreateApp(&app.Config{
		ServiceName: "LiteTable Stream",
		StopTimeout: stopTimeout,
	}, deps...)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("table", cfg.TableName).
		Str("basePath", cfg.BasePath).
		Str("backend", cfg.StorageBackend).
		Msg("stream initialized")
	return application, nil
}

func newStore(cfg *config.Config) (durableStore, error) {
	if cfg.StorageBackend == config.BackendS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, err
		}
		return storage.NewBucket(&storage.BucketConfig{
			Client: s3.NewFromConfig(awsCfg),
			Bucket: cfg.S3Bucket,
			Prefix: cfg.S3Prefix,
			Table:  cfg.TableName,
		})
	}

	return storage.NewDisk(&storage.DiskConfig{
		BasePath: cfg.BasePath,
		Table:    cfg.TableName,
	})
}
