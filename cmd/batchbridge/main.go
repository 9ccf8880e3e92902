package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/batchbridge/internal/api"
	"github.com/seantiz/batchbridge/internal/batch"
	"github.com/seantiz/batchbridge/internal/config"
	"github.com/seantiz/batchbridge/internal/engine"
	"github.com/seantiz/batchbridge/internal/model"
	"github.com/seantiz/batchbridge/internal/sink"
	"github.com/seantiz/batchbridge/internal/sink/filesystem"
	"github.com/seantiz/batchbridge/internal/sink/objectstore"
	"github.com/seantiz/batchbridge/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("batchbridge: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"base_url", cfg.Remote.BaseURL,
		"poll_interval", cfg.Poll.Interval.String(),
		"poll_max_attempts", cfg.Poll.MaxAttempts,
		"poll_max_wait", cfg.Poll.MaxWait.String(),
	)

	client, err := cfg.Remote.NewClient()
	if err != nil {
		log.Fatalf("failed to configure remote client: %v", err)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	sinks := sink.NewRegistry()
	fs, err := filesystem.New(cfg.ExportDir)
	if err != nil {
		log.Fatalf("failed to create filesystem sink: %v", err)
	}
	sinks.Register(model.SinkFilesystem, fs)

	if cfg.ObjectStore.Enabled() {
		obj, err := objectstore.New(objectstore.Config{
			Endpoint:  cfg.ObjectStore.Endpoint,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			Region:    cfg.ObjectStore.Region,
			Bucket:    cfg.ObjectStore.Bucket,
			Prefix:    cfg.ObjectStore.Prefix,
			UseSSL:    cfg.ObjectStore.UseSSL,
		})
		if err != nil {
			log.Fatalf("failed to create object store sink: %v", err)
		}
		sinks.Register(model.SinkObjectStore, obj)
	}

	ops := batch.NewOperations(client, nil, nil, cfg.Poll, logger).
		WithDefaultTimeout(cfg.Remote.ConnectionTimeout)
	eng := engine.NewEngine(db, ops, sinks, logger)
	if err := eng.Recover(context.Background()); err != nil {
		log.Fatalf("recover export jobs: %v", err)
	}
	srv := api.NewServer(cfg.ListenAddr, db, ops, sinks, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	eng.CancelAll()
	eng.Wait()
}
