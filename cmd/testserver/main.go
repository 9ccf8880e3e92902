// testserver starts a batchbridge API server against an in-process fake batch
// engine for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/seantiz/batchbridge/internal/api"
	"github.com/seantiz/batchbridge/internal/batch"
	"github.com/seantiz/batchbridge/internal/engine"
	"github.com/seantiz/batchbridge/internal/liferay"
	"github.com/seantiz/batchbridge/internal/liferay/liferaytest"
	"github.com/seantiz/batchbridge/internal/model"
	"github.com/seantiz/batchbridge/internal/sink"
	"github.com/seantiz/batchbridge/internal/sink/filesystem"
	"github.com/seantiz/batchbridge/internal/store"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("BATCHBRIDGE_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	remote := liferaytest.NewServer()
	defer remote.Close()
	remote.SetStatuses("INITIAL", "STARTED", "STARTED", "COMPLETED")
	remote.SetContent(liferaytest.ZipOf(liferaytest.Entry{
		Name: "BlogPosting.json",
		Data: []byte(`[{"id":1,"headline":"hello from the fake batch engine"}]`),
	}))

	client, err := liferay.NewClient(liferay.ClientConfig{
		BaseURL: remote.URL,
		Auth:    liferay.BasicAuth{Username: "test@liferay.com", Password: "test"},
	})
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}

	exportDir, err := os.MkdirTemp("", "batchbridge-testserver-")
	if err != nil {
		log.Fatalf("failed to create export dir: %v", err)
	}
	defer os.RemoveAll(exportDir)

	fs, err := filesystem.New(exportDir)
	if err != nil {
		log.Fatalf("failed to create filesystem sink: %v", err)
	}
	sinks := sink.NewRegistry()
	sinks.Register(model.SinkFilesystem, fs)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ops := batch.NewOperations(client, nil, nil, batch.PollConfig{Interval: 100 * time.Millisecond}, logger)
	eng := engine.NewEngine(db, ops, sinks, logger)
	if err := eng.Recover(context.Background()); err != nil {
		log.Fatalf("recover export jobs: %v", err)
	}
	srv := api.NewServer(addr, db, ops, sinks, eng, logger)

	logger.Info("testserver: starting", "addr", addr, "remote", remote.URL, "export_dir", exportDir)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	eng.CancelAll()
	eng.Wait()
}
