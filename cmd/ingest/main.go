package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"doc-chat/internal/app"
	"doc-chat/internal/httputil"
	"doc-chat/internal/queue"
)

var errNoQueue = errors.New("ingest worker requires QUEUE_PROVIDER=nats")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx)
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}

	err = run(ctx, deps)
	deps.Close()
	if err != nil {
		deps.Log.Error("ingest worker stopped", "err", err)
		os.Exit(1)
	}
}

// run consumes ingest tasks and serves /healthz until ctx is done or either fails.
func run(ctx context.Context, deps app.Deps) error {
	if deps.Queue == nil {
		return errNoQueue
	}
	deps.Log.Info("ingest worker starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Queue.Worker(ctx, queue.TaskTypeIngest, deps.Ingest.HandleTask)
	})
	g.Go(func() error {
		return httputil.ServeHealth(ctx, deps.Log, deps.Config.Port, "ingest worker", deps.Checks...)
	})
	return g.Wait()
}
