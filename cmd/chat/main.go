package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"doc-chat/internal/app"
	"doc-chat/internal/httputil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx)
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	defer deps.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", deps.Config.Port),
		Handler:           newRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := httputil.Serve(ctx, deps.Log, srv, "chat api"); err != nil {
		deps.Log.Error("server failed", "err", err)
	}
}

func newRouter(deps app.Deps) *chi.Mux {
	// Streamed answers may take a full fetch plus a full provider call.
	timeout := deps.Config.ProviderTimeout + deps.Config.FetchTimeout + 15*time.Second
	r := httputil.NewRouter(deps.Log, timeout)

	r.Route("/api", func(r chi.Router) {
		r.Get("/providers", providersHandler(deps))
		r.Get("/preview", previewHandler(deps))
		r.Post("/summarize", summarizeHandler(deps))
		r.Post("/collections/{collection}/documents", ingestHandler(deps))

		r.Post("/sessions", createSessionHandler(deps))
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", getSessionHandler(deps))
			r.Patch("/", updateSessionHandler(deps))
			r.Delete("/", deleteSessionHandler(deps))
			r.Post("/urls", setURLsHandler(deps))
			r.Post("/document", documentHandler(deps))
			r.Post("/ask", askHandler(deps))
			r.Post("/followup", followUpHandler(deps))
			r.Post("/reset", resetHandler(deps))
		})
	})
	r.Get("/healthz", httputil.HealthHandler(deps.Log, deps.Checks...))
	return r
}
