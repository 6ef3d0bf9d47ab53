package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/gradeflow/internal/httpapi"
	"github.com/ShayCichocki/gradeflow/internal/orchestrator"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve the grading and session API.

The API only writes documents and enqueues plan messages; run worker,
notifier, stream and relay processes (or 'gradeflow local') to make
progress on them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		orch, set, err := newOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer set.Close()
		return serveHTTP(ctx, orch, addrOrDefault())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: http.addr from config)")
}

func addrOrDefault() string {
	if serveAddr != "" {
		return serveAddr
	}
	return live.Current().HTTP.Addr
}

// serveHTTP runs the API on addr until ctx is cancelled.
func serveHTTP(ctx context.Context, orch *orchestrator.Orchestrator, addr string) error {
	app := &httpapi.App{Grading: orch.Grading(), Sessions: orch.Sessions()}
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewRouter(app, live.Current().HTTP.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[api] listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	log.Printf("[api] shut down")
	return nil
}
