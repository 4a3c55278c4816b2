package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ops HTTP server",
	Long:  "Exposes queue stats, classification accuracy, seed enqueueing, and async crawl triggers over HTTP.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newServeHandler(ctx, e, cfg.Pipeline.BatchSize, cfg.Crawl.DefaultScore),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newServeHandler wires the routes. runCtx outlives individual requests and
// bounds async crawl batches triggered over HTTP.
func newServeHandler(runCtx context.Context, e *env, batchSize, defaultScore int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/api/queue/stats", func(w http.ResponseWriter, req *http.Request) {
		stats, err := e.Queue.Stats(req.Context())
		if err != nil {
			http.Error(w, `{"error":"queue stats unavailable"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	r.Get("/api/feedback/accuracy", func(w http.ResponseWriter, req *http.Request) {
		report, err := e.Feedback.Accuracy(req.Context())
		if err != nil {
			http.Error(w, `{"error":"accuracy unavailable"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	r.Post("/api/enqueue", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			URL   string `json:"url"`
			Score int    `json:"score"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if body.URL == "" {
			http.Error(w, `{"error":"url is required"}`, http.StatusBadRequest)
			return
		}
		score := body.Score
		if score <= 0 {
			score = defaultScore
		}

		ok, err := e.Queue.Enqueue(req.Context(), body.URL, 0, body.URL, score)
		if err != nil {
			http.Error(w, `{"error":"enqueue failed"}`, http.StatusInternalServerError)
			return
		}
		if !ok {
			writeJSON(w, http.StatusOK, map[string]string{"status": "excluded", "url": body.URL})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "url": body.URL})
	})

	r.Post("/api/crawl", func(w http.ResponseWriter, req *http.Request) {
		// Runs in the background; the response only acknowledges the trigger.
		go func() {
			res, err := e.Pipeline.RunBatch(runCtx, batchSize)
			if err != nil {
				zap.L().Error("serve: triggered batch failed", zap.Error(err))
				return
			}
			zap.L().Info("serve: triggered batch finished",
				zap.Int("claimed", res.Claimed),
				zap.Int("done", res.Done),
				zap.Int("failed", res.Failed))
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
