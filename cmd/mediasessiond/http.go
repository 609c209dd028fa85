package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"mediasessiond/internal/ipc"
)

// ============================================================================
// HTTP Server
// ============================================================================
// Routes:
//   GET  /ws/state                 state stream (see state_ws.go)
//   GET  /api/state                JSON snapshot
//   POST /api/commands/{command}   play-pause | next | previous
//   GET  /api/thumbnail            PNG artwork, 204 when there is none
// ============================================================================

var httpCommands = map[string]ipc.RequestType{
	"play-pause": ipc.RequestTogglePlayPause,
	"next":       ipc.RequestSkipNext,
	"previous":   ipc.RequestSkipPrevious,
}

type apiError struct {
	Error string `json:"error"`
}

type commandResult struct {
	Command string `json:"command"`
	Result  string `json:"result"`
}

// newRouter wires the API and the state WS onto one chi router.
func newRouter(p *Presenter, ws *StateServer, corsOrigins []string) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		}))
	}

	if ws != nil {
		ws.Register(r, "/ws/state")
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, p.Snapshot(r.Context(), true))
		})

		r.Post("/commands/{command}", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "command")
			t, ok := httpCommands[name]
			if !ok {
				writeJSON(w, http.StatusNotFound, apiError{Error: fmt.Sprintf("unknown command %q", name)})
				return
			}
			res, err := p.Command(r.Context(), t)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, commandResult{Command: name, Result: res.String()})
		})

		r.Get("/thumbnail", func(w http.ResponseWriter, r *http.Request) {
			png, ok := p.Thumbnail(r.Context())
			if !ok {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("Cache-Control", "no-cache")
			_, _ = w.Write(png)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// runHTTPServer serves handler on addr and shuts it down gracefully when ctx
// is canceled.
func runHTTPServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	logger.Info("HTTP server listening", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		// ListenAndServe returns http.ErrServerClosed on Shutdown; treat that as clean exit.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
