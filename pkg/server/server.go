// Package server exposes the local HTTP API: snapshot reads, poll commands
// and prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridpulse/gridpulse/pkg/log"
	"github.com/gridpulse/gridpulse/pkg/poller"
	"github.com/gridpulse/gridpulse/pkg/snapshot"
	"github.com/gridpulse/gridpulse/pkg/types"
)

// selectableDays is how far back the selected-day command accepts, matching
// the portal's hourly retention window.
const selectableDays = 31

// Server serves the pull interface over the snapshot store and forwards
// commands to the poll coordinator.
type Server struct {
	store       *snapshot.Store
	coordinator *poller.Coordinator

	listenAddr string
	httpServer *http.Server
}

// Configured initializes the Server from flags.
func Configured(store *snapshot.Store, coordinator *poller.Coordinator) *Server {
	srv := &Server{
		store:       store,
		coordinator: coordinator,
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
	})
	return srv
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/snapshots", s.handleSnapshots)
	mux.HandleFunc("GET /api/snapshots/{accountID}", s.handleSnapshot)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/refresh/{accountID}", s.handleRefresh)
	mux.HandleFunc("POST /api/day/{accountID}", s.handleSelectDay)
	mux.Handle("GET /metrics", promhttp.Handler())
	return gziphandler.GzipHandler(mux)
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.listenAddr,
		Handler: s.handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Ctx(ctx).InfoContext(ctx, "http server listening", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, s.store.All())
}

// snapshotResponse pairs the last good snapshot with the last cycle error
// so a consumer can present stale data as stale.
type snapshotResponse struct {
	Snapshot  *types.UsageSnapshot `json:"snapshot,omitempty"`
	LastError string               `json:"lastError,omitempty"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountID")

	var res snapshotResponse
	if err := s.store.LastError(accountID); err != nil {
		res.LastError = err.Error()
	}
	snap, ok := s.store.Latest(accountID)
	if ok {
		res.Snapshot = &snap
	}
	if !ok && res.LastError == "" {
		writeJSON(r.Context(), w, http.StatusNotFound, map[string]string{"error": "no snapshot yet"})
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, s.coordinator.Status())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountID")
	if err := s.coordinator.ForceRefresh(accountID); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, poller.ErrUnknownAccount) {
			code = http.StatusNotFound
		}
		writeJSON(r.Context(), w, code, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(r.Context(), w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

type selectDayRequest struct {
	Day string `json:"day"`
}

func (s *Server) handleSelectDay(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountID")

	var req selectDayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(r.Context(), w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	day, err := time.ParseInLocation("2006-01-02", req.Day, time.Local)
	if err != nil {
		writeJSON(r.Context(), w, http.StatusBadRequest, map[string]string{"error": "day must be YYYY-MM-DD"})
		return
	}
	if day.After(time.Now()) || time.Since(day) > selectableDays*24*time.Hour {
		writeJSON(r.Context(), w, http.StatusBadRequest, map[string]string{"error": "day out of range"})
		return
	}

	if err := s.coordinator.SetSelectedDay(accountID, day); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, poller.ErrUnknownAccount) {
			code = http.StatusNotFound
		}
		writeJSON(r.Context(), w, code, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(r.Context(), w, http.StatusAccepted, map[string]string{"status": "scheduled", "day": req.Day})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to encode response", slog.Any("error", err))
	}
}
