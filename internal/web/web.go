package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dashcal/internal/config"
	"dashcal/internal/dashboard"
	"dashcal/internal/ics"
	appLog "dashcal/internal/log"
	"dashcal/internal/model"
)

const shutdownTimeout = 5 * time.Second

// Server provides the HTTP API used by the dashboard UI.
type Server struct {
	cfgMu   sync.Mutex
	cfg     *config.Config
	cfgPath string

	svc      *dashboard.Service
	gatherer prometheus.Gatherer
	mux      *http.ServeMux
}

// NewServer constructs a new Server. cfgPath is where source changes are
// saved; empty disables saving. A nil gatherer serves the default registry.
func NewServer(cfg *config.Config, cfgPath string, svc *dashboard.Service, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:      cfg,
		cfgPath:  cfgPath,
		svc:      svc,
		gatherer: gatherer,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="dashcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/events.ics", s.handleEventsICS)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/notification", s.handleNotification)
	s.mux.HandleFunc("DELETE /api/notification", s.handleDismissNotification)
	s.mux.HandleFunc("GET /api/sources", s.handleSources)
	s.mux.HandleFunc("PUT /api/sources", s.handlePutSources)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Events []model.CalendarEvent `json:"events"`
	dashboard.SyncStatus
}

// handleEvents returns the persisted, merged event list and the sync status.
// The list is stale (not empty) after a failed sync.
func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, eventsResponse{
		Events:     s.svc.Events(),
		SyncStatus: s.svc.Status(),
	})
}

// handleEventsICS re-exports the merged list as a single calendar.
func (s *Server) handleEventsICS(w http.ResponseWriter, _ *http.Request) {
	body := ics.Export(s.svc.Events(), time.Now())
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// handleRefresh runs a sync immediately.
//
//   - 200 with the new list on success
//   - 409 if a sync is already running
//   - 502 with the generic sync error otherwise
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := s.svc.Refresh(r.Context())
	switch {
	case err == nil:
		s.handleEvents(w, r)
	case errors.Is(err, dashboard.ErrSyncInProgress):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadGateway, dashboard.SyncErrorMessage)
	}
}

type notificationResponse struct {
	Notification *model.NotificationPayload `json:"notification"`
	Text         string                     `json:"text,omitempty"`
}

func (s *Server) handleNotification(w http.ResponseWriter, _ *http.Request) {
	p, ok := s.svc.Notification()
	if !ok {
		writeJSON(w, http.StatusOK, notificationResponse{})
		return
	}
	writeJSON(w, http.StatusOK, notificationResponse{Notification: &p, Text: p.Text()})
}

func (s *Server) handleDismissNotification(w http.ResponseWriter, _ *http.Request) {
	s.svc.DismissNotification()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Sources())
}

// handlePutSources replaces the feed list, saves it to the config file and
// starts a background sync.
func (s *Server) handlePutSources(w http.ResponseWriter, r *http.Request) {
	var sources []model.Source
	if err := json.NewDecoder(r.Body).Decode(&sources); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	for i, src := range sources {
		src.URL = strings.TrimSpace(src.URL)
		if !strings.HasPrefix(src.URL, "http://") && !strings.HasPrefix(src.URL, "https://") {
			writeError(w, http.StatusBadRequest, "source url must be http(s)")
			return
		}
		if src.ID == "" {
			src.ID = src.URL
		}
		sources[i] = src
	}

	s.cfgMu.Lock()
	s.cfg.SetSources(sources)
	var saveErr error
	if s.cfgPath != "" {
		saveErr = s.cfg.Save(s.cfgPath)
	}
	s.cfgMu.Unlock()
	if saveErr != nil {
		// The in-memory list still applies for this session.
		appLog.Error("failed to save config", saveErr, "config_path", s.cfgPath)
	}

	s.svc.SetSources(sources)
	s.svc.RefreshAsync()
	appLog.Info("calendar sources updated", "count", len(sources))

	writeJSON(w, http.StatusOK, sources)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
