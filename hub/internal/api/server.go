// Package api provides the HTTP surface of the relay: the WebSocket endpoint
// plus health, room, stats, and audit routes.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/hereliesaz/hashkitty/hub/internal/bridge"
	"github.com/hereliesaz/hashkitty/hub/internal/config"
	"github.com/hereliesaz/hashkitty/hub/internal/rooms"
	"github.com/hereliesaz/hashkitty/hub/internal/router"
	"github.com/hereliesaz/hashkitty/hub/internal/sniff"
	"github.com/hereliesaz/hashkitty/hub/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store     store.Store
	router    *router.Router
	rooms     *rooms.Hub
	bridge    *bridge.Bridge
	sniffer   *sniff.Launcher
	logger    *slog.Logger
	mux       *chi.Mux
	startTime time.Time
	proc      *process.Process
	rl        *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, rt *router.Router, h *rooms.Hub, b *bridge.Bridge, l *sniff.Launcher, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:     s,
		router:    rt,
		rooms:     h,
		bridge:    b,
		sniffer:   l,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		srv.proc = p
	} else {
		srv.logger.Warn("process stats unavailable", "error", err)
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// The relay endpoint. Peers connect here and send join first.
	mux.Get("/ws", rt.HandleWS)

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(ipRateLimitMiddleware(srv.rl))
		r.Use(noStoreMiddleware)
		r.Get("/api/rooms", srv.handleListRooms)
		r.Get("/api/stats", srv.handleStats)
		r.Get("/api/audit", srv.handleListAuditEvents)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of rate limiter buckets.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rooms.Snapshot())
}

// Stats is the /api/stats response.
type Stats struct {
	Uptime        string           `json:"uptime"`
	Connections   int              `json:"connections"`
	Rooms         int              `json:"rooms"`
	SniffSessions int              `json:"sniff_sessions"`
	SniffEnabled  bool             `json:"sniff_enabled"`
	Bridge        bridge.Stats     `json:"bridge"`
	Events24h     map[string]int64 `json:"events_24h,omitempty"`
	Process       ProcessStats     `json:"process"`
}

// ProcessStats describes the relay process.
type ProcessStats struct {
	Goroutines int     `json:"goroutines"`
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	OpenFiles  int32   `json:"open_fds,omitempty"`
}

func (s *Server) processStats(ctx context.Context) ProcessStats {
	ps := ProcessStats{Goroutines: runtime.NumGoroutine()}
	if s.proc == nil {
		return ps
	}
	if mem, err := s.proc.MemoryInfoWithContext(ctx); err == nil {
		ps.RSSBytes = mem.RSS
	}
	if cpu, err := s.proc.CPUPercentWithContext(ctx); err == nil {
		ps.CPUPercent = cpu
	}
	if fds, err := s.proc.NumFDsWithContext(ctx); err == nil {
		ps.OpenFiles = fds
	}
	return ps
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := Stats{
		Uptime:        time.Since(s.startTime).Truncate(time.Second).String(),
		Connections:   s.router.ConnCount(),
		Rooms:         s.rooms.RoomCount(),
		SniffSessions: s.sniffer.Active(),
		SniffEnabled:  s.sniffer.Enabled(),
		Bridge:        s.bridge.Stats(),
		Process:       s.processStats(r.Context()),
	}
	counts, err := s.store.CountAuditEvents(r.Context(), time.Now().Add(-24*time.Hour))
	if err != nil {
		s.logger.Warn("count audit events", "error", err)
	} else {
		stats.Events24h = counts
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AuditFilter{
		Action: q.Get("action"),
		ConnID: q.Get("conn_id"),
		Room:   q.Get("room"),
		Limit:  50,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), filter)
	if err != nil {
		s.logger.Error("list audit events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
