// Package api exposes the HTTP control surface: job submission and
// inspection, queue management, the pause switch, reconciliation, and a
// websocket feed of job-state deltas.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"audiobook-studio/internal/config"
	"audiobook-studio/internal/events"
	"audiobook-studio/internal/mirror"
	"audiobook-studio/internal/models"
	"audiobook-studio/internal/ratelimit"
	"audiobook-studio/internal/scheduler"
	"audiobook-studio/internal/state"
	"audiobook-studio/internal/telemetry"
)

// Server wires HTTP handlers over the scheduler and its stores.
type Server struct {
	cfg     config.Config
	log     *zap.Logger
	store   *state.Store
	sched   *scheduler.Scheduler
	mirror  *mirror.Mirror
	bus     *events.Broadcaster
	limiter *ratelimit.Limiter

	upgrader websocket.Upgrader
}

// New constructs the API server. mirror and limiter may be nil.
func New(cfg config.Config, log *zap.Logger, st *state.Store, sched *scheduler.Scheduler, m *mirror.Mirror, bus *events.Broadcaster, limiter *ratelimit.Limiter) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		log:     log,
		store:   st,
		sched:   sched,
		mirror:  m,
		bus:     bus,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Post("/jobs/cancel-all", s.handleCancelAll)

	r.Get("/queue", s.handleQueue)
	r.Post("/queue/reorder", s.handleReorder)

	r.Get("/pause", s.handleGetPause)
	r.Post("/pause", s.handlePause)
	r.Post("/resume", s.handleResume)

	r.Post("/reconcile", s.handleReconcile)

	r.Get("/settings", s.handleGetSettings)
	r.Put("/settings", s.handlePutSettings)

	r.Get("/events", s.handleEvents)
	return r
}

type enqueueRequest struct {
	Engine      string `json:"engine"`
	ProjectID   string `json:"project_id"`
	ChapterID   string `json:"chapter_id"`
	ChapterFile string `json:"chapter_file"`
	SplitPart   int    `json:"split_part"`
	BypassPause bool   `json:"bypass_pause"`
}

type enqueueResponse struct {
	Job    models.Job `json:"job"`
	Reused bool       `json:"reused"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Engine == "" {
		req.Engine = string(models.EngineSynthesis)
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "submit:"+clientKey(r))
		if err != nil {
			s.log.Warn("rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, reused, err := s.sched.Enqueue(scheduler.EnqueueRequest{
		Engine: models.Engine(req.Engine),
		Target: models.TargetRef{
			ProjectID:   req.ProjectID,
			ChapterID:   req.ChapterID,
			ChapterFile: req.ChapterFile,
			SplitPart:   req.SplitPart,
		},
		BypassPause: req.BypassPause,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, Reused: reused})
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.store.List()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.store.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sched.Cancel(id) {
		http.Error(w, "job not found or already finished", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sched.Requeue(id) {
		http.Error(w, "job not found or still in flight", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) handleCancelAll(w http.ResponseWriter, _ *http.Request) {
	n := s.sched.CancelAllPending()
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	if s.mirror == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}
	entries, err := s.mirror.List()
	if err != nil {
		http.Error(w, "queue unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

type reorderRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.sched.Reorder(req.IDs); err != nil {
		http.Error(w, "reorder failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetPause(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.sched.IsPaused()})
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.sched.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.sched.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleReconcile(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Reconcile())
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Settings())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings models.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if settings.Speed <= 0 {
		settings.Speed = 1.0
	}
	if err := s.store.UpdateSettings(settings); err != nil {
		http.Error(w, "could not save settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handleEvents upgrades to a websocket, replays events the client missed
// (query param since=<seq>), then streams live events until the client
// disconnects or falls too far behind.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	for _, ev := range s.bus.Since(since) {
		if err := writeEvent(conn, ev); err != nil {
			return
		}
	}

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	// Reads only to observe close frames.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()

	for ev := range sub.C {
		if err := writeEvent(conn, ev); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev events.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(ev)
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
