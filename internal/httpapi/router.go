package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paulgrammer/githost/internal/projects"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

const maxBodyBytes = 1 << 16

type router struct {
	tracker  *projects.Tracker
	streamer *projects.EventStreamer
}

// NewRouter wires the project API. gatherer may be nil to leave /metrics
// unmounted.
func NewRouter(tracker *projects.Tracker, streamer *projects.EventStreamer, gatherer prometheus.Gatherer) http.Handler {
	r := &router{tracker: tracker, streamer: streamer}
	m := http.NewServeMux()
	m.HandleFunc("GET /healthz", r.handleHealth)
	m.HandleFunc("POST /projects", r.handleSubmit)
	m.HandleFunc("GET /projects", r.handleList)
	m.HandleFunc("GET /projects/events", r.handleEvents)
	m.HandleFunc("GET /projects/{id}", r.handleGet)
	m.HandleFunc("POST /projects/{id}/rebuild", r.handleRebuild)
	m.HandleFunc("POST /projects/{id}/status", r.handleReport)
	m.HandleFunc("DELETE /projects/{id}", r.handleRemove)
	if gatherer != nil {
		m.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return logging(m)
}

func (r *router) handleSubmit(w http.ResponseWriter, req *http.Request) {
	var body projects.CreateProjectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := projects.ValidateRequest(body); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := r.tracker.Submit(req.Context(), body.RepoURL)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, p)
}

func (r *router) handleList(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	filter := projects.Filter{Owner: q.Get("owner")}
	if s := q.Get("status"); s != "" {
		status := projects.Status(s)
		filter.Status = &status
	}
	list, err := r.tracker.List(filter)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"projects": list})
}

func (r *router) handleGet(w http.ResponseWriter, req *http.Request) {
	p, err := r.tracker.Get(req.PathValue("id"))
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

func (r *router) handleRebuild(w http.ResponseWriter, req *http.Request) {
	p, err := r.tracker.Rebuild(req.Context(), req.PathValue("id"))
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

// handleReport accepts a build outcome from an external deployer.
func (r *router) handleReport(w http.ResponseWriter, req *http.Request) {
	var body projects.ReportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid json")
		return
	}
	p, err := r.tracker.Report(req.Context(), req.PathValue("id"), body)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

func (r *router) handleRemove(w http.ResponseWriter, req *http.Request) {
	if err := r.tracker.Remove(req.Context(), req.PathValue("id")); err != nil {
		respondWithDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *router) handleHealth(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents streams project events over a websocket. The optional
// project_id query parameter narrows the stream to one project.
func (r *router) handleEvents(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Query().Get("project_id")
	if key != "" {
		if _, err := r.tracker.Get(key); err != nil {
			respondWithDomainError(w, err)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Error("failed to upgrade connection", "error", err)
		return
	}
	if !r.attach(key, conn) {
		return
	}
	defer r.streamer.Unsubscribe(key, conn)

	// Keep the connection open
	for {
		if _, _, err := conn.NextReader(); err != nil {
			conn.Close()
			break
		}
	}
}

// attach subscribes conn to key and reports whether the stream is live. A
// project removed before the subscription landed had its removed event
// broadcast without this connection, so the stream is closed here instead.
func (r *router) attach(key string, conn *websocket.Conn) bool {
	r.streamer.Subscribe(key, conn)
	if key == "" {
		return true
	}
	if _, err := r.tracker.Get(key); err == nil {
		return true
	}

	r.streamer.Unsubscribe(key, conn)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "project removed")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack is needed for websocket upgrades to pass through the logger.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	return h.Hijack()
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start).String())
	})
}

func respondWithDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, projects.ErrValidation):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, projects.ErrNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	default:
		slog.Error("request failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}
