// Package server exposes a scenario session over HTTP. POST endpoints mutate
// the session; the resulting layer operations reach map clients through the
// websocket hub mounted at /ws.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cxd309/abm-engine/internal/agent"
	"github.com/cxd309/abm-engine/internal/filter"
	"github.com/cxd309/abm-engine/internal/layers"
	"github.com/cxd309/abm-engine/internal/poller"
	"github.com/cxd309/abm-engine/internal/session"
)

// MaxBodyBytes caps request bodies. ABM result sets are large.
const MaxBodyBytes = 512 << 20

// DefaultRebuildTimeout bounds how long a handler waits for its layers.
const DefaultRebuildTimeout = 30 * time.Second

var httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "abm_http_requests_total",
	Help: "HTTP requests served, by route",
}, []string{"route", "code", "method"})

// Server serves one session.
type Server struct {
	Session *session.Session
	// Hub receives map clients at /ws. Nil disables the endpoint.
	Hub            http.Handler
	Logger         *slog.Logger
	RebuildTimeout time.Duration
	// AllowedOrigins extends the CORS allow list.
	AllowedOrigins []string
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		counter := httpRequests.MustCurryWith(prometheus.Labels{"route": pattern})
		mux.Handle(pattern, promhttp.InstrumentHandlerCounter(counter, h))
	}

	route("GET /api/v1/status", s.handleStatus)
	route("POST /api/v1/abm", s.handleLoad)
	route("DELETE /api/v1/abm", s.handleReset)
	route("POST /api/v1/filters", s.handleFilters)
	route("POST /api/v1/window", s.handleWindow)
	route("POST /api/v1/heat-type", s.handleHeatType)
	route("POST /api/v1/time", s.handleTime)
	route("POST /api/v1/arcs", s.handleArcs)
	route("POST /api/v1/layers/{kind}", s.handleRebuild)
	route("POST /api/v1/scenarios/{kind}", s.handleStartPoll)
	route("GET /api/v1/scenarios/{kind}", s.handlePollStatus)

	if s.Hub != nil {
		mux.Handle("GET /ws", s.Hub)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	return corsMiddleware(s.AllowedOrigins, mux)
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

type statusResponse struct {
	Loaded   bool              `json:"loaded"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
	Agents   int               `json:"agents"`
	Visible  int               `json:"visible"`
	Hours    []int             `json:"hours,omitempty"`
	Mounted  map[string]uint64 `json:"mounted"`
}

func (s *Server) status() statusResponse {
	resp := statusResponse{Mounted: s.Session.Coordinator().Mounted()}
	if snap := s.Session.Snapshot(); snap != nil {
		resp.Loaded = true
		resp.Snapshot = snap
		resp.Agents = snap.Agents()
		resp.Visible = snap.Visible()
		resp.Hours = snap.Baseline.Buckets.Hours()
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	c, err := s.Session.Load(detached(r), body)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.finish(w, r, c)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.Session.Reset(); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	flags, err := filter.ParseFlags(body)
	if err != nil {
		s.fail(w, err)
		return
	}
	c, err := s.Session.ApplyFilter(detached(r), flags)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.finish(w, r, c)
}

func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	var req filter.TimeWindow
	if !decode(w, r, &req) {
		return
	}
	c, err := s.Session.SetTimeWindow(detached(r), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.finish(w, r, c)
}

func (s *Server) handleHeatType(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HeatType string `json:"heatType"`
	}
	if !decode(w, r, &req) {
		return
	}
	c, err := s.Session.SetHeatType(detached(r), req.HeatType)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.finish(w, r, c)
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentTimestamp float64 `json:"currentTimestamp"`
	}
	if !decode(w, r, &req) {
		return
	}
	c, err := s.Session.SetCurrentTimestamp(detached(r), req.CurrentTimestamp)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.finish(w, r, c)
}

func (s *Server) handleArcs(w http.ResponseWriter, r *http.Request) {
	var arcs []layers.ArcDatum
	if !decode(w, r, &arcs) {
		return
	}
	c, err := s.Session.SetArcs(detached(r), arcs)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.finish(w, r, c)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	c, err := s.Session.Rebuild(detached(r), layers.Kind(r.PathValue("kind")))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.finish(w, r, c)
}

func (s *Server) handleStartPoll(w http.ResponseWriter, r *http.Request) {
	kind, err := poller.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.fail(w, err)
		return
	}
	var opts session.PollOptions
	if v := r.URL.Query().Get("max_attempts"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("max_attempts must be a non-negative integer"))
			return
		}
		opts.MaxAttempts = n
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	if len(strings.TrimSpace(string(payload))) > 0 && !json.Valid(payload) {
		writeError(w, http.StatusBadRequest, errors.New("scenario payload is not valid JSON"))
		return
	}

	if _, err := s.Session.StartPoll(detached(r), poller.Request{Kind: kind, Payload: payload}, opts); err != nil {
		s.fail(w, err)
		return
	}
	s.logger().Info("scenario poll started", "kind", kind, "max_attempts", opts.MaxAttempts)
	writeJSON(w, http.StatusAccepted, map[string]any{"kind": kind, "polling": true})
}

func (s *Server) handlePollStatus(w http.ResponseWriter, r *http.Request) {
	kind, err := poller.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := map[string]any{"kind": kind, "polling": s.Session.Polling(kind)}
	if out, ok := s.Session.PollOutcome(kind); ok {
		resp["last"] = out
	}
	writeJSON(w, http.StatusOK, resp)
}

// finish waits for the change's layers and reports the new state. A rebuild
// superseded by a newer change still counts as success.
func (s *Server) finish(w http.ResponseWriter, r *http.Request, c session.Change) {
	if c.Done == nil {
		writeJSON(w, http.StatusOK, s.status())
		return
	}
	timeout := s.RebuildTimeout
	if timeout <= 0 {
		timeout = DefaultRebuildTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	built, err := c.Wait(ctx)
	if err != nil && !errors.Is(err, layers.ErrStaleGeneration) {
		s.fail(w, err)
		return
	}
	names := make([]string, 0, len(built))
	for _, l := range built {
		names = append(names, l.Descriptor.ID)
	}
	resp := s.status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     resp,
		"generation": c.Snapshot.Generation,
		"layers":     names,
		"superseded": errors.Is(err, layers.ErrStaleGeneration),
	})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger().Error("request failed", "error", err)
	}
	writeError(w, code, err)
}

func statusFor(err error) int {
	var (
		syntax    *json.SyntaxError
		typeError *json.UnmarshalTypeError
	)
	switch {
	case errors.Is(err, agent.ErrEmptyResult),
		errors.Is(err, filter.ErrInvalidFlags),
		errors.Is(err, filter.ErrInvalidWindow),
		errors.Is(err, layers.ErrUnknownKind),
		errors.Is(err, poller.ErrUnknownScenario),
		errors.As(err, &syntax),
		errors.As(err, &typeError):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNoScenario):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoResultSource):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// detached keeps the request's values but not its cancellation, so a client
// that hangs up does not abort a rebuild other clients will see.
func detached(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// corsMiddleware adds CORS headers for allowed frontend origins. Origins from
// the CORS_ORIGINS env var (comma-separated) and extra are added to the
// localhost dev servers.
func corsMiddleware(extra []string, next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:8080": true,
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	origins := append([]string(nil), extra...)
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		origins = append(origins, strings.Split(env, ",")...)
	}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			allowedOrigins[origin] = true
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
