// Package api serves the admin HTTP interface: entity, risk and sanctions
// lookups, metrics, health, pipeline control and the live signal stream.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/nexus-trading/chainintel/internal/audit"
	"github.com/nexus-trading/chainintel/internal/graphstore"
	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/nexus-trading/chainintel/internal/observability"
	"github.com/nexus-trading/chainintel/internal/pipeline"
	"github.com/nexus-trading/chainintel/internal/quality"
	"github.com/nexus-trading/chainintel/internal/risk"
	"github.com/nexus-trading/chainintel/internal/sanctions"
	"github.com/rs/zerolog/log"
)

// Config configures the admin server.
type Config struct {
	Listen       string        `yaml:"listen"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	AdminToken   string        `yaml:"admin_token"` // bearer token for control routes; empty disables them
	MaxPageSize  int           `yaml:"max_page_size" validate:"gte=1"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		Listen:       ":9102",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		MaxPageSize:  500,
	}
}

const defaultPageSize = 100

// JobRunner triggers maintenance jobs on demand.
type JobRunner interface {
	RunNow(ctx context.Context, name string) error
	JobNames() []string
}

// Deps are the components the server reads. Only Store is required.
type Deps struct {
	Store     graphstore.Store
	Risk      *risk.Engine
	Sanctions *sanctions.Screener
	Pipeline  *pipeline.Orchestrator
	Metrics   *observability.Registry
	Health    *observability.HealthMonitor
	Jobs      JobRunner
	Live      *Hub
	Audit     *audit.Trail
	Feed      *quality.Monitor
}

// Server is the admin HTTP server.
type Server struct {
	config Config
	deps   Deps
	router *mux.Router
	http   *http.Server
}

// NewServer builds the router.
func NewServer(config Config, deps Deps) *Server {
	if config.MaxPageSize <= 0 {
		config.MaxPageSize = DefaultConfig().MaxPageSize
	}
	s := &Server{config: config, deps: deps}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	if s.deps.Metrics != nil {
		r.Handle("/metrics", observability.NewPrometheusExporter(s.deps.Metrics)).Methods(http.MethodGet)
	}
	if s.deps.Health != nil {
		r.Handle("/health", s.deps.Health).Methods(http.MethodGet)
	} else {
		r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": string(observability.StatusHealthy)})
		}).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	api.HandleFunc("/entities", s.handleSearchEntities).Methods(http.MethodGet)
	api.HandleFunc("/entities/{id}", s.handleEntity).Methods(http.MethodGet)
	api.HandleFunc("/addresses/{address}", s.handleAddress).Methods(http.MethodGet)
	api.HandleFunc("/addresses/{address}/relationships", s.handleRelationships).Methods(http.MethodGet)
	api.HandleFunc("/risk/{address}", s.handleRisk).Methods(http.MethodGet)
	api.HandleFunc("/sanctions/{address}", s.handleSanctions).Methods(http.MethodGet)
	api.HandleFunc("/feed", s.handleFeed).Methods(http.MethodGet)

	if s.deps.Live != nil {
		api.Handle("/ws", s.deps.Live).Methods(http.MethodGet)
	}

	control := api.PathPrefix("/control").Subrouter()
	control.Use(s.requireToken)
	control.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	control.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	control.HandleFunc("/jobs", s.handleJobs).Methods(http.MethodGet)
	control.HandleFunc("/jobs/{name}", s.handleRunJob).Methods(http.MethodPost)
	control.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)

	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("api: shutdown")
		}
	}()

	log.Info().Str("addr", s.config.Listen).Msg("api: admin server started")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{}
	if ms, ok := s.deps.Store.(*graphstore.MemoryStore); ok {
		out["graph"] = ms.Stats()
	}
	if s.deps.Pipeline != nil {
		out["pipeline"] = s.deps.Pipeline.Stats()
	}
	if s.deps.Risk != nil {
		out["risk"] = s.deps.Risk.Stats()
	}
	if s.deps.Sanctions != nil {
		out["sanctions"] = s.deps.Sanctions.Stats()
	}
	if s.deps.Live != nil {
		out["live"] = s.deps.Live.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSearchEntities(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ents, err := s.deps.Store.SearchEntities(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": ents, "count": len(ents)})
}

// parseQuery reads type, min_confidence, address, include_stale and limit.
func (s *Server) parseQuery(r *http.Request) (graphstore.Query, error) {
	v := r.URL.Query()
	q := graphstore.Query{
		Type:    model.EntityType(v.Get("type")),
		Address: strings.ToLower(v.Get("address")),
		Limit:   min(defaultPageSize, s.config.MaxPageSize),
	}
	if q.Type != "" && !q.Type.Valid() {
		return q, errors.New("unknown entity type " + strconv.Quote(string(q.Type)))
	}
	if raw := v.Get("min_confidence"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 || f > 1 {
			return q, errors.New("min_confidence must be a number in [0,1]")
		}
		q.MinConfidence = f
	}
	if raw := v.Get("include_stale"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return q, errors.New("include_stale must be a boolean")
		}
		q.IncludeStale = b
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return q, errors.New("limit must be a positive integer")
		}
		q.Limit = min(n, s.config.MaxPageSize)
	}
	return q, nil
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	ent, err := s.deps.Store.QueryEntity(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, model.ErrEntityNotFound) {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// handleAddress returns everything known about one address.
func (s *Server) handleAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	addr := strings.ToLower(mux.Vars(r)["address"])

	out := map[string]any{"address": addr}
	id, err := s.deps.Store.EntityForAddress(ctx, addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if id != "" {
		if ent, err := s.deps.Store.QueryEntity(ctx, id); err == nil {
			out["entity"] = ent
		}
	}
	if s.deps.Risk != nil {
		if rs, ok := s.deps.Risk.Get(addr); ok {
			out["risk"] = rs
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRelationships(w http.ResponseWriter, r *http.Request) {
	addr := strings.ToLower(mux.Vars(r)["address"])
	rels, err := s.deps.Store.Relationships(r.Context(), addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr, "relationships": rels})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	if s.deps.Risk == nil {
		writeError(w, http.StatusServiceUnavailable, "risk engine not configured")
		return
	}
	addr := strings.ToLower(mux.Vars(r)["address"])
	rs, ok := s.deps.Risk.Get(addr)
	if !ok {
		writeError(w, http.StatusNotFound, "no risk score for address")
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

// handleSanctions screens the address live.
func (s *Server) handleSanctions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sanctions == nil {
		writeError(w, http.StatusServiceUnavailable, "sanctions screener not configured")
		return
	}
	res, err := s.deps.Sanctions.Check(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	if res.Source == "invalid" {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFeed(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Feed == nil {
		writeJSON(w, http.StatusOK, map[string]any{"chains": map[string]quality.ChainStats{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chains": s.deps.Feed.Snapshot(),
		"stale":  s.deps.Feed.Stale(),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not running")
		return
	}
	s.deps.Pipeline.Pause()
	s.recordControl(r, "pause", "", nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not running")
		return
	}
	s.deps.Pipeline.Resume()
	s.recordControl(r, "resume", "", nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Jobs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"jobs": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.deps.Jobs.JobNames()})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "maintenance not configured")
		return
	}
	name := mux.Vars(r)["name"]
	err := s.deps.Jobs.RunNow(r.Context(), name)
	s.recordControl(r, "run_job", name, err)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUnknownJob) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job": name, "status": "done"})
}

// handleAudit lists trail entries for ?window=, or the newest ?limit= entries.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []audit.Entry{}})
		return
	}
	if window := r.URL.Query().Get("window"); window != "" {
		writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(s.deps.Audit.Query(window))})
		return
	}
	limit := defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	limit = min(limit, s.config.MaxPageSize)
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.deps.Audit.Recent(limit)})
}

func (s *Server) recordControl(r *http.Request, action, target string, err error) {
	if s.deps.Audit == nil {
		return
	}
	s.deps.Audit.RecordControl(r.RemoteAddr, action, target, err)
}

func nonNil(entries []audit.Entry) []audit.Entry {
	if entries == nil {
		return []audit.Entry{}
	}
	return entries
}

// ErrUnknownJob is returned by JobRunner.RunNow for an unregistered job.
var ErrUnknownJob = errors.New("unknown job")

// requireToken guards control routes with the admin bearer token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AdminToken == "" {
			writeError(w, http.StatusForbidden, "control routes disabled")
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.config.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("api: write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
