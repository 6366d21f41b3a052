package metrics

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/switchyard/internal/config"
	"github.com/allaspectsdev/switchyard/internal/manager"
	"github.com/allaspectsdev/switchyard/internal/snapshot"
)

// AdminServer serves the operational API on the admin port: Prometheus
// exposition, health and routing views, and the exchange history.
type AdminServer struct {
	router    chi.Router
	collector *Collector
	mgr       *manager.Manager
	store     *snapshot.Store
	addr      string
	server    *http.Server
}

// NewAdminServer wires the admin API to the given collector, manager, and
// snapshot store. The store may be nil when snapshot recording is disabled;
// exchange endpoints then answer 404.
func NewAdminServer(collector *Collector, mgr *manager.Manager, st *snapshot.Store, cfg *config.Config, addr string) *AdminServer {
	a := &AdminServer{
		collector: collector,
		mgr:       mgr,
		store:     st,
		addr:      addr,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(cfg.Admin.AllowedOrigins))
	if cfg.Auth.Enabled {
		r.Use(bearerAuth(cfg.Auth.Token))
	}

	r.Get("/metrics", PrometheusHandler(collector, mgr.Tracker()))

	r.Get("/api/stats", a.handleStats)
	r.Get("/api/health", a.handleHealth)
	r.Get("/api/routes", a.handleRoutes)
	r.Get("/api/pipelines", a.handlePipelines)
	r.Get("/api/exchanges", a.handleListExchanges)
	r.Get("/api/exchanges/{id}", a.handleGetExchange)
	r.Get("/api/config", a.handleGetConfig)

	a.router = r
	return a
}

// Start begins listening on the configured address. It blocks until the
// server is shut down or an error occurs.
func (a *AdminServer) Start() error {
	a.server = &http.Server{
		Addr:         a.addr,
		Handler:      a.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", a.addr).Msg("admin server starting")
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the admin server.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (a *AdminServer) Handler() http.Handler { return a.router }

// handleStats returns the live collector counters plus store aggregates for
// the last 24 hours when recording is enabled.
func (a *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"live": a.collector.Stats()}

	if a.store != nil {
		stats, err := a.store.GetStats(time.Now().Add(-24 * time.Hour))
		if err != nil {
			log.Error().Err(err).Msg("stats query failed")
		} else {
			out["last_24h"] = stats
		}
	}

	writeJSON(w, http.StatusOK, out)
}

// handleHealth returns the tracker's pipeline and credential views. Only
// fingerprints identify credentials; secrets never reach this endpoint.
func (a *AdminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	pipes, keys := a.mgr.Tracker().Snapshot()
	for i := range pipes {
		pipes[i].State = a.mgr.Tracker().StateOf(pipes[i].ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":     a.mgr.Ready(),
		"pipelines": pipes,
		"keys":      keys,
	})
}

// handleRoutes returns the category to pipeline-pool table.
func (a *AdminServer) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.mgr.Pools())
}

// handlePipelines returns every pipeline's static assembly.
func (a *AdminServer) handlePipelines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.mgr.Blueprints())
}

// handleListExchanges returns a page of exchange records, newest first.
func (a *AdminServer) handleListExchanges(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "snapshot recording disabled"})
		return
	}

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 50)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}

	exchanges, err := a.store.ListExchanges(limit, (page-1)*limit)
	if err != nil {
		log.Error().Err(err).Msg("exchange list query failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	if exchanges == nil {
		exchanges = []*snapshot.Exchange{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"page":      page,
		"limit":     limit,
		"exchanges": exchanges,
	})
}

// handleGetExchange returns one exchange with its stage digest records.
func (a *AdminServer) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "snapshot recording disabled"})
		return
	}

	id := chi.URLParam(r, "id")
	ex, stages, err := a.store.GetExchange(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "exchange not found"})
			return
		}
		log.Error().Err(err).Str("id", id).Msg("exchange query failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	if stages == nil {
		stages = []snapshot.StageRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"exchange": ex,
		"stages":   stages,
	})
}

// handleGetConfig returns the running configuration with credential
// references redacted.
func (a *AdminServer) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	data, err := json.Marshal(config.Get())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "serialisation error"})
		return
	}

	var cfgMap map[string]any
	if err := json.Unmarshal(data, &cfgMap); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "serialisation error"})
		return
	}

	redactKeys(cfgMap)
	writeJSON(w, http.StatusOK, cfgMap)
}

// writeJSON serialises v and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

// queryInt reads an integer query parameter with a default fallback.
func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}

// redactKeys recursively replaces any string value whose key mentions "key",
// "secret", or "token" with "****".
func redactKeys(m map[string]any) {
	for k, v := range m {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "key") || strings.Contains(lower, "secret") || strings.Contains(lower, "token") {
			switch v.(type) {
			case string:
				m[k] = "****"
				continue
			case map[string]any:
				// A keys table: redact every value wholesale.
				redacted := make(map[string]any)
				for name := range v.(map[string]any) {
					redacted[name] = "****"
				}
				m[k] = redacted
				continue
			}
		}
		switch child := v.(type) {
		case map[string]any:
			redactKeys(child)
		case []any:
			for _, item := range child {
				if sub, ok := item.(map[string]any); ok {
					redactKeys(sub)
				}
			}
		}
	}
}

// bearerAuth enforces a constant-time bearer token check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware adds CORS headers for the configured origins. A "*" entry
// allows any origin.
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	allowAll := false
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		set[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || set[origin]) {
				if allowAll {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
