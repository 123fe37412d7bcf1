package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bolagsdata/registryd/internal/apperr"
	"github.com/bolagsdata/registryd/internal/bulk"
	"github.com/bolagsdata/registryd/internal/cache"
	"github.com/bolagsdata/registryd/internal/net/circuit"
	"github.com/bolagsdata/registryd/internal/service"
	"github.com/bolagsdata/registryd/internal/upstream"
)

// Query is the slice of the query service the handlers consume.
type Query interface {
	Search(ctx context.Context, text string, limit int, activeOnly bool) ([]bulk.Record, error)
	Details(ctx context.Context, orgnr string) (json.RawMessage, cache.Freshness, error)
	Documents(ctx context.Context, orgnr string) ([]upstream.Document, cache.Freshness, error)
	Report(ctx context.Context, orgnr string, year int) (*cache.ReportEntry, bool, error)
	Stats(ctx context.Context) (service.Stats, error)
}

// ArtifactReader serves stored report artifacts.
type ArtifactReader interface {
	Get(rel string) ([]byte, error)
}

// HealthProber reports upstream resilience state and can probe the
// upstream liveness endpoint on demand.
type HealthProber interface {
	Breaker() *circuit.Breaker
	Health(ctx context.Context) error
}

// Handlers binds the query service to the HTTP routes.
type Handlers struct {
	query     Query
	artifacts ArtifactReader
	prober    HealthProber
	registry  *prometheus.Registry
	startedAt time.Time
}

// NewHandlers creates the handler set. prober and registry may be nil;
// the health payload then omits the breaker and /metrics is not routed.
func NewHandlers(query Query, artifacts ArtifactReader, prober HealthProber,
	registry *prometheus.Registry) *Handlers {
	return &Handlers{
		query:     query,
		artifacts: artifacts,
		prober:    prober,
		registry:  registry,
		startedAt: time.Now(),
	}
}

// errorBody is the wire form of a failed request.
type errorBody struct {
	Error struct {
		Kind          string `json:"kind"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlation_id,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	var body errorBody
	body.Error.Kind = string(apperr.KindOf(err))
	body.Error.CorrelationID = apperr.CorrelationID(err)

	var e *apperr.Error
	if errors.As(err, &e) {
		body.Error.Message = e.Message
	} else {
		body.Error.Message = "internal error"
	}
	writeJSON(w, apperr.HTTPStatus(err), body)
}

// Search handles GET /search?q=&limit=&active=.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 10
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, apperr.New(apperr.KindValidation, "limit must be an integer", err))
			return
		}
		limit = n
	}
	activeOnly := q.Get("active") == "true"

	records, err := h.query.Search(r.Context(), q.Get("q"), limit, activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(records),
		"results": records,
	})
}

// Details handles GET /details/{orgnr}.
func (h *Handlers) Details(w http.ResponseWriter, r *http.Request) {
	orgnr := mux.Vars(r)["orgnr"]
	payload, fr, err := h.query.Details(r.Context(), orgnr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orgnr":        orgnr,
		"cache_hit":    fr != cache.Absent,
		"stale":        fr == cache.Stale,
		"organisation": payload,
	})
}

// Documents handles GET /documents/{orgnr}.
func (h *Handlers) Documents(w http.ResponseWriter, r *http.Request) {
	orgnr := mux.Vars(r)["orgnr"]
	docs, fr, err := h.query.Documents(r.Context(), orgnr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orgnr":     orgnr,
		"cache_hit": fr != cache.Absent,
		"stale":     fr == cache.Stale,
		"documents": docs,
	})
}

// Report handles GET /report/{orgnr}?year=. A missing year selects the
// most recent reporting period.
func (h *Handlers) Report(w http.ResponseWriter, r *http.Request) {
	orgnr := mux.Vars(r)["orgnr"]
	year := 0
	if raw := r.URL.Query().Get("year"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, apperr.New(apperr.KindValidation, "year must be an integer", err))
			return
		}
		year = n
	}

	entry, hit, err := h.query.Report(r.Context(), orgnr, year)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orgnr":         orgnr,
		"cache_hit":     hit,
		"year":          entry.Year,
		"type":          entry.Type,
		"artifact_path": entry.ArtifactPath,
		"document":      entry.Payload,
		"fetched_at":    entry.FetchedAt,
	})
}

// Artifact handles GET /report/{orgnr}/artifact?year=, streaming the
// stored report bytes.
func (h *Handlers) Artifact(w http.ResponseWriter, r *http.Request) {
	orgnr := mux.Vars(r)["orgnr"]
	year := 0
	if raw := r.URL.Query().Get("year"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, apperr.New(apperr.KindValidation, "year must be an integer", err))
			return
		}
		year = n
	}

	entry, _, err := h.query.Report(r.Context(), orgnr, year)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := h.artifacts.Get(entry.ArtifactPath)
	if err != nil {
		writeError(w, apperr.New(apperr.KindInternal, "artifact read failed", err))
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment")
	w.Write(data)
}

// Stats handles GET /stats.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.query.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Health handles GET /health: process liveness plus the breaker view of
// the upstream. The service stays healthy while the circuit is open; it
// is still serving cached data.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":         "healthy",
		"uptime_seconds": time.Since(h.startedAt).Seconds(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if h.prober != nil {
		payload["upstream_circuit"] = h.prober.Breaker().Stats()

		// ?upstream=true additionally probes the registry liveness
		// endpoint. It spends a rate-limit slot, so it is opt-in.
		if r.URL.Query().Get("upstream") == "true" {
			if err := h.prober.Health(r.Context()); err != nil {
				payload["upstream"] = "unreachable"
			} else {
				payload["upstream"] = "alive"
			}
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// NotFound is the JSON 404 handler.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeError(w, apperr.Newf(apperr.KindNotFound, nil, "no route for %s", r.URL.Path))
}
