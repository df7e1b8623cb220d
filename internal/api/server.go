// Package api binds every boundary operation of the memory substrate to HTTP
// handlers via gorilla/mux, in a minimal REST style with no middleware
// framework.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"koopmem/internal/apperr"
	"koopmem/internal/consolidation"
	"koopmem/internal/coupling"
	"koopmem/internal/jobs"
	"koopmem/internal/spectral"
	"koopmem/internal/trace"
	"koopmem/internal/vault"
	"koopmem/internal/weightgraph"
)

// Server wires every component needed to serve the boundary operations.
type Server struct {
	Vault      *vault.Vault
	Graph      *weightgraph.Graph
	Jobs       *jobs.Controller
	Scheduler  *jobs.Scheduler
	Traces     *trace.Buffer
	Learner    *spectral.IncrementalLearner
	Couplings  *coupling.Map
	KclStats   *spectral.StatsTracker
	DefaultReplay consolidation.ReplayParameters

	mu          sync.RWMutex
	lastModel   *spectral.Model
}

// Router builds the mux.Router exposing every handler.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/episodes", s.handlePutEpisode).Methods(http.MethodPost)
	r.HandleFunc("/episodes/{id}", s.handleGetEpisode).Methods(http.MethodGet)
	r.HandleFunc("/episodes", s.handleListRecent).Methods(http.MethodGet)
	r.HandleFunc("/episodes/stats", s.handleGetStats).Methods(http.MethodGet)
	r.HandleFunc("/episodes/purge", s.handlePurgeTTL).Methods(http.MethodPost)

	r.HandleFunc("/consolidation/jobs", s.handleStartConsolidation).Methods(http.MethodPost)
	r.HandleFunc("/consolidation/jobs/{id}", s.handleGetConsolidationStatus).Methods(http.MethodGet)
	r.HandleFunc("/consolidation/jobs/{id}/cancel", s.handleCancelConsolidation).Methods(http.MethodPost)
	r.HandleFunc("/consolidation/jobs/{id}/pause", s.handlePauseConsolidation).Methods(http.MethodPost)
	r.HandleFunc("/consolidation/jobs/{id}/resume", s.handleResumeConsolidation).Methods(http.MethodPost)
	r.HandleFunc("/consolidation/schedule", s.handleScheduleConsolidation).Methods(http.MethodPost)
	r.HandleFunc("/consolidation/replay-stats", s.handleGetReplayStats).Methods(http.MethodGet)

	r.HandleFunc("/spectral/activations", s.handleProcessActivationBatch).Methods(http.MethodPost)
	r.HandleFunc("/spectral/jobs/{id}", s.handleGetProcessingStatus).Methods(http.MethodGet)
	r.HandleFunc("/spectral/modes", s.handleGetSpectralModes).Methods(http.MethodGet)
	r.HandleFunc("/spectral/predict", s.handlePredictActivations).Methods(http.MethodPost)
	r.HandleFunc("/spectral/stability", s.handleGetStabilityAnalysis).Methods(http.MethodGet)
	r.HandleFunc("/spectral/kcl-stats", s.handleGetKclStats).Methods(http.MethodGet)

	r.HandleFunc("/couplings", s.handleUpdateOscillatorCouplings).Methods(http.MethodPost)

	r.HandleFunc("/system/reset", s.handleResetSystem).Methods(http.MethodPost)
	r.HandleFunc("/system/config", s.handleUpdateConfig).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if ae, ok := err.(*apperr.Error); ok {
		switch ae.Kind {
		case apperr.InvalidInput:
			status = http.StatusBadRequest
		case apperr.NotFound:
			status = http.StatusNotFound
		case apperr.Conflict:
			status = http.StatusConflict
		case apperr.ResourceExhausted:
			status = http.StatusTooManyRequests
		case apperr.StabilityViolation:
			status = http.StatusUnprocessableEntity
		case apperr.Cancelled:
			status = http.StatusGone
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) currentModel() *spectral.Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastModel
}

func (s *Server) setModel(m *spectral.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastModel = m
}

// parseTimeQuery parses an RFC3339 query parameter, returning nil when
// absent or malformed.
func parseTimeQuery(r *http.Request, key string) *time.Time {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}
