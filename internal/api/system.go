package api

import (
	"encoding/json"
	"net/http"

	"koopmem/internal/apperr"
)

// handleResetSystem is the `ResetSystem` boundary operation:
// it clears derived state (weight graph, trace buffer, coupling map,
// fitted spectral model) without touching the episodic vault, which is
// the system's durable record.
func (s *Server) handleResetSystem(w http.ResponseWriter, r *http.Request) {
	type edge struct{ ci, cj int }
	var edges []edge
	s.Graph.ForEach(func(ci, cj int, _ float64) {
		edges = append(edges, edge{ci, cj})
	})
	for _, e := range edges {
		_ = s.Graph.Set(e.ci, e.cj, 0)
	}
	for s.Traces.Len() > 0 {
		s.Traces.Drain()
	}
	s.Couplings.Reset()
	s.setModel(nil)
	w.WriteHeader(http.StatusNoContent)
}

type updateConfigRequest struct {
	PruneThreshold *float64 `json:"prune_threshold"`
}

// handleUpdateConfig is the `UpdateConfig` boundary operation: it applies
// runtime-mutable configuration, currently limited to the prune threshold
// that consolidation jobs started afterwards through this server apply in
// their final Prune, without requiring a restart. The weight graph's own
// Set-time threshold is unchanged.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req updateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Invalid("malformed config update: %v", err))
		return
	}
	if req.PruneThreshold != nil {
		if *req.PruneThreshold < 0 {
			writeError(w, apperr.Invalid("prune_threshold must be >= 0"))
			return
		}
		s.DefaultReplay.PruneThreshold = *req.PruneThreshold
	}
	w.WriteHeader(http.StatusNoContent)
}
