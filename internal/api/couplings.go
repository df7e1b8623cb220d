package api

import (
	"encoding/json"
	"net/http"
	"time"

	"koopmem/internal/apperr"
	"koopmem/internal/coupling"
)

type updateCouplingsRequest struct {
	CouplingGain           float64 `json:"coupling_gain"`
	MaxPairs               int     `json:"max_pairs"`
	MinEigenvalueMagnitude float64 `json:"min_eigenvalue_magnitude"`
	MaxCouplingStrength    float64 `json:"max_coupling_strength"`
	EnforceStability       bool    `json:"enforce_stability"`
	DryRun                 bool    `json:"dry_run"`
}

func (req updateCouplingsRequest) toUpdateRequest() coupling.UpdateRequest {
	return coupling.UpdateRequest{
		Gain:                   req.CouplingGain,
		MaxPairs:               req.MaxPairs,
		MinEigenvalueMagnitude: req.MinEigenvalueMagnitude,
		MaxCouplingStrength:    req.MaxCouplingStrength,
		EnforceStability:       req.EnforceStability,
	}
}

// handleUpdateOscillatorCouplings is the `UpdateOscillatorCouplings`
// boundary operation: it derives coupling strengths from the dominant
// concepts of the current spectral model's modes, applying them unless
// dry_run is set.
func (s *Server) handleUpdateOscillatorCouplings(w http.ResponseWriter, r *http.Request) {
	model := s.currentModel()
	if model == nil {
		writeError(w, apperr.NotFoundf("no spectral model has been fitted yet"))
		return
	}

	var req updateCouplingsRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperr.Invalid("malformed coupling update request: %v", err))
			return
		}
	}
	updateReq := req.toUpdateRequest()

	if req.DryRun {
		proposals := s.Couplings.ProposeFromSpectrum(model, updateReq)
		writeJSON(w, http.StatusOK, map[string]interface{}{"proposals": proposals})
		return
	}

	proposals, err := s.Couplings.UpdateFromSpectrum(model, time.Now().UTC(), updateReq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"proposals": proposals})
}
