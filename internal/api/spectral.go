package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"koopmem/internal/activation"
	"koopmem/internal/apperr"
	"koopmem/internal/trace"
)

type activationBatchRequest struct {
	Activations  []*activation.ConceptActivation `json:"activations"`
	SampleRateMS int64                           `json:"sample_rate_ms"`
}

// handleProcessActivationBatch is the `ProcessActivationBatch` boundary
// operation: it turns a batch of activations into a trace and hands it to
// the job controller as a dmd_processing job, returning immediately with
// the queued job id. GetProcessingStatus polls the job for its result.
func (s *Server) handleProcessActivationBatch(w http.ResponseWriter, r *http.Request) {
	var req activationBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Invalid("malformed activation batch: %v", err))
		return
	}
	if len(req.Activations) == 0 {
		writeError(w, apperr.Invalid("activation batch must contain at least one activation"))
		return
	}
	for _, a := range req.Activations {
		if err := a.Canonicalize(); err != nil {
			writeError(w, err)
			return
		}
	}

	sampleRate := time.Duration(req.SampleRateMS) * time.Millisecond
	if sampleRate <= 0 {
		sampleRate = time.Second
	}

	tr := trace.BuildFromActivations(req.Activations, sampleRate)
	s.Traces.Append(tr)

	job, err := s.Jobs.StartSpectralFit([]trace.Trace{tr}, s.Learner, s.KclStats, s.setModel)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":               job.ID,
		"accepted":             true,
		"trace_count":          1,
		"snapshots_ingested":   len(tr.Snapshots),
		"estimated_completion": time.Now().UTC().Add(time.Duration(len(tr.Snapshots)) * 50 * time.Millisecond),
	})
}

// handleGetProcessingStatus is the `GetProcessingStatus` boundary
// operation: it looks up a dmd_processing job by id and returns its
// lifecycle status, including the dominant eigenvalues, prediction error
// and mode sparsity once the job has COMPLETED.
func (s *Server) handleGetProcessingStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.Jobs.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetSpectralModes(w http.ResponseWriter, r *http.Request) {
	model := s.currentModel()
	if model == nil {
		writeError(w, apperr.NotFoundf("no spectral model has been fitted yet"))
		return
	}
	writeJSON(w, http.StatusOK, model)
}

type predictRequest struct {
	Initial            []float64 `json:"initial"`
	Steps              int       `json:"steps"`
	Reconstruct        bool      `json:"reconstruct"`
	IncludeUncertainty bool      `json:"include_uncertainty"`
}

// handlePredictActivations is the `PredictActivations` boundary operation:
// it projects an initial state onto the current model's modes and advances
// or reconstructs the trajectory. When include_uncertainty is set, it also
// reports a per-concept uncertainty band at the requested horizon, derived
// from each mode's damping,
// since growth or decay in the underlying eigenvalues compounds forecast
// error with the prediction horizon.
func (s *Server) handlePredictActivations(w http.ResponseWriter, r *http.Request) {
	model := s.currentModel()
	if model == nil {
		writeError(w, apperr.NotFoundf("no spectral model has been fitted yet"))
		return
	}
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Invalid("malformed predict request: %v", err))
		return
	}
	if req.Steps <= 0 {
		req.Steps = 1
	}

	coeffs, err := model.Coefficients(req.Initial)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{}
	if req.Reconstruct {
		resp["trajectory"] = model.Reconstruct(coeffs, req.Steps)
	} else {
		resp["state"] = model.Advance(coeffs, req.Steps)
	}
	if req.IncludeUncertainty {
		resp["uncertainty"] = model.PredictionUncertainty(coeffs, req.Steps)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetStabilityAnalysis(w http.ResponseWriter, r *http.Request) {
	model := s.currentModel()
	if model == nil {
		writeError(w, apperr.NotFoundf("no spectral model has been fitted yet"))
		return
	}
	writeJSON(w, http.StatusOK, model.AnalyzeStability(nil))
}

func (s *Server) handleGetKclStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.KclStats.Summary())
}
