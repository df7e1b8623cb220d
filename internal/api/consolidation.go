package api

import (
	"encoding/json"
	"math/rand"
	"net/http"

	"github.com/gorilla/mux"

	"koopmem/internal/apperr"
	"koopmem/internal/consolidation"
	"koopmem/internal/vault"
)

// consolidationRequest carries either an explicit episode batch or a vault
// filter describing which episodes to replay; the filter form is the usual
// path, the explicit-batch form exists for callers (tests, tooling) that
// already hold the episodes in hand.
type consolidationRequest struct {
	EpisodeIDs []string             `json:"episode_ids"`
	Filter     *vault.Filter        `json:"filter"`
	Limit      int                  `json:"limit"`
	Params     *replayParamsPayload `json:"params"`
}

// replayParamsPayload mirrors consolidation.ReplayParameters for JSON
// bodies, letting callers override individual fields while leaving the
// rest at their server default.
type replayParamsPayload struct {
	InitialTemperature      *float64 `json:"initial_temperature"`
	CoolingRate             *float64 `json:"cooling_rate"`
	AnnealingSteps          *int     `json:"annealing_steps"`
	LearningRate            *float64 `json:"learning_rate"`
	NegativeSamples         *int     `json:"negative_samples"`
	L1Strength              *float64 `json:"l1_strength"`
	MinEnergyImprovement    *float64 `json:"min_energy_improvement"`
	PrioritizeThresholdEdges *bool   `json:"prioritize_threshold_edges"`
	MaxFailureFraction      *float64 `json:"max_failure_fraction"`
}

func (p *replayParamsPayload) apply(base consolidation.ReplayParameters) consolidation.ReplayParameters {
	if p == nil {
		return base
	}
	if p.InitialTemperature != nil {
		base.InitialTemperature = *p.InitialTemperature
	}
	if p.CoolingRate != nil {
		base.CoolingRate = *p.CoolingRate
	}
	if p.AnnealingSteps != nil {
		base.AnnealingSteps = *p.AnnealingSteps
	}
	if p.LearningRate != nil {
		base.LearningRate = *p.LearningRate
	}
	if p.NegativeSamples != nil {
		base.NegativeSamples = *p.NegativeSamples
	}
	if p.L1Strength != nil {
		base.L1Strength = *p.L1Strength
	}
	if p.MinEnergyImprovement != nil {
		base.MinEnergyImprovement = *p.MinEnergyImprovement
	}
	if p.PrioritizeThresholdEdges != nil {
		base.PrioritizeThresholdEdges = *p.PrioritizeThresholdEdges
	}
	if p.MaxFailureFraction != nil {
		base.MaxFailureFraction = *p.MaxFailureFraction
	}
	return base
}

func (s *Server) resolveEpisodes(req consolidationRequest) ([]*vault.Episode, error) {
	if len(req.EpisodeIDs) > 0 {
		episodes := make([]*vault.Episode, 0, len(req.EpisodeIDs))
		for _, id := range req.EpisodeIDs {
			ep, err := s.Vault.Get(id)
			if err != nil {
				return nil, err
			}
			episodes = append(episodes, ep)
		}
		return episodes, nil
	}

	filter := vault.Filter{}
	if req.Filter != nil {
		filter = *req.Filter
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 256
	}
	// Pull a larger candidate pool than the final batch so rank-weighted
	// selection has something to weight among, rather than just taking
	// the first `limit` by recency.
	poolSize := limit * 4
	if poolSize < 256 {
		poolSize = 256
	}
	episodes, _, _, err := s.Vault.ListRecent(filter, poolSize)
	if err != nil {
		return nil, err
	}
	pool := make([]*vault.Episode, len(episodes))
	for i := range episodes {
		pool[i] = &episodes[i]
	}
	return selectRankWeighted(pool, limit), nil
}

// selectRankWeighted samples up to n episodes from pool without
// replacement, with each episode's selection probability proportional to
// its energy (higher-energy episodes are more likely to be replayed).
// Every episode gets a small positive floor weight so zero-energy
// episodes remain eligible.
func selectRankWeighted(pool []*vault.Episode, n int) []*vault.Episode {
	if n <= 0 || len(pool) <= n {
		return pool
	}
	weights := make([]float64, len(pool))
	for i, ep := range pool {
		weights[i] = ep.Energy + 1e-6
	}
	remaining := append([]*vault.Episode(nil), pool...)
	out := make([]*vault.Episode, 0, n)
	for len(out) < n && len(remaining) > 0 {
		total := 0.0
		for i := range remaining {
			total += weights[i]
		}
		pick := rand.Float64() * total
		idx := len(remaining) - 1
		cum := 0.0
		for i := range remaining {
			cum += weights[i]
			if pick <= cum {
				idx = i
				break
			}
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		weights = append(weights[:idx], weights[idx+1:]...)
	}
	return out
}

// handleStartConsolidation is the `StartConsolidation` boundary operation:
// it resolves the episode batch to replay (rank-weighted by energy when
// selected via filter) and hands it to the job controller, returning
// immediately with the queued job.
func (s *Server) handleStartConsolidation(w http.ResponseWriter, r *http.Request) {
	var req consolidationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperr.Invalid("malformed consolidation request: %v", err))
			return
		}
	}

	episodes, err := s.resolveEpisodes(req)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(episodes) == 0 {
		writeError(w, apperr.Invalid("no episodes matched the consolidation request"))
		return
	}

	params := req.Params.apply(s.DefaultReplay)
	job, err := s.Jobs.StartConsolidation(episodes, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetConsolidationStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.Jobs.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelConsolidation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Jobs.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePauseConsolidation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Jobs.Pause(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleResumeConsolidation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Jobs.Resume(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type scheduleRequest struct {
	Name   string               `json:"name"`
	Cron   string               `json:"cron"`
	Filter *vault.Filter        `json:"filter"`
	Limit  int                  `json:"limit"`
	Params *replayParamsPayload `json:"params"`
}

// handleScheduleConsolidation is the `ScheduleConsolidation` boundary
// operation: it registers a named cron schedule that, when
// it fires, replays whatever episodes currently match the given filter.
func (s *Server) handleScheduleConsolidation(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Invalid("malformed schedule request: %v", err))
		return
	}
	if req.Name == "" || req.Cron == "" {
		writeError(w, apperr.Invalid("schedule request requires name and cron"))
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 256
	}
	filter := vault.Filter{}
	if req.Filter != nil {
		filter = *req.Filter
	}
	params := req.Params.apply(s.DefaultReplay)

	source := func() ([]*vault.Episode, error) {
		episodes, _, _, err := s.Vault.ListRecent(filter, limit)
		if err != nil {
			return nil, err
		}
		out := make([]*vault.Episode, len(episodes))
		for i := range episodes {
			out[i] = &episodes[i]
		}
		return out, nil
	}

	if err := s.Scheduler.ScheduleConsolidation(req.Name, req.Cron, source, params); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name, "cron": req.Cron})
}

func (s *Server) handleGetReplayStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Jobs.ReplayStats())
}
