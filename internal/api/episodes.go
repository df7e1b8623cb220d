package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"koopmem/internal/apperr"
	"koopmem/internal/vault"
)

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}

func (s *Server) handlePutEpisode(w http.ResponseWriter, r *http.Request) {
	var ep vault.Episode
	if err := json.NewDecoder(r.Body).Decode(&ep); err != nil {
		writeError(w, apperr.Invalid("malformed episode body: %v", err))
		return
	}
	id, err := s.Vault.Put(&ep)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetEpisode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ep, err := s.Vault.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleListRecent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := vault.Filter{
		Since:       parseTimeQuery(r, "since"),
		Until:       parseTimeQuery(r, "until"),
		SourceType:  q.Get("source_type"),
		IncludeTags: q["include_tag"],
		ExcludeTags: q["exclude_tag"],
	}
	if v := q.Get("min_energy"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filter.MinEnergy = &f
		}
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	episodes, total, hasMore, err := s.Vault.ListRecent(filter, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"episodes": episodes,
		"total":    total,
		"has_more": hasMore,
	})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.Vault.Stats(parseTimeQuery(r, "since"), parseTimeQuery(r, "until"))
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePurgeTTL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxAgeSeconds int64 `json:"max_age_seconds"`
		MinRefCount   int   `json:"min_ref_count"`
		DryRun        bool  `json:"dry_run"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Invalid("malformed purge request: %v", err))
		return
	}
	purged, freedBytes, err := s.Vault.PurgeTTL(secondsToDuration(req.MaxAgeSeconds), req.MinRefCount, req.DryRun)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"purged":      purged,
		"freed_bytes": freedBytes,
		"dry_run":     req.DryRun,
	})
}
