package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// waitForJobStatus polls /spectral/jobs/{id} until it reaches want or the
// timeout expires.
func waitForJobStatus(t *testing.T, router interface {
	ServeHTTP(http.ResponseWriter, *http.Request)
}, jobID, want string, timeout time.Duration) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last map[string]interface{}
	for time.Now().Before(deadline) {
		req := httptest.NewRequest(http.MethodGet, "/spectral/jobs/"+jobID, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
		var job map[string]interface{}
		doJSON(t, rr, &job)
		last = job
		if job["status"] == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s, last seen %v", jobID, want, last)
	return nil
}

func TestSpectralModesNotFoundBeforeAnyFit(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/spectral/modes", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestProcessActivationBatchQueuesSpectralFitJob(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	acts := make([]json.RawMessage, 0, 6)
	for i := 0; i < 6; i++ {
		acts = append(acts, mustActivationJSON(t, i%16))
	}
	body, err := json.Marshal(map[string]interface{}{"activations": acts, "sample_rate_ms": 100})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/spectral/activations", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp map[string]interface{}
	doJSON(t, rr, &resp)
	require.EqualValues(t, 6, resp["snapshots_ingested"])
	jobID, _ := resp["job_id"].(string)
	require.NotEmpty(t, jobID)

	job := waitForJobStatus(t, router, jobID, "COMPLETED", time.Second)
	require.Equal(t, "dmd_processing", job["kind"])

	modesReq := httptest.NewRequest(http.MethodGet, "/spectral/modes", nil)
	modesRR := httptest.NewRecorder()
	router.ServeHTTP(modesRR, modesReq)
	require.Equal(t, http.StatusOK, modesRR.Code)

	kclReq := httptest.NewRequest(http.MethodGet, "/spectral/kcl-stats", nil)
	kclRR := httptest.NewRecorder()
	router.ServeHTTP(kclRR, kclReq)
	require.Equal(t, http.StatusOK, kclRR.Code)
}

func TestUpdateOscillatorCouplingsRequiresFittedModel(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	req := httptest.NewRequest(http.MethodPost, "/couplings", bytes.NewReader([]byte(`{"coupling_gain":1.0}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestResetSystemClearsDerivedState(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	require.NoError(t, s.Graph.Set(1, 2, 0.5))
	require.Equal(t, 1, s.Graph.EdgeCount())

	req := httptest.NewRequest(http.MethodPost, "/system/reset", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, 0, s.Graph.EdgeCount())
}

func TestUpdateConfigChangesPruneThreshold(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	body := []byte(`{"prune_threshold": 0.2}`)
	req := httptest.NewRequest(http.MethodPost, "/system/config", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, 0.2, s.DefaultReplay.PruneThreshold)
}
