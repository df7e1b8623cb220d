package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"koopmem/internal/activation"
	"koopmem/internal/consolidation"
	"koopmem/internal/coupling"
	"koopmem/internal/jobs"
	"koopmem/internal/spectral"
	"koopmem/internal/trace"
	"koopmem/internal/vault"
	"koopmem/internal/weightgraph"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	v, err := vault.Open(vault.Config{Dir: dir, SegmentSizeBytes: 1 << 20, Fsync: vault.FsyncOff})
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })

	graph := weightgraph.New(16, 0.01)
	engine := consolidation.NewEngine(graph, trace.NewBuffer(32))
	ctrl := jobs.New(jobs.Config{Engine: engine})
	scheduler := jobs.NewScheduler(ctrl)

	return &Server{
		Vault:         v,
		Graph:         graph,
		Jobs:          ctrl,
		Scheduler:     scheduler,
		Traces:        trace.NewBuffer(32),
		Learner:       spectral.NewIncrementalLearner(16, 0, 4),
		Couplings:     coupling.New(1.0),
		KclStats:      spectral.NewStatsTracker(0),
		DefaultReplay: consolidation.DefaultReplayParameters(),
	}
}

func mustActivationJSON(t *testing.T, ids ...int) json.RawMessage {
	t.Helper()
	ca, err := activation.NewSparse(16, ids, nil)
	require.NoError(t, err)
	b, err := json.Marshal(ca)
	require.NoError(t, err)
	return b
}

func doJSON(t *testing.T, r *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.Body.Bytes(), v))
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestPutAndGetEpisode(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	body, err := json.Marshal(map[string]interface{}{
		"created_at": time.Now().UTC(),
		"source":     map[string]string{"type": "test"},
		"activation": json.RawMessage(mustActivationJSON(t, 1, 2, 3)),
	})
	require.NoError(t, err)

	putReq := httptest.NewRequest(http.MethodPost, "/episodes", bytes.NewReader(body))
	putRR := httptest.NewRecorder()
	router.ServeHTTP(putRR, putReq)
	require.Equal(t, http.StatusCreated, putRR.Code)

	var putResp map[string]string
	doJSON(t, putRR, &putResp)
	id := putResp["id"]
	require.NotEmpty(t, id)

	getReq := httptest.NewRequest(http.MethodGet, "/episodes/"+id, nil)
	getRR := httptest.NewRecorder()
	router.ServeHTTP(getRR, getReq)
	require.Equal(t, http.StatusOK, getRR.Code)

	var ep vault.Episode
	doJSON(t, getRR, &ep)
	require.Equal(t, id, ep.ID)
}

func TestGetUnknownEpisodeReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/episodes/does-not-exist", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListRecentAndStats(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	for i := 0; i < 3; i++ {
		body, err := json.Marshal(map[string]interface{}{
			"created_at": time.Now().UTC(),
			"source":     map[string]string{"type": "test"},
			"activation": json.RawMessage(mustActivationJSON(t, i)),
		})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/episodes", bytes.NewReader(body))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/episodes?limit=10", nil)
	listRR := httptest.NewRecorder()
	router.ServeHTTP(listRR, listReq)
	require.Equal(t, http.StatusOK, listRR.Code)

	var listResp map[string]interface{}
	doJSON(t, listRR, &listResp)
	require.EqualValues(t, 3, listResp["total"])

	statsReq := httptest.NewRequest(http.MethodGet, "/episodes/stats", nil)
	statsRR := httptest.NewRecorder()
	router.ServeHTTP(statsRR, statsReq)
	require.Equal(t, http.StatusOK, statsRR.Code)

	var stats vault.StatsResult
	doJSON(t, statsRR, &stats)
	require.Equal(t, 3, stats.Total)
}

func TestPurgeTTLDryRun(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	body, err := json.Marshal(map[string]interface{}{"max_age_seconds": 0, "dry_run": true})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/episodes/purge", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}
