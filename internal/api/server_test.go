package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/cache"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/database"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/drift"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/monitoring"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/ratelimit"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/rubric"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/rubric/rubrictest"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/scoring"
)

var at = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type testServer struct {
	server  *Server
	repo    *database.Repository
	metrics *monitoring.Metrics
	cache   *cache.Cache
}

func newTestServer(t *testing.T, overrides map[string]string, opts Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := monitoring.NewLogger(io.Discard, "error")
	metrics := monitoring.NewMetrics()
	repo := database.NewRepository(db, logger.Logger)

	if opts.Cache == nil {
		opts.Cache = cache.NewCache(time.Minute, nil, metrics, logger.Logger)
		t.Cleanup(opts.Cache.Close)
	}

	server := NewServer(repo, rubrictest.Load(t, overrides), metrics, logger, opts)
	return &testServer{server: server, repo: repo, metrics: metrics, cache: opts.Cache}
}

func (ts *testServer) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	}
	return w, body
}

func (ts *testServer) seedScores(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, ts.repo.UpsertDecisionScore(ctx, scoring.DecisionScore{
		ID: "motion-score", MeetingID: "m1", MotionID: "mo1", ComputedAt: at,
		ScoreResult: scoring.ScoreResult{
			OverallScore: -5,
			AxisScores:   map[string]float64{rubric.FiscalRestraint: -5},
			Confidence:   0.6,
			Flags:        []string{},
		},
	}))
	require.NoError(t, ts.repo.UpsertDecisionScore(ctx, scoring.DecisionScore{
		ID: "vote-score", MeetingID: "m1", MotionID: "mo1", VoteID: "v1", Official: "Adams",
		ComputedAt: at.Add(time.Minute),
		ScoreResult: scoring.ScoreResult{
			OverallScore:  -5,
			AxisScores:    map[string]float64{rubric.FiscalRestraint: -5},
			EvidenceTrail: []string{"vote_choice:aye", "official:Adams"},
			Confidence:    1,
			Flags:         []string{},
		},
	}))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil, Options{})

	w, body := ts.get(t, "/health")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["rubric_version"])
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "ok", checks["database"])
	assert.Equal(t, "disabled", checks["redis"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestScores(t *testing.T) {
	ts := newTestServer(t, nil, Options{})
	ts.seedScores(t)

	tests := []struct {
		name    string
		path    string
		wantIDs []string
	}{
		{"all newest first", "/api/scores", []string{"vote-score", "motion-score"}},
		{"by official", "/api/scores?official=Adams", []string{"vote-score"}},
		{"vote only", "/api/scores?vote_only=true", []string{"vote-score"}},
		{"limit", "/api/scores?limit=1", []string{"vote-score"}},
		{"unknown official", "/api/scores?official=Nobody", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := ts.get(t, tt.path)
			require.Equal(t, http.StatusOK, w.Code)

			ids := []string{}
			for _, s := range body["scores"].([]interface{}) {
				ids = append(ids, s.(map[string]interface{})["id"].(string))
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, float64(len(tt.wantIDs)), body["count"])
		})
	}

	_, body := ts.get(t, "/api/scores?official=Adams")
	score := body["scores"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"fiscal_restraint": -5.0}, score["axis_scores"])
	assert.Equal(t, "Adams", score["official"])
}

func TestScoresKeepEmptyAxisBreakdown(t *testing.T) {
	ts := newTestServer(t, nil, Options{})
	require.NoError(t, ts.repo.UpsertDecisionScore(context.Background(), scoring.DecisionScore{
		ID: "orphan-score", MeetingID: "m1", VoteID: "v9", ComputedAt: at,
		ScoreResult: scoring.ScoreResult{
			EvidenceTrail: []string{"vote_without_motion"},
			Flags:         []string{scoring.FlagInsufficientEvidence},
		},
	}))

	_, body := ts.get(t, "/api/scores")

	scores := body["scores"].([]interface{})
	require.Len(t, scores, 1)
	score := scores[0].(map[string]interface{})
	require.Contains(t, score, "axis_scores")
	assert.Equal(t, map[string]interface{}{}, score["axis_scores"])
}

func TestScoresWithoutAxisBreakdown(t *testing.T) {
	config := strings.Replace(rubrictest.Files[rubric.ConfigFile],
		"include_axis_breakdown = true", "include_axis_breakdown = false", 1)
	ts := newTestServer(t, map[string]string{rubric.ConfigFile: config}, Options{})
	ts.seedScores(t)

	_, body := ts.get(t, "/api/scores")

	for _, s := range body["scores"].([]interface{}) {
		score := s.(map[string]interface{})
		assert.NotContains(t, score, "axis_scores")
		assert.Contains(t, score, "overall_score")
	}
}

func TestInvalidQuery(t *testing.T) {
	ts := newTestServer(t, nil, Options{})

	for _, path := range []string{
		"/api/scores?limit=zero",
		"/api/scores?limit=5000",
		"/api/scores?vote_only=maybe",
		"/api/runs?limit=-1",
		"/api/officials/Adams/drift?limit=0",
	} {
		t.Run(path, func(t *testing.T) {
			w, body := ts.get(t, path)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "validation", body["category"])
		})
	}
}

func TestDriftIsCached(t *testing.T) {
	ts := newTestServer(t, nil, Options{})
	ctx := context.Background()

	record := drift.Record{
		ID:             drift.RecordID("Adams", rubric.FiscalRestraint, at),
		Official:       "Adams",
		Axis:           rubric.FiscalRestraint,
		PriorAverage:   10,
		CurrentAverage: -5,
		Deviation:      -15,
		Flags:          []string{scoring.DriftFlag(rubric.FiscalRestraint)},
		WindowStart:    at.AddDate(0, 0, -7),
		WindowEnd:      at,
		ComputedAt:     at,
	}
	require.NoError(t, ts.repo.UpsertDriftRecord(ctx, record))

	w, body := ts.get(t, "/api/officials/Adams/drift")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Adams", body["official"])
	assert.Equal(t, 1.0, body["count"])
	first := body["records"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, -15.0, first["deviation"])

	// A second record is invisible until the cached listing expires.
	second := record
	second.ID = drift.RecordID("Adams", "transparency", at)
	second.Axis = "transparency"
	require.NoError(t, ts.repo.UpsertDriftRecord(ctx, second))

	_, body = ts.get(t, "/api/officials/Adams/drift")
	assert.Equal(t, 1.0, body["count"])
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.CacheRequests.WithLabelValues("hit")))

	_, body = ts.get(t, "/api/officials/Nobody/drift")
	assert.Equal(t, 0.0, body["count"])
	assert.Empty(t, body["records"])
}

func TestRuns(t *testing.T) {
	ts := newTestServer(t, nil, Options{})
	require.NoError(t, ts.repo.SaveRun(context.Background(), database.Run{
		ID: "run-1", RubricVersion: "abc", WindowStart: at.AddDate(0, 0, -7), WindowEnd: at,
		StartedAt: at, FinishedAt: at.Add(time.Second), Motions: 3, DriftEvents: 1,
	}))

	w, body := ts.get(t, "/api/runs")

	require.Equal(t, http.StatusOK, w.Code)
	runs := body["runs"].([]interface{})
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].(map[string]interface{})["id"])
	assert.Equal(t, 3.0, runs[0].(map[string]interface{})["motions"])
}

func TestRubricEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, Options{})

	w, body := ts.get(t, "/api/rubric")

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, body["version"])
	assert.Equal(t, 1.5, body["axis_weights"].(map[string]interface{})["property_rights"])
	assert.Equal(t, []interface{}{"budget", "zoning", "public_notice"}, body["tags"])
}

func TestMetricsAndRateLimit(t *testing.T) {
	limiter := ratelimit.NewRateLimiter(nil, ratelimit.Config{RequestsPerSecond: 0.001, Burst: 2}, nil, nil)
	t.Cleanup(limiter.Close)
	ts := newTestServer(t, nil, Options{Limiter: limiter})

	for i := 0; i < 2; i++ {
		w, _ := ts.get(t, "/api/runs")
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w, _ := ts.get(t, "/api/runs")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w, _ = ts.get(t, "/health")
	assert.Equal(t, http.StatusOK, w.Code, "health is never limited")

	w, _ = ts.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `larue_http_requests_total{method="GET",route="/api/runs",status="429"} 1`)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, nil, Options{AllowedOrigins: []string{"https://larue.example"}})

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Origin", "https://larue.example")
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)

	assert.Equal(t, "https://larue.example", w.Header().Get("Access-Control-Allow-Origin"))
}
