package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/database"
	apperrors "github.com/Yisonco-Stellargold/larue-civic-intel/internal/errors"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/scoring"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// scoreView shadows the embedded axis scores so they can be omitted when
// the rubric disables the axis breakdown. A nil pointer omits the field; an
// empty breakdown still renders as {}.
type scoreView struct {
	scoring.DecisionScore
	AxisScores *map[string]float64 `json:"axis_scores,omitempty"`
}

func (s *Server) view(score scoring.DecisionScore) scoreView {
	v := scoreView{DecisionScore: score}
	if s.rubric.Output().IncludeAxisBreakdown {
		axes := score.AxisScores
		if axes == nil {
			axes = map[string]float64{}
		}
		v.AxisScores = &axes
	}
	return v
}

func queryLimit(c *gin.Context, fallback int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxLimit {
		return 0, apperrors.NewValidationError(
			fmt.Sprintf("limit must be an integer between 1 and %d", maxLimit), raw)
	}
	return limit, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	status, code := "ok", http.StatusOK
	checks := gin.H{}

	if err := s.repo.Ping(ctx); err != nil {
		status, code = "unavailable", http.StatusServiceUnavailable
		checks["database"] = err.Error()
	} else {
		checks["database"] = "ok"
	}

	switch {
	case !s.redis.IsEnabled():
		checks["redis"] = "disabled"
	case s.redis.HealthCheck(ctx) != nil:
		// Rate limiting and caching fall back to memory
		if status == "ok" {
			status = "degraded"
		}
		checks["redis"] = "unreachable"
	default:
		checks["redis"] = "ok"
	}

	c.JSON(code, gin.H{
		"status":         status,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"rubric_version": s.rubric.Version(),
		"uptime_seconds": int64(s.metrics.Uptime().Seconds()),
		"checks":         checks,
	})
}

func (s *Server) handleScores(c *gin.Context) {
	limit, err := queryLimit(c, defaultLimit)
	if err != nil {
		_ = c.Error(err)
		return
	}

	filter := database.ScoreFilter{
		Official:  c.Query("official"),
		MeetingID: c.Query("meeting_id"),
		MotionID:  c.Query("motion_id"),
		Limit:     limit,
	}
	if raw := c.Query("vote_only"); raw != "" {
		if filter.VoteOnly, err = strconv.ParseBool(raw); err != nil {
			_ = c.Error(apperrors.NewValidationError("vote_only must be a boolean", raw))
			return
		}
	}

	scores, err := s.repo.DecisionScores(c.Request.Context(), filter)
	if err != nil {
		_ = c.Error(err)
		return
	}

	views := make([]scoreView, 0, len(scores))
	for _, score := range scores {
		views = append(views, s.view(score))
	}
	c.JSON(http.StatusOK, gin.H{"scores": views, "count": len(views)})
}

func (s *Server) handleDrift(c *gin.Context) {
	official := c.Param("name")
	limit, err := queryLimit(c, defaultLimit)
	if err != nil {
		_ = c.Error(err)
		return
	}

	load := func(ctx context.Context) ([]byte, error) {
		records, err := s.repo.DriftRecords(ctx, official, limit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(gin.H{"official": official, "records": records, "count": len(records)})
	}

	var body []byte
	if s.cache != nil {
		body, err = s.cache.GetOrLoad(c.Request.Context(), fmt.Sprintf("drift:%s:%d", official, limit), load)
	} else {
		body, err = load(c.Request.Context())
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

func (s *Server) handleRuns(c *gin.Context) {
	limit, err := queryLimit(c, 10)
	if err != nil {
		_ = c.Error(err)
		return
	}

	runs, err := s.repo.RecentRuns(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (s *Server) handleRubric(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":       s.rubric.Version(),
		"general":       s.rubric.General(),
		"output":        s.rubric.Output(),
		"axis_weights":  s.rubric.AxisWeights(),
		"scoring_rules": s.rubric.ScoringRules(),
		"bias_controls": s.rubric.BiasControls(),
		"tags":          s.rubric.RubricTags(),
		"issue_tags":    s.rubric.Vocabulary().Tags(),
		"cited_axes":    s.rubric.CitedAxes(),
	})
}
