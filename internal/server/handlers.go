package server

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/txsentry/internal/chain"
	"github.com/mbd888/txsentry/internal/logging"
	"github.com/mbd888/txsentry/internal/predictor"
	"github.com/mbd888/txsentry/internal/risk"
)

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// riskHandler serves GET /v1/transactions/:hash/risk
func (s *Server) riskHandler(c *gin.Context) {
	hash := c.Param("hash")

	res, err := s.assessor.ScoreTransaction(c.Request.Context(), hash)
	if err != nil {
		s.renderScoringError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// recordHandler serves GET /v1/transactions/:hash/record: the normalized
// transaction without scoring it.
func (s *Server) recordHandler(c *gin.Context) {
	hash := c.Param("hash")

	rec, err := s.assessor.Record(c.Request.Context(), hash)
	if err != nil {
		s.renderScoringError(c, err)
		return
	}

	c.JSON(http.StatusOK, rec)
}

// historyHandler serves GET /v1/addresses/:address/assessments
func (s *Server) historyHandler(c *gin.Context) {
	address := c.Param("address")

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be an integer between 1 and 100",
			})
			return
		}
		limit = n
	}

	results, err := s.assessor.History(c.Request.Context(), address, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("history lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load assessment history",
		})
		return
	}
	if results == nil {
		results = []*risk.Result{}
	}

	c.JSON(http.StatusOK, gin.H{
		"address":     address,
		"assessments": results,
		"count":       len(results),
	})
}

// thresholdsHandler serves GET /v1/thresholds: read-only view of the active
// rule configuration, monetary cutoffs as fixed-point decimal strings.
func (s *Server) thresholdsHandler(c *gin.Context) {
	th := s.assessor.Thresholds()

	verified := make([]string, 0, len(th.VerifiedContracts))
	for addr := range th.VerifiedContracts {
		verified = append(verified, addr)
	}
	sort.Strings(verified)

	c.JSON(http.StatusOK, gin.H{
		"highValueEth":       th.HighValueEth.FloatString(6),
		"gasLowGwei":         th.GasLowGwei.FloatString(6),
		"gasModerateGwei":    th.GasModerateGwei.FloatString(6),
		"gasHighGwei":        th.GasHighGwei.FloatString(6),
		"newAccountTxs":      th.NewAccountTxs,
		"frequentTxLogs":     th.FrequentTxLogs,
		"oldTxAgeHours":      th.OldTxAgeHours,
		"oldTxMinScore":      th.OldTxMinScore,
		"maxScore":           th.MaxScore,
		"roundNumberEnabled": th.RoundNumberEnabled,
		"verifiedContracts":  verified,
	})
}

// renderScoringError maps chain and predictor errors to HTTP statuses.
func (s *Server) renderScoringError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chain.ErrInvalidInput), errors.Is(err, chain.ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": err.Error(),
		})
	case errors.Is(err, chain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not found on chain",
		})
	case errors.Is(err, chain.ErrSignalUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "signals_unavailable",
			"message": "Sender signals could not be gathered; no score produced",
		})
	case errors.Is(err, predictor.ErrUnavailable):
		// Should not surface (the engine degrades instead), kept as a guard.
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "predictor_unavailable",
			"message": err.Error(),
		})
	default:
		logging.L(c.Request.Context()).Error("scoring failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "rpc_error",
			"message": "Upstream RPC request failed",
		})
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
			if st.Detail != "" {
				checks[st.Name] = "healthy: " + st.Detail
			}
		} else {
			checks[st.Name] = "unhealthy: " + st.Detail
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
