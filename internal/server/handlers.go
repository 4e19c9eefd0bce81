package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fraudguard/riskengine/internal/health"
	"github.com/fraudguard/riskengine/internal/logging"
	"github.com/fraudguard/riskengine/internal/risk"
	"github.com/fraudguard/riskengine/internal/traces"
	"github.com/fraudguard/riskengine/internal/validation"
)

// analyzeRequest is the POST /v1/analyze payload. History is optional: when
// the monitor already holds the account's recent transactions it inlines
// them and skips the history provider round trip.
type analyzeRequest struct {
	Transaction risk.Transaction   `json:"transaction"`
	History     risk.HistoryWindow `json:"history,omitempty"`
}

// analyzeHandler handles POST /v1/analyze
func (s *Server) analyzeHandler(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	tx := req.Transaction
	if errs := validation.Validate(
		validation.Required("transaction.id", tx.ID),
		validation.ValidIdentifier("transaction.id", tx.ID),
		validation.Required("transaction.accountId", tx.AccountID),
		validation.ValidIdentifier("transaction.accountId", tx.AccountID),
		validation.Required("transaction.recipientKey", tx.RecipientKey),
		validation.ValidIdentifier("transaction.recipientKey", tx.RecipientKey),
		validation.MaxLength("transaction.category", tx.Category, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_transaction",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	tx.Category = validation.SanitizeString(tx.Category, validation.MaxStringLength)

	ctx, span := traces.StartSpan(c.Request.Context(), "analyze",
		traces.TransactionID(tx.ID),
		traces.AccountID(tx.AccountID),
	)
	defer span.End()

	var (
		dec *risk.RiskDecision
		err error
	)
	if req.History != nil {
		dec, err = s.engine.AnalyzeWindow(ctx, &tx, req.History)
	} else {
		dec, err = s.engine.Analyze(ctx, &tx)
	}
	if err != nil {
		if errors.Is(err, risk.ErrInvalidTransaction) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_transaction",
				"message": err.Error(),
			})
			return
		}
		logging.L(ctx).Error("analysis failed", "transaction_id", tx.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Analysis failed",
		})
		return
	}

	span.SetAttributes(
		traces.RiskScore(dec.Score),
		traces.DecisionSource(string(dec.Source)),
		traces.TriggeredRule(string(dec.TriggeredRule)),
	)

	c.JSON(http.StatusOK, gin.H{"decision": dec})
}

// listDecisionsHandler handles GET /v1/accounts/:account_id/decisions
func (s *Server) listDecisionsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := c.Param("account_id")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be an integer between 1 and 500",
			})
			return
		}
		limit = n
	}

	decisions, err := s.store.ListByAccount(ctx, accountID, limit)
	if err != nil {
		logging.L(ctx).Error("failed to list decisions",
			"account_id", accountID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list decisions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accountId": accountID,
		"decisions": decisions,
		"count":     len(decisions),
	})
}

// statsHandler handles GET /v1/stats
func (s *Server) statsHandler(c *gin.Context) {
	p := s.engine.Params()
	c.JSON(http.StatusOK, gin.H{
		"feed": s.realtimeHub.Stats(),
		"parameters": gin.H{
			"historyLimit":          p.HistoryLimit,
			"newRecipientThreshold": p.NewRecipientThreshold,
			"escalationFloor":       p.EscalationFloor,
			"deviationMultiplier":   p.DeviationMultiplier,
			"velocity15mThreshold":  p.Velocity15mThreshold,
			"velocity60mThreshold":  p.Velocity60mThreshold,
		},
	})
}

// -----------------------------------------------------------------------------
// Health & info
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.healthChecks.CheckAll(c.Request.Context())

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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "FraudGuard Risk Engine",
		"description": "Transaction risk scoring and escalation decisions",
		"version":     "0.1.0",
	})
}
