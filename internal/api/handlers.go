package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"copy-trading-bot/internal/account"
	"copy-trading-bot/internal/auth"
	"copy-trading-bot/internal/broker"
	"copy-trading-bot/internal/copytrade"
	"copy-trading-bot/internal/ledger"
	"copy-trading-bot/internal/mode"
	"copy-trading-bot/internal/position"
	"copy-trading-bot/internal/risk"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var brokerErr *broker.Error
	switch {
	case errors.Is(err, account.ErrAccountNotFound),
		errors.Is(err, position.ErrPositionNotFound),
		errors.Is(err, risk.ErrBreakerNotFound):
		return http.StatusNotFound
	case errors.Is(err, copytrade.ErrNotMaster),
		errors.Is(err, copytrade.ErrInvalidDecision),
		errors.Is(err, position.ErrInvalidQuantity),
		errors.Is(err, position.ErrBelowMinimum):
		return http.StatusBadRequest
	case errors.Is(err, copytrade.ErrAlreadyOpen),
		errors.Is(err, position.ErrPositionExists),
		errors.Is(err, position.ErrNotOpen):
		return http.StatusConflict
	case errors.Is(err, copytrade.ErrConfidenceFiltered):
		return http.StatusUnprocessableEntity
	case risk.IsBlocked(err):
		return http.StatusForbidden
	case errors.Is(err, broker.ErrNoRoute), errors.As(err, &brokerErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleDecision accepts a strategy decision for a master account
// POST /api/decisions
func (s *Server) handleDecision(c *gin.Context) {
	var d copytrade.Decision
	if err := c.ShouldBindJSON(&d); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	summary, err := s.deps.Copier.OnDecision(c.Request.Context(), d)
	if err != nil {
		s.logger.Warn().Err(err).Str("master", d.MasterID).Str("symbol", d.Symbol).Msg("Decision rejected")
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, summary)
}

type closeMasterRequest struct {
	MasterID string  `json:"master_id" binding:"required"`
	Symbol   string  `json:"symbol" binding:"required"`
	Fraction float64 `json:"fraction"`
	Reason   string  `json:"reason"`
}

// handleCloseMaster closes a master position and propagates the close
// POST /api/positions/close
func (s *Server) handleCloseMaster(c *gin.Context) {
	var req closeMasterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Fraction <= 0 {
		req.Fraction = 1
	}
	if req.Reason == "" {
		req.Reason = "operator close by " + auth.Subject(c)
	}

	summary, err := s.deps.Copier.CloseMaster(c.Request.Context(), req.MasterID, req.Symbol, req.Fraction, req.Reason)
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, summary)
}

// GET /api/breakers
func (s *Server) handleGetBreakers(c *gin.Context) {
	successResponse(c, s.deps.Supervisor.States())
}

type accountView struct {
	account.Overview
	Breaker  string                 `json:"breaker"`
	Bindings []broker.BindingStatus `json:"bindings,omitempty"`
}

// GET /api/accounts
func (s *Server) handleGetAccounts(c *gin.Context) {
	overviews := s.deps.Registry.Overviews()
	out := make([]accountView, 0, len(overviews))
	for _, o := range overviews {
		v := accountView{Overview: o, Breaker: string(s.deps.Supervisor.AccountState(o.Account.ID).State)}
		if s.deps.Bindings != nil {
			v.Bindings = s.deps.Bindings.Status(o.Account.ID)
		}
		out = append(out, v)
	}
	successResponse(c, out)
}

// GET /api/accounts/:id/limits
func (s *Server) handleGetLimits(c *gin.Context) {
	limits, err := s.deps.Registry.GetLimits(c.Param("id"))
	if err != nil {
		status := statusFor(err)
		if errors.Is(err, account.ErrNoBalance) {
			status = http.StatusServiceUnavailable
		}
		errorResponse(c, status, err.Error())
		return
	}
	successResponse(c, limits)
}

type operatorActionRequest struct {
	Reason string `json:"reason"`
}

func bindReason(c *gin.Context, fallback string) (string, bool) {
	var req operatorActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return "", false
		}
	}
	if req.Reason == "" {
		req.Reason = fallback
	}
	return req.Reason, true
}

// POST /api/accounts/:id/reset
func (s *Server) handleResetAccount(c *gin.Context) {
	reason, ok := bindReason(c, "operator reset")
	if !ok {
		return
	}
	id := c.Param("id")
	if err := s.deps.Supervisor.ResetAccount(id, auth.Subject(c), reason); err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	s.logger.Warn().Str("account", id).Str("operator", auth.Subject(c)).Str("reason", reason).Msg("Account breaker reset")
	successResponse(c, s.deps.Supervisor.AccountState(id))
}

// POST /api/emergency-stop
func (s *Server) handleEmergencyStop(c *gin.Context) {
	reason, ok := bindReason(c, "emergency stop")
	if !ok {
		return
	}
	s.deps.Supervisor.EmergencyStop(reason, auth.Subject(c))
	successResponse(c, s.deps.Supervisor.PlatformState())
}

// POST /api/platform/reset
func (s *Server) handleResetPlatform(c *gin.Context) {
	reason, ok := bindReason(c, "operator reset")
	if !ok {
		return
	}
	changed := s.deps.Supervisor.ResetPlatform(auth.Subject(c), reason)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"changed": changed,
		"data":    s.deps.Supervisor.PlatformState(),
	})
}

// GET /api/ledger/:tradeId
func (s *Server) handleGetLedger(c *gin.Context) {
	tradeID := c.Param("tradeId")
	entries, err := s.deps.Ledger.ByMasterTrade(c.Request.Context(), tradeID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if len(entries) == 0 {
		errorResponse(c, http.StatusNotFound, "no ledger entries for trade "+tradeID)
		return
	}
	successResponse(c, ledger.Summarize(tradeID, entries))
}

// GET /api/positions?account=
func (s *Server) handleGetPositions(c *gin.Context) {
	positions, err := s.deps.Positions.List(c.Request.Context(), c.Query("account"))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Key() < positions[j].Key() })
	successResponse(c, positions)
}

// GET /api/positions/closed?account=&limit=
func (s *Server) handleGetClosedPositions(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		errorResponse(c, http.StatusBadRequest, "Invalid limit")
		return
	}
	positions, err := s.deps.Positions.Closed(c.Request.Context(), c.Query("account"), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, positions)
}

// GET /api/mode
func (s *Server) handleGetMode(c *gin.Context) {
	successResponse(c, s.deps.Modes.Current())
}

type updateModeRequest struct {
	TradingEnabled *bool `json:"trading_enabled"`
	DryRun         *bool `json:"dry_run"`
}

// PUT /api/mode
func (s *Server) handleUpdateMode(c *gin.Context) {
	var req updateModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.TradingEnabled == nil && req.DryRun == nil {
		errorResponse(c, http.StatusBadRequest, "Nothing to update")
		return
	}

	next := s.deps.Modes.Update(auth.Subject(c), func(m *mode.Mode) {
		if req.TradingEnabled != nil {
			m.TradingEnabled = *req.TradingEnabled
		}
		if req.DryRun != nil {
			m.DryRun = *req.DryRun
		}
	})
	s.logger.Warn().Int64("version", next.Version).Bool("trading_enabled", next.TradingEnabled).
		Bool("dry_run", next.DryRun).Str("by", next.UpdatedBy).Msg("Mode updated")
	successResponse(c, next)
}
