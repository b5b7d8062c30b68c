package strategy

import (
	"encoding/json"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/makerdesk/mm-core/internal/types"
	"github.com/makerdesk/mm-core/pkg/response"
)

// GinHandlers holds the HTTP handlers for strategy lifecycle operations.
type GinHandlers struct {
	engine *Engine
}

func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{engine: engine}
}

type startStrategyRequest struct {
	StrategyType string          `json:"strategy_type" binding:"required"`
	UserID       string          `json:"user_id" binding:"required"`
	ClientID     string          `json:"client_id" binding:"required"`
	Parameters   json.RawMessage `json:"parameters" binding:"required"`
}

type sessionResponse struct {
	StrategyKey  string `json:"strategy_key"`
	StrategyType string `json:"strategy_type"`
	UserID       string `json:"user_id"`
	ClientID     string `json:"client_id"`
	CadenceMs    int64  `json:"cadence_ms"`
}

// StartStrategyHandler activates a strategy session.
// POST /api/v1/strategies
func (h *GinHandlers) StartStrategyHandler(c *gin.Context) {
	var req startStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	var (
		sess *Session
		err  error
	)
	switch req.StrategyType {
	case types.StrategyPureMarketMaking:
		var params PureMarketMakingParams
		if err := json.Unmarshal(req.Parameters, &params); err != nil {
			response.BadRequest(c, "Invalid parameters: "+err.Error())
			return
		}
		sess, err = h.engine.StartPureMarketMaking(req.UserID, req.ClientID, params)
	case types.StrategyArbitrage:
		var params ArbitrageParams
		if err := json.Unmarshal(req.Parameters, &params); err != nil {
			response.BadRequest(c, "Invalid parameters: "+err.Error())
			return
		}
		sess, err = h.engine.StartArbitrage(req.UserID, req.ClientID, params)
	case types.StrategyVolume:
		var params VolumeParams
		if err := json.Unmarshal(req.Parameters, &params); err != nil {
			response.BadRequest(c, "Invalid parameters: "+err.Error())
			return
		}
		sess, err = h.engine.StartVolume(req.UserID, req.ClientID, params)
	default:
		response.BadRequest(c, "Unknown strategy type: "+req.StrategyType)
		return
	}
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	response.Success(c, sessionResponse{
		StrategyKey:  sess.StrategyKey,
		StrategyType: sess.StrategyType,
		UserID:       sess.UserID,
		ClientID:     sess.ClientID,
		CadenceMs:    sess.CadenceMs,
	})
}

// StopStrategyHandler deactivates a strategy session.
// POST /api/v1/strategies/:strategyKey/stop
func (h *GinHandlers) StopStrategyHandler(c *gin.Context) {
	strategyKey := c.Param("strategyKey")
	if err := h.engine.StopStrategy(strategyKey); err != nil {
		if errors.Is(err, ErrUnknownStrategy) {
			response.NotFound(c, "Strategy not found")
			return
		}
		response.InternalError(c, "Failed to stop strategy")
		return
	}
	response.Success(c, gin.H{"strategy_key": strategyKey, "status": types.InstanceStatusStopped})
}

// RerunStrategyHandler reactivates a stopped session with its stored
// parameters.
// POST /api/v1/strategies/:strategyKey/rerun
func (h *GinHandlers) RerunStrategyHandler(c *gin.Context) {
	strategyKey := c.Param("strategyKey")
	sess, err := h.engine.RerunStrategy(strategyKey)
	if err != nil {
		if errors.Is(err, ErrUnknownStrategy) {
			response.NotFound(c, "Strategy not found")
			return
		}
		response.InternalError(c, "Failed to rerun strategy")
		return
	}
	response.Success(c, sessionResponse{
		StrategyKey:  sess.StrategyKey,
		StrategyType: sess.StrategyType,
		UserID:       sess.UserID,
		ClientID:     sess.ClientID,
		CadenceMs:    sess.CadenceMs,
	})
}

// OpenOrdersHandler returns the last known open orders for a strategy.
// GET /api/v1/strategies/:strategyKey/orders
func (h *GinHandlers) OpenOrdersHandler(c *gin.Context) {
	strategyKey := c.Param("strategyKey")
	orders, err := h.engine.GetOpenOrders(strategyKey)
	if err != nil {
		response.InternalError(c, "Failed to fetch open orders")
		return
	}
	response.Success(c, gin.H{"strategy_key": strategyKey, "orders": orders, "count": len(orders)})
}

type withdrawRequestBody struct {
	UserID         string `json:"user_id" binding:"required"`
	AssetID        string `json:"asset_id" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
	Address        string `json:"address"`
}

// PauseAndWithdrawHandler stops a strategy, drains its orders and withdraws
// funds.
// POST /api/v1/strategies/:strategyKey/withdraw
func (h *GinHandlers) PauseAndWithdrawHandler(c *gin.Context) {
	strategyKey := c.Param("strategyKey")

	var body withdrawRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	result, err := h.engine.PauseAndWithdraw(c.Request.Context(), WithdrawRequest{
		StrategyKey:    strategyKey,
		UserID:         body.UserID,
		AssetID:        body.AssetID,
		Amount:         body.Amount,
		IdempotencyKey: body.IdempotencyKey,
		Address:        body.Address,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownStrategy):
			response.NotFound(c, "Strategy not found")
		case errors.Is(err, ErrDrainTimeout):
			response.Conflict(c, err.Error())
		default:
			response.BadRequest(c, err.Error())
		}
		return
	}
	response.Success(c, result)
}
