package reward

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/makerdesk/mm-core/pkg/response"
)

// GinHandlers holds the HTTP handlers for the reward pipeline. Observation
// and allocation are internal-only surfaces.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

type observeRewardRequest struct {
	TxHash     string    `json:"tx_hash" binding:"required"`
	PoolID     string    `json:"pool_id" binding:"required"`
	AssetID    string    `json:"asset_id" binding:"required"`
	Amount     string    `json:"amount" binding:"required"`
	ObservedAt time.Time `json:"observed_at"`
}

// ObserveRewardHandler records an observed reward payment.
// POST /internal/rewards/observe
func (h *GinHandlers) ObserveRewardHandler(c *gin.Context) {
	var req observeRewardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request: "+err.Error())
		return
	}
	if req.ObservedAt.IsZero() {
		req.ObservedAt = time.Now()
	}

	reward, applied, err := h.service.ObserveReward(req.TxHash, req.PoolID, req.AssetID, req.Amount, req.ObservedAt)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			response.BadRequest(c, err.Error())
			return
		}
		response.InternalError(c, "Failed to record reward")
		return
	}
	response.Success(c, gin.H{"reward": reward, "applied": applied})
}

type shareMutationRequest struct {
	PoolID         string    `json:"pool_id" binding:"required"`
	UserID         string    `json:"user_id" binding:"required"`
	Shares         string    `json:"shares" binding:"required"`
	IdempotencyKey string    `json:"idempotency_key" binding:"required"`
	EffectiveAt    time.Time `json:"effective_at"`
}

// MintSharesHandler credits pool shares.
// POST /internal/rewards/shares/mint
func (h *GinHandlers) MintSharesHandler(c *gin.Context) {
	h.shareMutation(c, h.service.MintShares)
}

// BurnSharesHandler removes pool shares.
// POST /internal/rewards/shares/burn
func (h *GinHandlers) BurnSharesHandler(c *gin.Context) {
	h.shareMutation(c, h.service.BurnShares)
}

func (h *GinHandlers) shareMutation(c *gin.Context, op func(poolID, userID, shares, key string, at time.Time) (*ShareLedgerEntry, bool, error)) {
	var req shareMutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	entry, applied, err := op(req.PoolID, req.UserID, req.Shares, req.IdempotencyKey, req.EffectiveAt)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount):
			response.BadRequest(c, err.Error())
		case errors.Is(err, ErrInsufficientShares):
			response.Conflict(c, err.Error())
		default:
			response.InternalError(c, "Failed to record share entry")
		}
		return
	}
	response.Success(c, gin.H{"entry": entry, "applied": applied})
}

type allocateRequest struct {
	WindowStart time.Time `json:"window_start" binding:"required"`
	WindowEnd   time.Time `json:"window_end" binding:"required"`
}

// AllocateRewardHandler splits a reward across pool participants.
// POST /internal/rewards/:rewardId/allocate
func (h *GinHandlers) AllocateRewardHandler(c *gin.Context) {
	rewardID := c.Param("rewardId")

	var req allocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	allocations, err := h.service.AllocateReward(rewardID, req.WindowStart, req.WindowEnd)
	if err != nil {
		switch {
		case errors.Is(err, ErrRewardNotFound):
			response.NotFound(c, "Reward not found")
		case errors.Is(err, ErrAlreadyAllocated):
			response.Conflict(c, err.Error())
		case errors.Is(err, ErrInvalidWindow), errors.Is(err, ErrNoBasis):
			response.BadRequest(c, err.Error())
		default:
			response.InternalError(c, "Failed to allocate reward")
		}
		return
	}
	response.Success(c, gin.H{"reward_id": rewardID, "allocations": allocations})
}

// GetAllocationsHandler returns a reward's allocations.
// GET /internal/rewards/:rewardId/allocations
func (h *GinHandlers) GetAllocationsHandler(c *gin.Context) {
	rewardID := c.Param("rewardId")

	reward, err := h.service.GetReward(rewardID)
	if err != nil {
		response.InternalError(c, "Failed to fetch reward")
		return
	}
	if reward == nil {
		response.NotFound(c, "Reward not found")
		return
	}

	allocations, err := h.service.GetAllocations(rewardID)
	if err != nil {
		response.InternalError(c, "Failed to fetch allocations")
		return
	}
	response.Success(c, gin.H{"reward": reward, "allocations": allocations})
}
