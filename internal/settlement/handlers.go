package settlement

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-funds/internal/auth"
	"github.com/ksred/klear-funds/pkg/response"
)

// GinHandlers contains HTTP handlers for settlement endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func actorFrom(c *gin.Context) Actor {
	return Actor{
		UserID:   auth.UserID(c),
		Admin:    auth.IsAdmin(c),
		Resolver: auth.HasRole(c, auth.RoleResolver),
	}
}

func (h *GinHandlers) ListSettlementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		settlements, err := h.service.ListSettlements(actorFrom(c), limit)
		response.Handle(c, settlements, err)
	}
}

func (h *GinHandlers) GetSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlement, err := h.service.GetSettlement(c.Param("settlement_id"), actorFrom(c))
		response.Handle(c, settlement, err)
	}
}

func (h *GinHandlers) RetrySettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlement, err := h.service.Retry(c.Request.Context(), c.Param("settlement_id"), actorFrom(c))
		response.Handle(c, settlement, err)
	}
}

func (h *GinHandlers) DepositEscrowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req EscrowRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		deposit, err := h.service.DepositEscrow(c.Request.Context(), c.Param("settlement_id"), actorFrom(c), req)
		response.Handle(c, deposit, err)
	}
}

func (h *GinHandlers) ListEscrowsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		deposits, err := h.service.ListEscrows(c.Param("settlement_id"), actorFrom(c))
		response.Handle(c, deposits, err)
	}
}

func (h *GinHandlers) ConfirmSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlement, err := h.service.Confirm(c.Request.Context(), c.Param("settlement_id"), actorFrom(c))
		response.Handle(c, settlement, err)
	}
}

func (h *GinHandlers) RaiseDisputeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DisputeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		settlement, err := h.service.RaiseDispute(c.Request.Context(), c.Param("settlement_id"), actorFrom(c), req.Reason)
		response.Handle(c, settlement, err)
	}
}

func (h *GinHandlers) ResolveDisputeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ResolveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		settlement, err := h.service.ResolveDispute(c.Request.Context(), c.Param("settlement_id"), actorFrom(c), req.BuyerFavored)
		response.Handle(c, settlement, err)
	}
}

func (h *GinHandlers) CancelSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CancelRequest
		// body is optional
		_ = c.ShouldBindJSON(&req)

		settlement, err := h.service.Cancel(c.Request.Context(), c.Param("settlement_id"), actorFrom(c), req.Reason)
		response.Handle(c, settlement, err)
	}
}

func (h *GinHandlers) ReleaseEscrowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		deposit, err := h.service.ReleaseEscrow(c.Request.Context(), c.Param("escrow_id"), actorFrom(c))
		response.Handle(c, deposit, err)
	}
}

func (h *GinHandlers) CreateBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req BatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		batch, err := h.service.CreateBatch(c.Request.Context(), req.SettlementIDs, actorFrom(c))
		response.Handle(c, batch, err)
	}
}

func (h *GinHandlers) GetBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		batch, err := h.service.GetBatch(c.Param("batch_id"))
		response.Handle(c, batch, err)
	}
}

func (h *GinHandlers) ExecuteBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		batch, err := h.service.ExecuteBatch(c.Request.Context(), c.Param("batch_id"), actorFrom(c))
		response.Handle(c, batch, err)
	}
}
