package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/metermesh/aggregator/internal/application/pipeline"
	"github.com/metermesh/aggregator/internal/domain/usage"
	"github.com/metermesh/aggregator/internal/interfaces/http/dto"
)

// UsageHandler handles accumulated-usage intake and aggregated-usage
// query HTTP requests.
type UsageHandler struct {
	BaseHandler
	processor *pipeline.Processor
	logger    *zap.Logger
}

// NewUsageHandler creates a new usage handler
func NewUsageHandler(processor *pipeline.Processor, logger *zap.Logger) *UsageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageHandler{
		processor: processor,
		logger:    logger,
	}
}

// RegisterRoutes registers the metering routes on the given group
func (h *UsageHandler) RegisterRoutes(rg *gin.RouterGroup) {
	metering := rg.Group("/metering")
	{
		metering.POST("/accumulated/usage", h.SubmitUsage)
		metering.POST("/replay", h.Replay)

		aggregated := metering.Group("/aggregated/usage/k/:org_id")
		{
			aggregated.GET("", h.GetOrgUsage)
			aggregated.GET("/t/:time", h.GetOrgUsageAt)
			aggregated.GET("/space/:space_id", h.GetSpaceUsage)
			aggregated.GET("/space/:space_id/consumer/:consumer_id", h.GetConsumerUsage)
		}
	}
}

// UsageReceipt acknowledges an accepted usage document
type UsageReceipt struct {
	AccumulatedUsageID string `json:"accumulated_usage_id"`
	ProcessedID        string `json:"processed_id"`
	DocTime            string `json:"doc_time"`
}

// SubmitUsage folds one accumulated-usage document into the aggregation.
// Documents failing a metering or rating business check come back with
// 422 and the annotated error document; duplicates come back with 409.
func (h *UsageHandler) SubmitUsage(c *gin.Context) {
	var event usage.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	result, err := h.processor.Process(c.Request.Context(), &event)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if result.ErrorDoc != nil {
		resp := dto.NewErrorResponseWithRequestID(
			dto.ErrCodeUsageRejected,
			result.ErrorDoc.Error+": "+result.ErrorDoc.Reason,
			getRequestID(c),
		)
		resp.Data = result.ErrorDoc
		c.JSON(dto.GetHTTPStatus(dto.ErrCodeUsageRejected), resp)
		return
	}

	c.Header("Location", "/v1/metering/aggregated/usage/k/"+event.OrganizationID+"/t/"+result.DocTime)
	h.Created(c, UsageReceipt{
		AccumulatedUsageID: event.AccumulatedUsageID,
		ProcessedID:        event.ProcessedID,
		DocTime:            result.DocTime,
	})
}

// GetOrgUsage returns the organization's current aggregated usage
func (h *UsageHandler) GetOrgUsage(c *gin.Context) {
	orgID := c.Param("org_id")

	org, err := h.processor.OrgUsageAt(c.Request.Context(), orgID, time.Now().UnixMilli())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if org == nil {
		h.NotFound(c, "No aggregated usage for organization "+orgID)
		return
	}
	h.Success(c, org)
}

// GetOrgUsageAt returns the organization document current at the given
// epoch millisecond time
func (h *UsageHandler) GetOrgUsageAt(c *gin.Context) {
	orgID := c.Param("org_id")
	t, err := strconv.ParseInt(c.Param("time"), 10, 64)
	if err != nil || t <= 0 {
		h.BadRequest(c, "time must be a positive epoch millisecond timestamp")
		return
	}

	org, err := h.processor.OrgUsageAt(c.Request.Context(), orgID, t)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if org == nil {
		h.NotFound(c, "No aggregated usage for organization "+orgID)
		return
	}
	h.Success(c, org)
}

// GetSpaceUsage returns the latest aggregated usage for a space
func (h *UsageHandler) GetSpaceUsage(c *gin.Context) {
	orgID := c.Param("org_id")
	spaceID := c.Param("space_id")

	space, err := h.processor.SpaceUsage(c.Request.Context(), orgID, spaceID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if space == nil {
		h.NotFound(c, "No aggregated usage for space "+spaceID)
		return
	}
	h.Success(c, space)
}

// GetConsumerUsage returns the latest aggregated usage for a consumer
func (h *UsageHandler) GetConsumerUsage(c *gin.Context) {
	orgID := c.Param("org_id")
	spaceID := c.Param("space_id")
	consumerID := c.Param("consumer_id")

	consumer, err := h.processor.ConsumerUsage(c.Request.Context(), orgID, spaceID, consumerID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if consumer == nil {
		h.NotFound(c, "No aggregated usage for consumer "+consumerID)
		return
	}
	h.Success(c, consumer)
}

// ReplayResponse reports how many logged events were re-aggregated
type ReplayResponse struct {
	Replayed int   `json:"replayed"`
	Since    int64 `json:"since"`
}

// Replay re-aggregates logged usage events with processed time at or
// after the since query parameter (epoch milliseconds, default 0).
func (h *UsageHandler) Replay(c *gin.Context) {
	since := int64(0)
	if s := c.Query("since"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil || parsed < 0 {
			h.BadRequest(c, "since must be a non-negative epoch millisecond timestamp")
			return
		}
		since = parsed
	}

	replayed, err := h.processor.Replay(c.Request.Context(), since)
	if err != nil {
		h.logger.Error("Replay failed", zap.Int64("since", since), zap.Error(err))
		h.HandleError(c, err)
		return
	}

	h.Success(c, ReplayResponse{Replayed: replayed, Since: since})
}
