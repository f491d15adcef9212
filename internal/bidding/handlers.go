package bidding

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bidsense/bidengine/internal/logging"
	"github.com/bidsense/bidengine/internal/validation"
)

// Handler provides HTTP endpoints for bid decisions and the model.
type Handler struct {
	service *Service
	admin   []gin.HandlerFunc
}

// NewHandler creates a new bidding handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithAdmin guards model management routes with mw.
func (h *Handler) WithAdmin(mw ...gin.HandlerFunc) *Handler {
	h.admin = mw
	return h
}

// RegisterRoutes sets up the bidding routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bids/decide", h.Decide)
	r.POST("/bids/decide/batch", h.DecideBatch)
	r.GET("/bids/:id", validation.IDParamMiddleware(), h.GetDecision)
	r.POST("/bids/:id/outcome", validation.IDParamMiddleware(), h.RecordOutcome)

	r.GET("/model", h.GetModel)
	r.POST("/model/reload", append(h.admin, h.ReloadModel)...)
}

type batchRequest struct {
	Requests []BidRequest `json:"requests" binding:"required"`
}

// Decide handles POST /v1/bids/decide
func (h *Handler) Decide(c *gin.Context) {
	var req BidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "campaign_id and floor_price are required",
		})
		return
	}

	d, err := h.service.Decide(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// DecideBatch handles POST /v1/bids/decide/batch
func (h *Handler) DecideBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "requests is required",
		})
		return
	}

	ds, err := h.service.DecideBatch(c.Request.Context(), req.Requests)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": ds, "count": len(ds)})
}

// GetDecision handles GET /v1/bids/:id
func (h *Handler) GetDecision(c *gin.Context) {
	d, err := h.service.GetDecision(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// RecordOutcome handles POST /v1/bids/:id/outcome
func (h *Handler) RecordOutcome(c *gin.Context) {
	var o Outcome
	if err := c.ShouldBindJSON(&o); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid outcome body",
		})
		return
	}

	d, err := h.service.RecordOutcome(c.Request.Context(), c.Param("id"), o)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// GetModel handles GET /v1/model
func (h *Handler) GetModel(c *gin.Context) {
	info, err := h.service.ModelInfo()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": info})
}

// ReloadModel handles POST /v1/model/reload
func (h *Handler) ReloadModel(c *gin.Context) {
	info, err := h.service.ReloadModel(c.Request.Context())
	if errors.Is(err, ErrNoBackend) {
		h.fail(c, err)
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("model reload failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reload_failed",
			"message": err.Error(),
			"model":   info,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": info})
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidOutcome):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrDecisionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Decision not found"})
	case errors.Is(err, ErrOutcomeRecorded):
		c.JSON(http.StatusConflict, gin.H{"error": "outcome_recorded", "message": "Outcome already recorded"})
	case errors.Is(err, ErrNoBackend):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no_backend", "message": "No prediction backend configured"})
	default:
		logging.L(c.Request.Context()).Error("bidding request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
