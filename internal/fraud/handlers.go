package fraud

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bidsense/bidengine/internal/logging"
	"github.com/bidsense/bidengine/internal/pagination"
	"github.com/bidsense/bidengine/internal/validation"
)

// UserHeader carries the caller identity set by the upstream gateway.
const UserHeader = "X-User-ID"

const callerKey = "fraudCallerID"

// Handler provides HTTP endpoints for fraud alerts and views.
type Handler struct {
	service *Service
}

// NewHandler creates a new fraud handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the fraud routes. Every route requires a caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/fraud", RequireCaller())
	g.GET("/overview", h.GetOverview)
	g.GET("/alerts", h.ListAlerts)
	g.POST("/alerts", h.CreateAlert)
	g.PATCH("/alerts/:id", validation.IDParamMiddleware(), h.UpdateAlert)
	g.GET("/trends", h.GetTrends)
	g.GET("/devices", h.GetDeviceBreakdown)
	g.GET("/geo", h.GetGeoBreakdown)
}

// RequireCaller rejects requests without a well-formed X-User-ID header.
func RequireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(UserHeader)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": UserHeader + " header is required",
			})
			return
		}
		if !validation.IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user",
				"message": UserHeader + " is not a valid identifier",
			})
			return
		}
		c.Set(callerKey, id)
		c.Next()
	}
}

// GetOverview handles GET /v1/fraud/overview
func (h *Handler) GetOverview(c *gin.Context) {
	ov, err := h.service.Overview(c.Request.Context(), c.GetString(callerKey), queryDays(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overview": ov})
}

// ListAlerts handles GET /v1/fraud/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	page, err := h.service.ListAlerts(c.Request.Context(), c.GetString(callerKey), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts":     page.Alerts,
		"count":      len(page.Alerts),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// CreateAlert handles POST /v1/fraud/alerts
func (h *Handler) CreateAlert(c *gin.Context) {
	var req CreateAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "campaignId, alertType and description are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidID("campaignId", req.CampaignID),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)

	alert, err := h.service.CreateAlert(c.Request.Context(), c.GetString(callerKey), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"alert": alert})
}

type updateAlertRequest struct {
	Status Status `json:"status" binding:"required"`
	Notes  string `json:"notes"`
}

// UpdateAlert handles PATCH /v1/fraud/alerts/:id
func (h *Handler) UpdateAlert(c *gin.Context) {
	var req updateAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "status is required",
		})
		return
	}
	if !req.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "status must be one of active, resolved, false_positive",
		})
		return
	}

	alert, err := h.service.UpdateAlertStatus(c.Request.Context(), c.Param("id"), c.GetString(callerKey),
		req.Status, validation.SanitizeString(req.Notes, validation.MaxStringLength))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": alert})
}

// GetTrends handles GET /v1/fraud/trends
func (h *Handler) GetTrends(c *gin.Context) {
	trends, err := h.service.Trends(c.Request.Context(), c.GetString(callerKey), queryDays(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trends": trends, "count": len(trends)})
}

// GetDeviceBreakdown handles GET /v1/fraud/devices
func (h *Handler) GetDeviceBreakdown(c *gin.Context) {
	rows, err := h.service.DeviceBreakdown(c.Request.Context(), c.GetString(callerKey), queryDays(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": rows, "count": len(rows)})
}

// GetGeoBreakdown handles GET /v1/fraud/geo
func (h *Handler) GetGeoBreakdown(c *gin.Context) {
	rows, err := h.service.GeoBreakdown(c.Request.Context(), c.GetString(callerKey), queryDays(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locations": rows, "count": len(rows)})
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAlert):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrAlertNotFound), errors.Is(err, ErrCampaignNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("fraud request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}

// queryDays reads ?days=; the service maps out-of-range values to the default.
func queryDays(c *gin.Context) int {
	days, _ := strconv.Atoi(c.Query("days"))
	return days
}

func parseFilter(c *gin.Context) (AlertFilter, error) {
	var f AlertFilter

	if s := c.Query("status"); s != "" {
		f.Status = Status(s)
		if !f.Status.Valid() {
			return f, errors.New("unknown status " + strconv.Quote(s))
		}
	}
	if t := c.Query("type"); t != "" {
		f.AlertType = AlertType(t)
		if !f.AlertType.Valid() {
			return f, errors.New("unknown alert type " + strconv.Quote(t))
		}
	}
	if s := c.Query("minSeverity"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < MinSeverity || n > MaxSeverity {
			return f, errors.New("minSeverity must be between 1 and 10")
		}
		f.MinSeverity = n
	}
	for param, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if s := c.Query(param); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return f, errors.New(param + " must be an RFC 3339 timestamp")
			}
			*dst = t
		}
	}
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		return f, err
	}
	f.Cursor = cur
	return f, nil
}
