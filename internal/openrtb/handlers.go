package openrtb

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/bidsense/bidengine/internal/logging"
)

// OpenRTBVersionHeader is echoed on every response.
const OpenRTBVersionHeader = "X-Openrtb-Version"

// Handler serves the OpenRTB ingress.
type Handler struct {
	adapter *Adapter
}

func NewHandler(adapter *Adapter) *Handler {
	return &Handler{adapter: adapter}
}

// RegisterRoutes sets up the OpenRTB route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bids/openrtb", h.Bid)
}

// Bid handles POST /v1/bids/openrtb. A response without seat bids is sent
// as 204 with the no-bid reason in X-Nbr.
func (h *Handler) Bid(c *gin.Context) {
	c.Header(OpenRTBVersionHeader, "2.6")

	var req openrtb2.BidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed OpenRTB bid request",
		})
		return
	}

	resp, err := h.adapter.Bid(c.Request.Context(), &req)
	switch {
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("openrtb bid failed", "requestId", req.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
		return
	}

	if len(resp.SeatBid) == 0 {
		if resp.NBR != nil {
			c.Header("X-Nbr", strconv.FormatInt(int64(*resp.NBR), 10))
		}
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, resp)
}
