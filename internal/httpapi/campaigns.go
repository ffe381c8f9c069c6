package httpapi

import (
	"net/http"
	"strings"

	"outreach-platform/internal/campaigns"

	"github.com/gin-gonic/gin"
)

type startCampaignRequest struct {
	Name       string   `json:"name"`
	GroupID    string   `json:"group_id"`
	ContactIDs []string `json:"contact_ids"`
	MessageID  string   `json:"message_id"`

	// SMS overrides the configured SMS channel when set.
	SMS *bool `json:"sms,omitempty"`
}

// StartCampaign triggers a run and answers as soon as its jobs are stored.
func (h Handlers) StartCampaign(c *gin.Context) {
	if h.Campaigns == nil {
		abort(c, http.StatusInternalServerError, "campaigns not configured")
		return
	}
	var req startCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.MessageID) == "" {
		abort(c, http.StatusBadRequest, "message_id required")
		return
	}

	run, err := h.Campaigns.Start(c.Request.Context(), campaigns.StartRequest{
		Name:       req.Name,
		GroupID:    req.GroupID,
		ContactIDs: req.ContactIDs,
		MessageID:  req.MessageID,
		SMS:        req.SMS,
		Actor:      actor(c),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// GetCampaign returns the run with aggregates derived at read time.
func (h Handlers) GetCampaign(c *gin.Context) {
	if h.Campaigns == nil {
		abort(c, http.StatusInternalServerError, "campaigns not configured")
		return
	}
	st, err := h.Campaigns.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h Handlers) CancelCampaign(c *gin.Context) {
	if h.Campaigns == nil {
		abort(c, http.StatusInternalServerError, "campaigns not configured")
		return
	}
	run, err := h.Campaigns.Cancel(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}
