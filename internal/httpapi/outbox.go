package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"outreach-platform/internal/jobs"
	"outreach-platform/internal/outbox"

	"github.com/gin-gonic/gin"
)

// ListOutbox lists failed jobs.
// Query: kind, run_id, status (repeatable or comma separated),
// include_resolved, limit.
func (h Handlers) ListOutbox(c *gin.Context) {
	if h.Outbox == nil {
		abort(c, http.StatusInternalServerError, "outbox not configured")
		return
	}
	f := outbox.Filter{
		Kind:  jobs.Kind(c.Query("kind")),
		RunID: c.Query("run_id"),
	}
	for _, raw := range c.QueryArray("status") {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, jobs.Status(s))
			}
		}
	}
	if v := c.Query("include_resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			abort(c, http.StatusBadRequest, "include_resolved must be a boolean")
			return
		}
		f.IncludeResolved = b
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			abort(c, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	list, err := h.Outbox.ListFailed(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list})
}

func (h Handlers) GetOutboxJob(c *gin.Context) {
	if h.Outbox == nil {
		abort(c, http.StatusInternalServerError, "outbox not configured")
		return
	}
	e, err := h.Outbox.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h Handlers) RequeueOutboxJob(c *gin.Context) {
	if h.Outbox == nil {
		abort(c, http.StatusInternalServerError, "outbox not configured")
		return
	}
	e, err := h.Outbox.Requeue(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (h Handlers) ResolveOutboxJob(c *gin.Context) {
	if h.Outbox == nil {
		abort(c, http.StatusInternalServerError, "outbox not configured")
		return
	}
	var req resolveRequest
	// The body is optional.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	e, err := h.Outbox.MarkResolved(c.Request.Context(), c.Param("id"), actor(c), req.Note)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}
