package httpapi

import (
	"errors"
	"net/http"

	"outreach-platform/internal/audit"
	"outreach-platform/internal/auth"
	"outreach-platform/internal/campaigns"
	"outreach-platform/internal/jobs"
	"outreach-platform/internal/outbox"
	"outreach-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Campaigns *campaigns.Service
	Outbox    *outbox.Service
}

// actor builds the audit identity from the verified token and client IP.
func actor(c *gin.Context) audit.Actor {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	return audit.Actor{ID: uid, Role: role, IP: c.ClientIP()}
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// fail maps service errors onto HTTP statuses. Unknown errors are logged
// and reported as 500 without detail.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, campaigns.ErrInvalidRequest), errors.Is(err, jobs.ErrInvalidArgument):
		abort(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, campaigns.ErrNotFound), errors.Is(err, outbox.ErrNotFound):
		abort(c, http.StatusNotFound, "not found")
	case errors.Is(err, outbox.ErrConflict):
		abort(c, http.StatusConflict, err.Error())
	default:
		_ = c.Error(err)
		logger.FromGin(c).Error("request failed", "err", err)
		abort(c, http.StatusInternalServerError, "internal error")
	}
}
