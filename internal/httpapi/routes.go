package httpapi

import (
	"outreach-platform/internal/auth"
	"outreach-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Mount registers the operator and trigger API under /v1.
// Token refresh is public; everything else needs an access token.
func (h Handlers) Mount(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.POST("/auth/refresh", h.Refresh)

	protected := v1.Group("")
	protected.Use(auth.RequireAccessToken(h.Auth))

	cg := protected.Group("/campaigns")
	{
		cg.POST("", rbac.RequireAnyRole(rbac.RoleTrigger, rbac.RoleSupervisor), h.StartCampaign)
		cg.GET("/:id", rbac.RequireAnyRole(rbac.RoleTrigger, rbac.RoleOperator, rbac.RoleSupervisor), h.GetCampaign)
		cg.POST("/:id/cancel", rbac.RequireAnyRole(rbac.RoleTrigger, rbac.RoleSupervisor), h.CancelCampaign)
	}

	ob := protected.Group("/outbox/jobs")
	ob.Use(rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleSupervisor))
	{
		ob.GET("", h.ListOutbox)
		ob.GET("/:id", h.GetOutboxJob)
		ob.POST("/:id/requeue", h.RequeueOutboxJob)
		ob.POST("/:id/resolve", h.ResolveOutboxJob)
	}
}
