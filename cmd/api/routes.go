package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"call-evidence/internal/auth"
	"call-evidence/internal/httpapi"
	"call-evidence/internal/rbac"
)

// registerPublicRoutes wires unauthenticated endpoints.
func registerPublicRoutes(r *gin.Engine, gatherer prometheus.Gatherer, ready func(*gin.Context) error) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := ready(c); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// registerProtectedRoutes wires the /v1 API.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerProtectedRoutes(r *gin.Engine, authMW gin.HandlerFunc, h httpapi.Handlers) {
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			id, err := auth.IdentityFrom(c.Request.Context())
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"user_id": id.UserID, "organization_id": id.OrganizationID, "role": id.Role})
		})

		// CALLS routes
		// Evidence export is readable by every organization role.
		calls := v1.Group("/calls")
		calls.Use(httpapi.RequireOrganizationAndAnyRole(rbac.AtLeast(rbac.RoleViewer)...)...)
		{
			calls.GET("/:call_id/export", h.ExportCall)
		}
	}
}
