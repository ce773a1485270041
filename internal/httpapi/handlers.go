package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"call-evidence/internal/auth"
	"call-evidence/internal/compliance"
	"call-evidence/internal/evidence"
	"call-evidence/internal/rbac"
	"call-evidence/pkg/logger"
)

// Response headers mirrored from the bundle for header-only verification.
const (
	HeaderBundleHash    = "X-Bundle-Hash"
	HeaderBundleVersion = "X-Bundle-Version"
)

// Exporter runs one evidence export.
type Exporter interface {
	Export(ctx context.Context, req evidence.Request) (evidence.Result, error)
}

// Limiter caps simultaneous exports per organization.
type Limiter interface {
	Acquire(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, map errors.
type Handlers struct {
	Exporter Exporter
	// Limiter is optional. Its errors never block an export.
	Limiter Limiter
}

// ExportCall serves GET /calls/:call_id/export?format=json|zip.
// RBAC: any organization role (viewer or above).
func (h Handlers) ExportCall(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromGin(c)

	if h.Exporter == nil {
		writeError(c, http.StatusInternalServerError, "export_not_configured", "Evidence export is not available.")
		return
	}

	callID := c.Param("call_id")
	if !evidence.ValidCallID(callID) {
		writeError(c, http.StatusBadRequest, "invalid_call_id", "call_id must be a lowercase UUID.")
		return
	}
	format, err := evidence.ParseFormat(c.Query("format"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_format", "format must be json or zip.")
		return
	}
	id, err := auth.IdentityFrom(ctx)
	if err != nil {
		writeError(c, http.StatusUnauthorized, "unauthenticated", "An authenticated organization member is required.")
		return
	}

	if h.Limiter != nil {
		ok, err := h.Limiter.Acquire(ctx, id.OrganizationID)
		switch {
		case err != nil:
			log.Warn("export limiter unavailable", "organization_id", id.OrganizationID, "err", err)
		case !ok:
			writeError(c, http.StatusTooManyRequests, "export_concurrency_limit", "Too many exports are running for this organization. Retry shortly.")
			return
		default:
			defer func() {
				if err := h.Limiter.Release(context.WithoutCancel(ctx), id.OrganizationID); err != nil {
					log.Warn("export limiter release failed", "organization_id", id.OrganizationID, "err", err)
				}
			}()
		}
	}

	res, err := h.Exporter.Export(ctx, evidence.Request{
		CallID:         callID,
		OrganizationID: id.OrganizationID,
		ActorID:        id.UserID,
		Format:         format,
	})
	if err != nil {
		writeExportError(c, err)
		return
	}

	c.Header(HeaderBundleHash, res.Bundle.BundleHash)
	c.Header(HeaderBundleVersion, res.Bundle.BundleVersion)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Rendered.Filename))
	c.Data(http.StatusOK, res.Rendered.ContentType, res.Rendered.Body)
}

func writeExportError(c *gin.Context, err error) {
	log := logger.FromGin(c)

	var denied *evidence.DeniedError
	switch {
	case errors.As(err, &denied):
		d := denied.Decision
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":           "compliance_denied",
			"reasons":         d.Reasons,
			"custody_status":  d.CustodyStatus,
			"legal_hold_flag": d.LegalHold,
			"message":         "Export refused by compliance policy.",
		})
	case errors.Is(err, evidence.ErrInvalidInput):
		writeError(c, http.StatusBadRequest, "invalid_request", "The export request is invalid.")
	case errors.Is(err, evidence.ErrNotFound):
		writeError(c, http.StatusNotFound, "not_found", "Call not found.")
	case errors.Is(err, compliance.ErrCheckUnavailable):
		log.Error("compliance check unavailable", "err", err)
		writeError(c, http.StatusServiceUnavailable, "compliance_check_unavailable", "The compliance check could not be completed; export refused. Retry later.")
	case errors.Is(err, evidence.ErrRender):
		log.Error("evidence render failed", "err", err)
		writeError(c, http.StatusInternalServerError, "render_failed", "The evidence bundle could not be packaged.")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		c.Abort()
	default:
		log.Error("evidence export failed", "err", err)
		writeError(c, http.StatusInternalServerError, "export_failed", "The export could not be completed.")
	}
}

// writeError never includes internal error text; correlation_id lets support find the logs.
func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":          code,
		"message":        message,
		"correlation_id": logger.RequestID(c.Request.Context()),
	})
}

// RequireOrganizationAndAnyRole bundles the tenancy and role checks.
func RequireOrganizationAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireOrganization(), rbac.RequireAnyRole(roles...)}
}
