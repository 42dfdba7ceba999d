package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/paintops/crewclock/internal/audit/domain"
	"github.com/paintops/crewclock/internal/authorization"
	"github.com/paintops/crewclock/internal/company"
	"github.com/paintops/crewclock/internal/tenant"
	"github.com/paintops/crewclock/internal/user"
	"github.com/paintops/crewclock/pkg/apperr"
)

type setUserRoleRequest struct {
	TargetUID string `json:"targetUid"`
	Role      string `json:"role"`
}

func (s *Server) SetUserRole(c *gin.Context) {
	var req setUserRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidBody(err))
		return
	}
	if req.TargetUID == "" {
		AbortWithError(c, apperr.InvalidArgument("missing_target_uid", "targetUid is required"))
		return
	}
	updated, err := s.userSvc.SetRole(c.Request.Context(), req.TargetUID, req.Role)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "uid": updated.UID, "role": updated.Role})
}

func (s *Server) ListUsers(c *gin.Context) {
	users, err := s.userSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (s *Server) GetUser(c *gin.Context) {
	found, err := s.userSvc.Get(c.Request.Context(), c.Param("uid"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func (s *Server) UpdateUserProfile(c *gin.Context) {
	var patch user.ProfilePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		AbortWithError(c, invalidBody(err))
		return
	}
	updated, err := s.userSvc.UpdateProfile(c.Request.Context(), c.Param("uid"), patch)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) GetCompany(c *gin.Context) {
	found, err := s.companySvc.Get(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func (s *Server) UpdateCompany(c *gin.Context) {
	var patch company.UpdatePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		AbortWithError(c, invalidBody(err))
		return
	}
	updated, err := s.companySvc.Update(c.Request.Context(), patch)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// ListAuditLogs exposes the security trail to admins, bounded and scoped
// to the caller's company.
func (s *Server) ListAuditLogs(c *gin.Context) {
	principal, err := tenant.Require(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	err = s.authzSvc.Authorize(c.Request.Context(), "user:"+principal.UID, principal.CompanyID.String(),
		authorization.ObjectAuditLog, authorization.ActionAuditLogView)
	if errors.Is(err, authorization.ErrForbidden) {
		AbortWithError(c, apperr.PermissionDenied("insufficient_role", "role may not read the audit trail"))
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	filter := auditdomain.ListFilter{
		CompanyID: principal.CompanyID,
		EventType: c.Query("eventType"),
		ActorUID:  c.Query("actorUid"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			AbortWithError(c, apperr.InvalidArgument("invalid_limit", "limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}

	events, err := s.auditSvc.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
