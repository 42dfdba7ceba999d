package server

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/paintops/crewclock/internal/requestmeta"
	"github.com/paintops/crewclock/internal/tenant"
	userdomain "github.com/paintops/crewclock/internal/user/domain"
	"github.com/paintops/crewclock/pkg/apperr"
	"gorm.io/gorm"
)

const (
	// HeaderUID carries the identity-provider subject, injected by the
	// auth gateway after token verification.
	HeaderUID      = "X-Auth-UID"
	HeaderAppCheck = "X-App-Check"
)

// RequestMeta copies per-request metadata onto the request context so the
// security audit trail can record origin without touching gin.
func RequestMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ctx = requestmeta.WithRequestID(ctx, c.GetString("request_id"))
		ctx = requestmeta.WithClientIP(ctx, c.ClientIP())
		ctx = requestmeta.WithUserAgent(ctx, c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// AuthRequired projects the gateway-verified identity onto a tenant
// principal. Company and role always come from the users table, never
// from the client.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.EnforceAppCheck && strings.TrimSpace(c.GetHeader(HeaderAppCheck)) == "" {
			AbortWithError(c, apperr.Unauthenticated("app attestation token is required"))
			return
		}

		uid := strings.TrimSpace(c.GetHeader(HeaderUID))
		if uid == "" {
			AbortWithError(c, apperr.Unauthenticated("no verified identity on request"))
			return
		}

		var user userdomain.User
		err := s.db.WithContext(c.Request.Context()).
			Where("uid = ?", uid).
			First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			AbortWithError(c, apperr.Unauthenticated("identity is not bound to a company"))
			return
		}
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := tenant.WithPrincipal(c.Request.Context(), tenant.Principal{
			UID:       user.UID,
			CompanyID: user.CompanyID,
			Role:      tenant.Role(user.Role),
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
