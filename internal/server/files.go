package server

import (
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/paintops/crewclock/internal/objectstore"
	"github.com/paintops/crewclock/pkg/apperr"
)

// ServeFile streams a signed object-store path. The HMAC signature in the
// query string authenticates both the path and the expiry, so no session
// check is needed here.
func (s *Server) ServeFile(c *gin.Context) {
	objectPath := strings.TrimPrefix(c.Param("path"), "/")
	if objectPath == "" {
		AbortWithError(c, apperr.InvalidArgument("missing_path", "object path is required"))
		return
	}

	exp, err := strconv.ParseInt(c.Query("exp"), 10, 64)
	if err != nil {
		AbortWithError(c, apperr.InvalidArgument("invalid_signature", "exp must be a unix timestamp"))
		return
	}
	if err := s.store.VerifySignedPath(objectPath, exp, c.Query("sig"), s.clock.Now()); err != nil {
		AbortWithError(c, err)
		return
	}

	data, err := s.store.Get(c.Request.Context(), objectPath)
	if errors.Is(err, objectstore.ErrNotFound) {
		AbortWithError(c, apperr.NotFound("object_not_found", "object does not exist"))
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Data(http.StatusOK, contentTypeFor(objectPath), data)
}

func contentTypeFor(objectPath string) string {
	switch path.Ext(objectPath) {
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
