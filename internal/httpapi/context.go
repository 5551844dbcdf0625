// Package httpapi wires the upload pipeline and changeset lifecycle
// operations onto HTTP, following http/server.go and api/rest.go's Echo
// conventions.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"mapedit.dev/apiserver/internal/apierr"
)

// RequestContext is the minimal authenticated-user view the pipeline needs.
// Full authentication is out of scope here (spec.md names it only via "the
// RequestContext it consumes"); AuthMiddleware below is a trusted-header
// stand-in a real deployment would front with its own identity provider.
type RequestContext struct {
	UserID      int64
	IsModerator bool
}

const contextKey = "osmapi_request_context"

// AuthMiddleware populates the Echo context with a RequestContext read from
// trusted headers, following api/basicauth.go's pattern of stashing the
// authenticated identity via c.Set for handlers to retrieve.
func AuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get("X-User-Id")
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing X-User-Id")
			}
			userID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid X-User-Id")
			}
			c.Set(contextKey, RequestContext{
				UserID:      userID,
				IsModerator: c.Request().Header.Get("X-Moderator") == "true",
			})
			return next(c)
		}
	}
}

func requestContext(c echo.Context) (RequestContext, error) {
	rc, ok := c.Get(contextKey).(RequestContext)
	if !ok {
		return RequestContext{}, apierr.ServerError("request context missing; AuthMiddleware not installed")
	}
	return rc, nil
}
