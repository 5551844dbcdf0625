package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthMiddleware_RejectsMissingUserID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := AuthMiddleware()(func(c echo.Context) error { return nil })(c)
	require.Error(t, err)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, he.Code)
}

func TestAuthMiddleware_PopulatesRequestContext(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-Id", "42")
	req.Header.Set("X-Moderator", "true")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var captured RequestContext
	err := AuthMiddleware()(func(c echo.Context) error {
		rc, err := requestContext(c)
		if err != nil {
			return err
		}
		captured = rc
		return nil
	})(c)

	require.NoError(t, err)
	assert.Equal(t, int64(42), captured.UserID)
	assert.True(t, captured.IsModerator)
}
