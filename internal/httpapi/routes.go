package httpapi

import "github.com/labstack/echo/v4"

// RegisterRoutes wires the upload and changeset lifecycle endpoints onto e.
// The broader OSM 0.6 read API (bbox queries, history browsing) is a spec
// Non-goal; only the write path this pipeline implements is exposed.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/0.6", AuthMiddleware())
	g.PUT("/changeset/create", h.CreateChangeset)
	g.PUT("/changeset/:id", h.UpdateChangesetTags)
	g.PUT("/changeset/:id/close", h.CloseChangeset)
	g.POST("/changeset/:id/upload", h.Upload)
}
