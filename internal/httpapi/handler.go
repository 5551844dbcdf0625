package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"mapedit.dev/apiserver/internal/apierr"
	"mapedit.dev/apiserver/internal/diffresult"
	"mapedit.dev/apiserver/internal/osmxml"
	"mapedit.dev/apiserver/internal/ratelimit"
	"mapedit.dev/apiserver/internal/store"
	"mapedit.dev/apiserver/internal/upload"
)

// Handler binds the upload pipeline and changeset lifecycle operations to
// Echo, following http/server.go and api/rest.go's handler conventions.
type Handler struct {
	Pool       *store.Pool
	Pipeline   *upload.Pipeline
	Changesets *store.ChangesetStore
	Limits     osmxml.Limits

	PayloadMaxSize int64

	BandwidthLimiter      *ratelimit.Limiter
	RatelimiterUpload     bool
	BytesPerSecond        float64
	BytesPerSecondModerator float64
	MaxDebt                 float64
	MaxDebtModerator        float64

	Generator string // diff-result's generator attribute
}

func (h *Handler) now() time.Time { return time.Now() }

// Upload handles POST /api/0.6/changeset/:id/upload: parses the payload,
// runs it through the pipeline inside one transaction, and emits the
// diff-result document on success.
func (h *Handler) Upload(c echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	changesetID, err := parseID(c.Param("id"))
	if err != nil {
		return err
	}

	decoded, err := decodeBody(c.Request().Body, c.Request().Header.Get("Content-Encoding"))
	if err != nil {
		return err
	}

	data, err := io.ReadAll(io.LimitReader(decoded, h.PayloadMaxSize+1))
	if err != nil {
		return apierr.BadRequest("failed reading upload body: %v", err)
	}
	if int64(len(data)) > h.PayloadMaxSize {
		return apierr.PayloadTooLarge("upload body exceeds %d bytes", h.PayloadMaxSize)
	}

	if h.RatelimiterUpload && h.BandwidthLimiter != nil {
		if err := h.admitBandwidth(c, rc, int64(len(data))); err != nil {
			return err
		}
	}

	ops, err := osmxml.Parse(data, h.Limits)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	tx, err := h.Pool.Begin(ctx)
	if err != nil {
		return apierr.ServerError("starting upload transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	uploadID := uuid.NewString()
	now := h.now()
	result, err := h.Pipeline.Run(ctx, tx, upload.Request{
		ChangesetID: changesetID,
		UserID:      rc.UserID,
		Ops:         ops,
		Now:         now,
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return apierr.ServerError("committing upload: %v", err)
	}

	c.Response().Header().Set("X-Upload-Id", uploadID)
	c.Response().Header().Set(echo.HeaderContentType, "text/xml; charset=utf-8")
	c.Response().WriteHeader(http.StatusOK)
	return diffresult.WriteXML(c.Response(), h.Generator, result)
}

func (h *Handler) admitBandwidth(c echo.Context, rc RequestContext, cost int64) error {
	rate, maxDebt := h.BytesPerSecond, h.MaxDebt
	if rc.IsModerator {
		rate, maxDebt = h.BytesPerSecondModerator, h.MaxDebtModerator
	}
	res, err := h.BandwidthLimiter.Allow(c.Request().Context(), strconv.FormatInt(rc.UserID, 10), float64(cost), rate, maxDebt, h.now())
	if err != nil {
		return apierr.ServerError("checking bandwidth limit: %v", err)
	}
	if !res.Allowed {
		retryAfter := int(res.RetryAfter.Seconds()) + 1
		return apierr.NewRateLimited(retryAfter, "Bandwidth limit exceeded for user %d", rc.UserID)
	}
	return nil
}

// CreateChangeset handles PUT /api/0.6/changeset/create: returns the new
// changeset id as plain text, per spec.md §6.
func (h *Handler) CreateChangeset(c echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return apierr.BadRequest("failed reading changeset body: %v", err)
	}
	tags, err := parseChangesetTags(data)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	tx, err := h.Pool.Begin(ctx)
	if err != nil {
		return apierr.ServerError("starting changeset create transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	id, err := h.Changesets.Create(ctx, tx, rc.UserID, tags, h.now())
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apierr.ServerError("committing changeset create: %v", err)
	}

	return c.String(http.StatusOK, strconv.FormatInt(id, 10))
}

// UpdateChangesetTags handles PUT /api/0.6/changeset/:id: authoritatively
// replaces the changeset's tag set.
func (h *Handler) UpdateChangesetTags(c echo.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return err
	}

	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return apierr.BadRequest("failed reading changeset body: %v", err)
	}
	tags, err := parseChangesetTags(data)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	tx, err := h.Pool.Begin(ctx)
	if err != nil {
		return apierr.ServerError("starting changeset update transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := h.Changesets.UpdateTags(ctx, tx, id, tags); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apierr.ServerError("committing changeset tag update: %v", err)
	}

	return c.NoContent(http.StatusOK)
}

// CloseChangeset handles PUT /api/0.6/changeset/:id/close: sets closed_at
// to now unconditionally.
func (h *Handler) CloseChangeset(c echo.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	tx, err := h.Pool.Begin(ctx)
	if err != nil {
		return apierr.ServerError("starting changeset close transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := h.Changesets.Close(ctx, tx, id, h.now()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apierr.ServerError("committing changeset close: %v", err)
	}

	return c.NoContent(http.StatusOK)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apierr.BadRequest("invalid id %q", raw)
	}
	return id, nil
}
