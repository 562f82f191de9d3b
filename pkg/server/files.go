package server

import (
	"fmt"
	"net/http"

	"lfingest/pkg/apperr"

	"github.com/labstack/echo/v4"
)

// getQuota handles GET /uploads/quota.
func (srv *IngestServer) getQuota(ctx echo.Context) error {
	ownerID, err := owner(ctx)
	if err != nil {
		return respondError(ctx, err)
	}

	quota, err := srv.quotas.GetQuota(ctx.Request().Context(), ownerID)
	if err != nil {
		return respondError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, quota)
}

// getFile handles GET /uploads/files/:id. Files of other owners are reported
// as missing.
func (srv *IngestServer) getFile(ctx echo.Context) error {
	ownerID, err := owner(ctx)
	if err != nil {
		return respondError(ctx, err)
	}

	id := ctx.Param("id")
	file, err := srv.files.Get(ctx.Request().Context(), id)
	if err != nil {
		return respondError(ctx, err)
	}
	if file.OwnerID != ownerID {
		return respondError(ctx, fmt.Errorf("%w: file %s", apperr.ErrNotFound, id))
	}
	return ctx.JSON(http.StatusOK, file)
}
