package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"lfingest/pkg/apperr"
	"lfingest/pkg/models"
	"lfingest/pkg/offload"

	"github.com/labstack/echo/v4"
)

// HeaderChunkHash carries the hex digest of a chunk body.
const HeaderChunkHash = "Chunk-Hash"

var errNoOwner = errors.New("request has no owner")

func owner(ctx echo.Context) (string, error) {
	id, ok := OwnerFrom(ctx.Request().Context())
	if !ok {
		return "", fmt.Errorf("%w: %w", apperr.ErrForbidden, errNoOwner)
	}
	return id, nil
}

// initUpload handles POST /uploads/large/init.
func (srv *IngestServer) initUpload(ctx echo.Context) error {
	ownerID, err := owner(ctx)
	if err != nil {
		return respondError(ctx, err)
	}

	var req models.InitRequest
	if err := ctx.Bind(&req); err != nil {
		return respondError(ctx, fmt.Errorf("%w: malformed request body", apperr.ErrValidation))
	}

	session, err := srv.sessions.Init(ctx.Request().Context(), ownerID, req)
	if err != nil {
		return respondError(ctx, err)
	}

	return ctx.JSON(http.StatusCreated, models.InitResponse{
		SessionID:   session.ID,
		ChunkSize:   session.ChunkSize,
		TotalChunks: session.TotalChunks,
		ExpiresAt:   session.ExpiresAt,
	})
}

// putChunk handles PUT /uploads/large/:id/chunks/:index.
func (srv *IngestServer) putChunk(ctx echo.Context) error {
	ownerID, err := owner(ctx)
	if err != nil {
		return respondError(ctx, err)
	}

	index, err := strconv.Atoi(ctx.Param("index"))
	if err != nil {
		return respondError(ctx, fmt.Errorf("%w: chunk index must be an integer", apperr.ErrValidation))
	}

	req := ctx.Request()
	if req.ContentLength < 0 {
		return respondError(ctx, fmt.Errorf("%w: Content-Length is required", apperr.ErrValidation))
	}

	err = srv.sessions.WriteChunk(req.Context(), ownerID, ctx.Param("id"), index,
		req.Header.Get(HeaderChunkHash), req.Body, req.ContentLength)
	if err != nil {
		return respondError(ctx, err)
	}

	return ctx.JSON(http.StatusOK, models.ChunkResponse{
		OK:         true,
		ChunkIndex: index,
	})
}

// getStatus handles GET /uploads/large/:id/status.
func (srv *IngestServer) getStatus(ctx echo.Context) error {
	ownerID, err := owner(ctx)
	if err != nil {
		return respondError(ctx, err)
	}

	view, err := srv.sessions.Status(ctx.Request().Context(), ownerID, ctx.Param("id"))
	if err != nil {
		return respondError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, view)
}

// completeUpload handles PATCH /uploads/large/:id/complete. The returned path
// is the object key the file will have once offloaded.
func (srv *IngestServer) completeUpload(ctx echo.Context) error {
	ownerID, err := owner(ctx)
	if err != nil {
		return respondError(ctx, err)
	}

	file, err := srv.sessions.Complete(ctx.Request().Context(), ownerID, ctx.Param("id"))
	if err != nil {
		return respondError(ctx, err)
	}

	return ctx.JSON(http.StatusOK, models.CompleteResponse{
		OK:     true,
		Path:   offload.ObjectKey(file.ResourceID, file.ID, file.FileName),
		FileID: file.ID,
	})
}

// abortUpload handles DELETE /uploads/large/:id.
func (srv *IngestServer) abortUpload(ctx echo.Context) error {
	ownerID, err := owner(ctx)
	if err != nil {
		return respondError(ctx, err)
	}

	if err := srv.sessions.Abort(ctx.Request().Context(), ownerID, ctx.Param("id")); err != nil {
		return respondError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, map[string]bool{"ok": true})
}
