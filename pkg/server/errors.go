package server

import (
	"errors"
	"net/http"

	"lfingest/pkg/apperr"
	"lfingest/pkg/log"

	"github.com/labstack/echo/v4"
)

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as {"error": msg}. Internal errors are logged and
// their details are not sent to the client.
func respondError(ctx echo.Context, err error) error {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("method", ctx.Request().Method).Str("path", ctx.Path()).Msg("Request failed")
		return ctx.JSON(status, map[string]string{
			"error": "internal error",
		})
	}

	log.Debug().Err(err).Int("status", status).Msg("Request rejected")
	return ctx.JSON(status, map[string]string{
		"error": err.Error(),
	})
}
