package http

import (
	"errors"
	"net/http"

	"github.com/jmehdipour/sms-broadcast/internal/apperr"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// writeError maps the shared error classes onto status codes. Conflicts carry their reason.
func (h *handlers) writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, apperr.ErrConflict):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error(), "reason": apperr.Reason(err)})
	case errors.Is(err, apperr.ErrInvalid):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, apperr.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, apperr.ErrConfig):
		h.log.Error("configuration error", zap.String("path", c.Path()), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		h.log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
