package http

import (
	"errors"
	"net/http"

	"github.com/jmehdipour/sms-broadcast/internal/scheduler"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Periodic operations answer 200 and carry any failure in the body.

func (h *handlers) dispatch(c echo.Context) error {
	var isSecond bool
	switch c.Param("stage") {
	case "first":
	case "second":
		isSecond = true
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "stage must be first or second"})
	}
	sum, err := h.d.Dispatcher.Run(c.Request().Context(), isSecond)
	body := map[string]any{
		"sent":       sum.Sent,
		"retried":    sum.Retried,
		"dropped":    sum.Dropped,
		"suppressed": sum.Suppressed,
		"drained":    sum.Drained,
	}
	if err != nil {
		h.log.Warn("dispatch window failed", zap.Bool("second", isSecond), zap.Error(err))
		body["error"] = err.Error()
	}
	return c.JSON(http.StatusOK, body)
}

func (h *handlers) handleFailed(c echo.Context) error {
	res, err := h.d.Escalator.HandleFailedDeliveries(c.Request().Context())
	body := map[string]any{"closed": res.Closed, "failed": res.Failed, "done": res.Done}
	if err != nil {
		h.log.Warn("failed-delivery escalation failed", zap.Error(err))
		body["error"] = err.Error()
	}
	return c.JSON(http.StatusOK, body)
}

func (h *handlers) runJob(c echo.Context) error {
	name := c.Param("name")
	err := h.d.Jobs.RunNow(c.Request().Context(), name)
	if errors.Is(err, scheduler.ErrUnknownJob) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	body := map[string]any{"job": name}
	if err != nil {
		h.log.Warn("job run failed", zap.String("job", name), zap.Error(err))
		body["error"] = err.Error()
	}
	return c.JSON(http.StatusOK, body)
}
