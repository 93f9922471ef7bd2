package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func (h *handlers) broadcastReport(c echo.Context) error {
	if h.d.Reports == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "reporting store not configured"})
	}
	id, err := pathID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	counts, err := h.d.Reports.CountByBroadcast(c.Request().Context(), id)
	if err != nil {
		h.log.Error("clickhouse report failed", zap.Int64("broadcast_id", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	total := uint64(0)
	for _, sc := range counts {
		total += sc.Count
	}
	return c.JSON(http.StatusOK, map[string]any{
		"broadcast_id": id,
		"total":        total,
		"by_status":    counts,
	})
}
