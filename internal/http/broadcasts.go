package http

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/jmehdipour/sms-broadcast/internal/apperr"
	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type handlers struct {
	d   Deps
	log *zap.Logger
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad id %q", apperr.ErrInvalid, c.Param("id"))
	}
	return id, nil
}

func (h *handlers) editable(c echo.Context) error {
	b, err := h.d.Broadcasts.Editable(c.Request().Context())
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *handlers) make(c echo.Context) error {
	res, err := h.d.Broadcasts.Make(c.Request().Context())
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *handlers) sendNow(c echo.Context) error {
	res, err := h.d.Broadcasts.SendNow(c.Request().Context())
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *handlers) patch(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	var p model.BroadcastPatch
	if err := c.Bind(&p); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
	}
	b, err := h.d.Broadcasts.Patch(c.Request().Context(), id, p)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *handlers) runCampaign(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	res, err := h.d.Campaigns.Run(c.Request().Context(), id)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *handlers) scheduleCampaign(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	if err := h.d.Campaigns.Schedule(c.Request().Context(), id); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]int64{"campaign_id": id})
}
