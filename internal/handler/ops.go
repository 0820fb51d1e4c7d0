package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/escaperoomhq/booking/internal/engine"
)

// OpsHandler exposes operational endpoints for staff dashboards and
// runbooks: live hold counts and a manual reaper sweep.
type OpsHandler struct {
	Engine *engine.Engine
}

func NewOpsHandler(e *engine.Engine) *OpsHandler {
	return &OpsHandler{Engine: e}
}

// ActiveHolds reports how many unexpired ACTIVE holds the caller's org has.
func (h *OpsHandler) ActiveHolds(c echo.Context) error {
	orgID, _ := c.Get("org_id").(string)

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	n, err := h.Engine.CountActiveHolds(ctx, orgID)
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"active_holds": n})
}

// Sweep runs one reaper pass immediately, releasing lapsed holds and
// purging their slot records.  The periodic reaper does the same on a
// timer; this endpoint exists for runbooks and tests.
func (h *OpsHandler) Sweep(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	expired, err := h.Engine.Sweep(ctx)
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"expired": expired})
}
