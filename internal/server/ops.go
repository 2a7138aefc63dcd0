package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Sweeper removes expired conversation state. *state.Store satisfies it.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// OpsHandler exposes operational endpoints.
type OpsHandler struct {
	Sweeper Sweeper
	Health  func(ctx context.Context) map[string]string
}

func (h *OpsHandler) Register(g *echo.Group) {
	g.POST("/sweep", h.sweep)
}

// sweep reports partial progress alongside any tier error.
func (h *OpsHandler) sweep(c echo.Context) error {
	n, err := h.Sweeper.SweepExpired(c.Request().Context())
	body := map[string]interface{}{"removed": n}
	if err != nil {
		body["error"] = err.Error()
		return c.JSON(http.StatusMultiStatus, body)
	}
	return c.JSON(http.StatusOK, body)
}

func (h *OpsHandler) healthz(c echo.Context) error {
	body := map[string]interface{}{"status": "ok"}
	if h.Health != nil {
		body["components"] = h.Health(c.Request().Context())
	}
	return c.JSON(http.StatusOK, body)
}
