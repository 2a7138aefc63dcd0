package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/rivet/internal/agent/core"
)

// Router answers one query. *core.Orchestrator satisfies it.
type Router interface {
	Route(ctx context.Context, q core.Query) core.RivetResponse
}

type RouteHandler struct {
	Router Router
}

func (h *RouteHandler) Register(g *echo.Group) {
	g.POST("/route", h.route)
}

type routeRequest struct {
	ID    string            `json:"id"`
	Text  string            `json:"text"`
	Hints map[string]string `json:"hints"`
}

// route always answers 200 with a response; degraded answers are flagged in the body.
func (h *RouteHandler) route(c echo.Context) error {
	var req routeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}
	resp := h.Router.Route(c.Request().Context(), core.Query{
		ID:         req.ID,
		Text:       req.Text,
		Hints:      req.Hints,
		ReceivedAt: time.Now().UTC(),
	})
	return c.JSON(http.StatusOK, resp)
}
