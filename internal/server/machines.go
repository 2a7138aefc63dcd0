package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/rivet/internal/store"
)

type MachineLister interface {
	ListMachines(ctx context.Context, userID int64) ([]store.Machine, error)
}

type MachinesHandler struct {
	Store MachineLister
}

func (h *MachinesHandler) Register(g *echo.Group) {
	g.GET("", h.list)
}

func (h *MachinesHandler) list(c echo.Context) error {
	userID, err := strconv.ParseInt(c.QueryParam("user_id"), 10, 64)
	if err != nil || userID == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id required")
	}
	machines, err := h.Store.ListMachines(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	if machines == nil {
		machines = []store.Machine{}
	}
	return c.JSON(http.StatusOK, machines)
}
