package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/rivet/internal/flow"
)

// FlowEngine is the dialog surface used by the handlers. *flow.Engine satisfies it.
type FlowEngine interface {
	Start(ctx context.Context, userID, chatID int64, kind string) (flow.Reply, error)
	Restart(ctx context.Context, userID, chatID int64, kind string) (flow.Reply, error)
	HandleInput(ctx context.Context, userID, chatID int64, kind, raw string) (flow.Reply, error)
	Cancel(ctx context.Context, userID, chatID int64, kind string) error
}

type FlowsHandler struct {
	Engine FlowEngine
}

func (h *FlowsHandler) Register(g *echo.Group) {
	g.POST("/:kind/start", h.start)
	g.POST("/:kind/input", h.input)
	g.DELETE("/:kind", h.cancel)
}

type flowRequest struct {
	UserID  int64  `json:"user_id" query:"user_id"`
	ChatID  int64  `json:"chat_id" query:"chat_id"`
	Text    string `json:"text"`
	Restart bool   `json:"restart"`
}

type flowResponse struct {
	Reply flow.Reply `json:"reply"`
	Error string     `json:"error,omitempty"`
}

func bindFlow(c echo.Context) (flowRequest, error) {
	var req flowRequest
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.UserID == 0 {
		return req, echo.NewHTTPError(http.StatusBadRequest, "user_id required")
	}
	return req, nil
}

func (h *FlowsHandler) start(c echo.Context) error {
	req, err := bindFlow(c)
	if err != nil {
		return err
	}
	kind := c.Param("kind")
	var reply flow.Reply
	if req.Restart {
		reply, err = h.Engine.Restart(c.Request().Context(), req.UserID, req.ChatID, kind)
	} else {
		reply, err = h.Engine.Start(c.Request().Context(), req.UserID, req.ChatID, kind)
	}
	return writeFlow(c, reply, err)
}

func (h *FlowsHandler) input(c echo.Context) error {
	req, err := bindFlow(c)
	if err != nil {
		return err
	}
	reply, err := h.Engine.HandleInput(c.Request().Context(), req.UserID, req.ChatID, c.Param("kind"), req.Text)
	return writeFlow(c, reply, err)
}

func (h *FlowsHandler) cancel(c echo.Context) error {
	req, err := bindFlow(c)
	if err != nil {
		return err
	}
	if err := h.Engine.Cancel(c.Request().Context(), req.UserID, req.ChatID, c.Param("kind")); err != nil {
		return writeFlow(c, flow.Reply{}, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// writeFlow maps engine errors to status codes. A rejected input still
// carries the corrective prompt.
func writeFlow(c echo.Context, reply flow.Reply, err error) error {
	if err == nil {
		return c.JSON(http.StatusOK, flowResponse{Reply: reply})
	}
	var (
		verr     *flow.ValidationError
		conflict *flow.ConflictError
		code     int
	)
	switch {
	case errors.Is(err, flow.ErrUnknownKind):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, flow.ErrNoActiveDialog):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &verr):
		code = http.StatusUnprocessableEntity
	case errors.As(err, &conflict):
		code = http.StatusConflict
	case reply.Prompt != "":
		code = http.StatusServiceUnavailable
	default:
		return err
	}
	return c.JSON(code, flowResponse{Reply: reply, Error: err.Error()})
}
