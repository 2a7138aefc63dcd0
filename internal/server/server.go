package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Options wires the HTTP surface to the services built in cmd/rivet.
type Options struct {
	Router   Router
	Flows    FlowEngine
	Sweeper  Sweeper
	Machines MachineLister
	// Metrics serves /metrics; nil leaves the route out.
	Metrics      http.Handler
	Health       func(ctx context.Context) map[string]string
	Secret       []byte
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *log.Logger
}

type Server struct {
	e      *echo.Echo
	logger *log.Logger
}

// New builds the echo instance and mounts every route.
func New(opts Options) (*Server, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("jwt secret not configured (server.jwt_secret)")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[HTTP] ", log.LstdFlags)
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = opts.ReadTimeout
	e.Server.WriteTimeout = opts.WriteTimeout
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	ops := &OpsHandler{Sweeper: opts.Sweeper, Health: opts.Health}
	e.GET("/healthz", ops.healthz)
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}

	api := e.Group("/api", EchoAuthMiddleware(opts.Secret))
	if opts.Router != nil {
		(&RouteHandler{Router: opts.Router}).Register(api)
	}
	if opts.Flows != nil {
		(&FlowsHandler{Engine: opts.Flows}).Register(api.Group("/flows"))
	}
	if opts.Machines != nil {
		(&MachinesHandler{Store: opts.Machines}).Register(api.Group("/machines"))
	}
	if opts.Sweeper != nil {
		ops.Register(api.Group("/maintenance", RequireScopes(ScopeMaintenance)))
	}
	return &Server{e: e, logger: logger}, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

// Start blocks serving addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Printf("listening on %s", addr)
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
