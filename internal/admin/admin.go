package admin

import (
	"context"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/fabian4/dynamic-router/internal/logging"
	"github.com/fabian4/dynamic-router/internal/metrics"
	"github.com/fabian4/dynamic-router/internal/resolver"
	"github.com/fabian4/dynamic-router/internal/route"
	"github.com/fabian4/dynamic-router/internal/router"
)

// Engine is the registration surface the admin API drives.
type Engine interface {
	Register(src, target string, opts route.Options) error
	Unregister(src, target string) error
	Routes() []router.Entry
	Resolvers() []resolver.Entry
	Resolve(ctx context.Context, host, path string, req *http.Request) *route.PathRoute
	PurgeCache()
}

type RouteRequest struct {
	Src                 string `json:"src"`
	Target              string `json:"target"`
	UseTargetHostHeader bool   `json:"use_target_host_header"`
}

type ResolverInfo struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

type ResolveResponse struct {
	Host    string   `json:"host"`
	Path    string   `json:"path"`
	Route   string   `json:"route"`
	Targets []string `json:"targets"`
}

type handlers struct {
	engine Engine
	log    *log.Logger
}

// New builds the admin API.
func New(e Engine, m *metrics.Registry, logger *log.Logger) *echo.Echo {
	h := &handlers{engine: e, log: logging.Or(logger).WithPrefix("admin")}

	app := echo.New()
	app.HideBanner = true
	app.HidePort = true
	app.Use(middleware.Recover())
	app.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			h.log.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "remote_ip", c.RealIP())
			return nil
		},
	}))

	app.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	app.GET("/metrics", echo.WrapHandler(m.Handler()))

	api := app.Group("/api")
	api.GET("/routes", h.listRoutes)
	api.POST("/routes", h.createRoute)
	api.DELETE("/routes", h.deleteRoute)
	api.GET("/resolvers", h.listResolvers)
	api.GET("/resolve", h.resolve)
	api.DELETE("/cache", h.purgeCache)
	return app
}

func (h *handlers) listRoutes(c echo.Context) error {
	routes := h.engine.Routes()
	if routes == nil {
		routes = []router.Entry{}
	}
	return c.JSON(http.StatusOK, routes)
}

func (h *handlers) createRoute(c echo.Context) error {
	var req RouteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	err := h.engine.Register(req.Src, req.Target, route.Options{UseTargetHostHeader: req.UseTargetHostHeader})
	if err != nil {
		return badRequestOr(err)
	}
	h.log.Info("route registered", "src", req.Src, "target", req.Target)
	return c.JSON(http.StatusCreated, req)
}

func (h *handlers) deleteRoute(c echo.Context) error {
	src, target := c.QueryParam("src"), c.QueryParam("target")
	if err := h.engine.Unregister(src, target); err != nil {
		return badRequestOr(err)
	}
	h.log.Info("route unregistered", "src", src, "target", target)
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) listResolvers(c echo.Context) error {
	entries := h.engine.Resolvers()
	out := make([]ResolverInfo, len(entries))
	for i, e := range entries {
		out[i] = ResolverInfo{Name: e.Name, Priority: e.Priority}
	}
	return c.JSON(http.StatusOK, out)
}

// resolve reports which route a request would take without advancing its rotation.
func (h *handlers) resolve(c echo.Context) error {
	host, p := c.QueryParam("host"), c.QueryParam("path")
	if p == "" {
		p = "/"
	}
	r := h.engine.Resolve(c.Request().Context(), host, p, nil)
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no route")
	}
	res := ResolveResponse{Host: host, Path: p, Route: r.Path}
	for _, t := range r.Targets() {
		res.Targets = append(res.Targets, t.String())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *handlers) purgeCache(c echo.Context) error {
	h.engine.PurgeCache()
	h.log.Info("route cache purged")
	return c.NoContent(http.StatusNoContent)
}

func badRequestOr(err error) error {
	if errors.Is(err, route.ErrInvalidURI) || errors.Is(err, route.ErrInvalidArgument) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return err
}
