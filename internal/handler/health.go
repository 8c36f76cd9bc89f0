package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"pathproxy/internal/pool"
	"pathproxy/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints on the admin listener.
type HealthHandler struct {
	service *service.ProxyService
	pools   *pool.Registry
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(svc *service.ProxyService, pools *pool.Registry, v Version) *HealthHandler {
	return &HealthHandler{service: svc, pools: pools, version: v}
}

// RouteStatus describes one configured route.
type RouteStatus struct {
	Prefix       string `json:"prefix"`
	Upstream     string `json:"upstream"`
	StripPrefix  bool   `json:"strip_prefix"`
	ChangeOrigin bool   `json:"change_origin"`
}

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Routes  []RouteStatus `json:"routes"`
	Pools   []pool.Stats  `json:"pools"`
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns the route table and per-upstream pool utilisation.
func (h *HealthHandler) Status(c echo.Context) error {
	routes := h.service.Routes()
	resp := StatusResponse{
		Status:  "ok",
		Version: string(h.version),
		Routes:  make([]RouteStatus, 0, len(routes)),
		Pools:   h.pools.Stats(),
	}
	for _, r := range routes {
		resp.Routes = append(resp.Routes, RouteStatus{
			Prefix:       r.Prefix,
			Upstream:     r.Upstream.Redacted(),
			StripPrefix:  r.StripPrefix,
			ChangeOrigin: r.ChangeOrigin,
		})
	}
	return c.JSON(http.StatusOK, resp)
}
