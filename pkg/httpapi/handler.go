// Package httpapi exposes the engine's control surface to the dashboard
// layer over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/relaywire/relaywire/pkg/backend"
)

// Engine is the orchestration surface the API drives.
type Engine interface {
	StartTenantServices(ctx context.Context, tenantID string) error
	StopTenantServices(ctx context.Context, tenantID string) error
	StopService(ctx context.Context, tenantID, serviceID string) error
	PurgeServiceData(ctx context.Context, serviceID string) error
}

type Handler struct {
	engine Engine
	log    zerolog.Logger
}

func NewHandler(engine Engine, log zerolog.Logger) *Handler {
	return &Handler{engine: engine, log: log.With().Str("component", "httpapi").Logger()}
}

// NewServer builds the echo instance with all routes registered.
func NewServer(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/healthz", h.Health)
	e.POST("/v1/tenants/:tenant/start", h.StartTenant)
	e.POST("/v1/tenants/:tenant/stop", h.StopTenant)
	e.POST("/v1/tenants/:tenant/services/:service/stop", h.StopService)
	e.DELETE("/v1/services/:service/data", h.PurgeServiceData)
	return e
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// StartTenant (re)starts every active relay service of a tenant.
// POST /v1/tenants/:tenant/start
func (h *Handler) StartTenant(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := c.Param("tenant")
	if tenantID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "tenant is required"})
	}

	if err := h.engine.StartTenantServices(ctx, tenantID); err != nil {
		h.log.Error().Str("tenant", tenantID).Err(err).Msg("starting tenant services")
		switch {
		case errors.Is(err, backend.ErrInvalidCredential):
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "backend credential rejected"})
		case errors.Is(err, backend.ErrConnectionLost):
			return c.JSON(http.StatusConflict, map[string]string{"error": "backend connection could not be established"})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "tenant_id": tenantID})
}

// StopTenant stops every running service of a tenant and releases its
// connection.
// POST /v1/tenants/:tenant/stop
func (h *Handler) StopTenant(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := c.Param("tenant")
	if tenantID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "tenant is required"})
	}

	if err := h.engine.StopTenantServices(ctx, tenantID); err != nil {
		h.log.Error().Str("tenant", tenantID).Err(err).Msg("stopping tenant services")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "tenant_id": tenantID})
}

// StopService stops one service. Stopping a service that is not running is
// not an error.
// POST /v1/tenants/:tenant/services/:service/stop
func (h *Handler) StopService(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := c.Param("tenant")
	serviceID := c.Param("service")
	if tenantID == "" || serviceID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "tenant and service are required"})
	}

	if err := h.engine.StopService(ctx, tenantID, serviceID); err != nil {
		h.log.Error().Str("tenant", tenantID).Str("service", serviceID).Err(err).Msg("stopping service")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "service_id": serviceID})
}

// PurgeServiceData drops a deleted service's durable message map.
// DELETE /v1/services/:service/data
func (h *Handler) PurgeServiceData(c echo.Context) error {
	ctx := c.Request().Context()
	serviceID := c.Param("service")
	if serviceID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "service is required"})
	}

	if err := h.engine.PurgeServiceData(ctx, serviceID); err != nil {
		h.log.Error().Str("service", serviceID).Err(err).Msg("purging service data")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "service_id": serviceID})
}
