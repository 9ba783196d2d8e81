package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywire/relaywire/pkg/backend"
)

type fakeEngine struct {
	startErr error
	stopErr  error
	calls    []string
}

func (e *fakeEngine) StartTenantServices(_ context.Context, tenantID string) error {
	e.calls = append(e.calls, "start:"+tenantID)
	return e.startErr
}

func (e *fakeEngine) StopTenantServices(_ context.Context, tenantID string) error {
	e.calls = append(e.calls, "stop-tenant:"+tenantID)
	return e.stopErr
}

func (e *fakeEngine) StopService(_ context.Context, tenantID, serviceID string) error {
	e.calls = append(e.calls, "stop-service:"+tenantID+"/"+serviceID)
	return e.stopErr
}

func (e *fakeEngine) PurgeServiceData(_ context.Context, serviceID string) error {
	e.calls = append(e.calls, "purge:"+serviceID)
	return e.stopErr
}

func do(t *testing.T, engine Engine, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	srv := NewServer(NewHandler(engine, zerolog.Nop()))
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := do(t, &fakeEngine{}, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStartTenant(t *testing.T) {
	engine := &fakeEngine{}
	rec := do(t, engine, http.MethodPost, "/v1/tenants/t1/start")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"start:t1"}, engine.calls)
}

func TestStartTenantCredentialRejected(t *testing.T) {
	engine := &fakeEngine{startErr: fmt.Errorf("tenant t1: %w", backend.ErrInvalidCredential)}
	rec := do(t, engine, http.MethodPost, "/v1/tenants/t1/start")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartTenantConnectionLost(t *testing.T) {
	engine := &fakeEngine{startErr: fmt.Errorf("tenant t1: %w", backend.ErrConnectionLost)}
	rec := do(t, engine, http.MethodPost, "/v1/tenants/t1/start")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartTenantInternalError(t *testing.T) {
	engine := &fakeEngine{startErr: fmt.Errorf("database on fire")}
	rec := do(t, engine, http.MethodPost, "/v1/tenants/t1/start")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStopTenant(t *testing.T) {
	engine := &fakeEngine{}
	rec := do(t, engine, http.MethodPost, "/v1/tenants/t1/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"stop-tenant:t1"}, engine.calls)
}

func TestStopService(t *testing.T) {
	engine := &fakeEngine{}
	rec := do(t, engine, http.MethodPost, "/v1/tenants/t1/services/s1/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"stop-service:t1/s1"}, engine.calls)
}

func TestPurgeServiceData(t *testing.T) {
	engine := &fakeEngine{}
	rec := do(t, engine, http.MethodDelete, "/v1/services/s1/data")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"purge:s1"}, engine.calls)
}

func TestMissingTenantParam(t *testing.T) {
	e := echo.New()
	h := NewHandler(&fakeEngine{}, zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.StartTenant(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
