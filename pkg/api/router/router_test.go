package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/hewenyu/kong-mesh/pkg/api/handler"
	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/health"
	"github.com/hewenyu/kong-mesh/pkg/manifest"
	"github.com/hewenyu/kong-mesh/pkg/route"
	"github.com/hewenyu/kong-mesh/pkg/storage/memory"
)

func routeSet(e *echo.Echo) map[string]bool {
	set := make(map[string]bool)
	for _, r := range e.Routes() {
		set[r.Method+" "+r.Path] = true
	}
	return set
}

func TestRegisterRoutes(t *testing.T) {
	cfg := &config.Config{
		Health:   config.HealthConfig{FailureThreshold: 3, RecoveryTimeout: time.Second},
		Manifest: config.ManifestConfig{TTL: time.Minute},
	}
	store := memory.NewMemoryStorage()
	mh := handler.NewManifestHandler(manifest.NewRegistry(cfg, store, nil), nil, nil)
	hh := handler.NewHealthHandler("gateway", health.NewRegistry(cfg, store, nil, nil))

	rejected := false
	trust := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rejected = true
			return echo.NewHTTPError(http.StatusUnauthorized)
		}
	}

	t.Run("health enabled", func(t *testing.T) {
		e := echo.New()
		RegisterRoutes(e, mh, hh, trust, "/microservice/health")

		routes := routeSet(e)
		assert.True(t, routes["POST /microservice/manifest"])
		assert.True(t, routes["GET /microservice/health"])

		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/microservice/manifest", strings.NewReader("{}")))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.True(t, rejected, "清单端点应先经过信任校验")
	})

	t.Run("health disabled", func(t *testing.T) {
		e := echo.New()
		RegisterRoutes(e, mh, hh, nil, "")

		routes := routeSet(e)
		assert.True(t, routes["POST /microservice/manifest"])
		assert.False(t, routes["GET /microservice/health"])
	})
}

func TestRegisterAdminRoutes(t *testing.T) {
	cfg := &config.Config{}
	store := memory.NewMemoryStorage()
	e := echo.New()
	RegisterAdminRoutes(e,
		handler.NewRoutesHandler(route.NewTable(cfg, store, nil), nil),
		handler.NewHealthHandler("gateway", nil))

	routes := routeSet(e)
	assert.True(t, routes["GET /microservice/status"])
	assert.True(t, routes["GET /microservice/routes"])
	assert.True(t, routes["GET /microservice/manifests/:service"])

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/microservice/routes", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterAdminRoutes_GuardsRouteTable(t *testing.T) {
	cfg := &config.Config{}
	deny := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return echo.NewHTTPError(http.StatusUnauthorized)
		}
	}

	e := echo.New()
	RegisterAdminRoutes(e,
		handler.NewRoutesHandler(route.NewTable(cfg, memory.NewMemoryStorage(), nil), nil),
		handler.NewHealthHandler("gateway", nil),
		deny)

	for _, path := range []string{"/microservice/routes", "/microservice/manifests/oms"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "路由表端点需经过中间件: %s", path)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/microservice/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "status 保持公开")
}
