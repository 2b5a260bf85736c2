package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/events"
	"github.com/hewenyu/kong-mesh/pkg/manifest"
	meshmw "github.com/hewenyu/kong-mesh/pkg/middleware"
	"github.com/hewenyu/kong-mesh/pkg/signature"
	"github.com/hewenyu/kong-mesh/pkg/storage/memory"
)

const secret = "mesh-secret"

func testConfig(upstream string) *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{
			Name:               "gateway",
			Secret:             secret,
			Algorithm:          "sha256",
			TimestampTolerance: time.Minute,
		},
		Services: map[string]config.ServiceEntry{
			"catalog": {BaseURLs: []string{upstream}},
		},
		Defaults:    config.DefaultsConfig{Timeout: 2 * time.Second, RetryDelay: time.Millisecond},
		Health:      config.HealthConfig{Endpoint: "/microservice/health", FailureThreshold: 3, RecoveryTimeout: 30 * time.Second},
		Manifest:    config.ManifestConfig{TTL: 5 * time.Minute, Prefix: "api"},
		Idempotency: config.IdempotencyConfig{TTL: time.Hour, LockTimeout: 10 * time.Second},
		Proxy:       config.ProxyConfig{StripHeaders: config.DefaultStripHeaders},
		Gateway:     config.GatewayConfig{Enabled: true, Fallback: true},
		Store:       config.StoreConfig{Driver: "memory", Prefix: "microservice:"},
	}
}

type collector struct {
	mu    sync.Mutex
	names []string
}

func (c *collector) Notify(event events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, event.EventName())
}

func (c *collector) has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.names {
		if n == name {
			return true
		}
	}
	return false
}

func catalogUpstream() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"path":   r.URL.Path,
			"caller": r.Header.Get(signature.HeaderServiceName),
		})
	}))
}

func signedManifestRequest(t *testing.T, m manifest.Manifest) *http.Request {
	t.Helper()
	body, err := json.Marshal(m)
	require.NoError(t, err)

	signer, err := signature.NewSigner(secret, "sha256", time.Minute)
	require.NoError(t, err)
	ts := signer.Timestamp()

	req := httptest.NewRequest(http.MethodPost, manifest.RegisterPath, bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(signature.HeaderServiceName, m.Service)
	req.Header.Set(signature.HeaderTimestamp, ts)
	req.Header.Set(signature.HeaderSignature, signer.Sign(http.MethodPost, manifest.RegisterPath, ts, body))
	return req
}

func signedGet(t *testing.T, path string) *http.Request {
	t.Helper()
	signer, err := signature.NewSigner(secret, "sha256", time.Minute)
	require.NoError(t, err)
	ts := signer.Timestamp()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(signature.HeaderServiceName, "ops")
	req.Header.Set(signature.HeaderTimestamp, ts)
	req.Header.Set(signature.HeaderSignature, signer.Sign(http.MethodGet, path, ts, nil))
	return req
}

func TestServer_GatewayEndToEnd(t *testing.T) {
	upstream := catalogUpstream()
	defer upstream.Close()

	obs := &collector{}
	s, err := New(testConfig(upstream.URL), memory.NewMemoryStorage(), nil, WithObserver(obs))
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Setup(context.Background()))
	require.NoError(t, s.Setup(context.Background()), "重复Setup不应重复注册路由")

	// 未签名的清单被拒绝
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, manifest.RegisterPath, bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, signedManifestRequest(t, manifest.Manifest{
		Service:   "catalog",
		Timestamp: "2024-05-01T12:00:00Z",
		Routes:    []manifest.Route{{Method: "GET", URI: "/api/products/{id}", Name: "products.show"}},
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// 启动后发布的清单通过动态兜底路由生效
	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/catalog/api/products/42", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "/api/products/42", got["path"])
	assert.Equal(t, "gateway", got["caller"])

	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/microservice/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), upstream.URL)

	// 路由表只对网格内服务开放
	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/microservice/routes", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, signedGet(t, "/microservice/routes"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "products.show")

	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, signedGet(t, "/microservice/manifests/catalog"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "products.show")

	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/microservice/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.True(t, obs.has("manifest.received"), "关闭时应排空事件")
}

func TestServer_ServiceMode(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Service.Name = "catalog"
	cfg.Gateway.Enabled = false
	cfg.Health.Endpoint = ""

	s, err := New(cfg, memory.NewMemoryStorage(), nil)
	require.NoError(t, err)
	defer s.Shutdown(context.Background())
	require.NoError(t, s.Setup(context.Background()))

	routes := make(map[string]bool)
	for _, r := range s.Echo().Routes() {
		routes[r.Method+" "+r.Path] = true
	}
	assert.True(t, routes["GET /microservice/status"])
	assert.False(t, routes["POST "+manifest.RegisterPath], "非网关不接收清单")
	assert.False(t, routes["GET /microservice/health"], "健康端点可以关闭")
}

func TestServer_BehindGatewayHonoursForwardedHeaders(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Service.Name = "orders"
	cfg.Gateway.Enabled = false
	cfg.Manifest.Gateway = "gateway"

	s, err := New(cfg, memory.NewMemoryStorage(), nil)
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	s.Echo().GET("/api/orders/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, meshmw.ExternalURL(c, c.Request().URL.Path))
	})

	req := httptest.NewRequest(http.MethodGet, "http://orders:8000/api/orders/7", nil)
	req.Header.Set("X-Forwarded-Host", "shop.example.com")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Prefix", "/orders")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	assert.Equal(t, "https://shop.example.com/orders/api/orders/7", rec.Body.String())

	// 网关自身不采用转发头
	gw, err := New(testConfig("http://127.0.0.1:1"), memory.NewMemoryStorage(), nil)
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())
	gw.Echo().GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, meshmw.ExternalURL(c, "/ping"))
	})
	req = httptest.NewRequest(http.MethodGet, "http://gateway:8000/ping", nil)
	req.Header.Set("X-Forwarded-Host", "shop.example.com")
	rec = httptest.NewRecorder()
	gw.Echo().ServeHTTP(rec, req)
	assert.Equal(t, "http://gateway:8000/ping", rec.Body.String())
}

func TestNew_RejectsUnknownAlgorithm(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Service.Algorithm = "crc32"

	_, err := New(cfg, memory.NewMemoryStorage(), nil)
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	cfg := testConfig("")

	store, closeFn, err := OpenStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &memory.MemoryStorage{}, store)
	assert.NoError(t, closeFn())

	cfg.Store.Driver = "mongo"
	_, _, err = OpenStore(context.Background(), cfg)
	assert.Error(t, err)
}

func TestCustomValidator(t *testing.T) {
	v := NewValidator()
	assert.Error(t, v.Validate(&manifest.Manifest{Service: "oms"}))
	assert.NoError(t, v.Validate(&manifest.Manifest{
		Service:   "oms",
		Timestamp: "t",
		Routes:    []manifest.Route{{Method: "GET", URI: "/api"}},
	}))
}
