package manifest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-mesh/pkg/client"
	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/events"
	"github.com/hewenyu/kong-mesh/pkg/health"
	"github.com/hewenyu/kong-mesh/pkg/signature"
	"github.com/hewenyu/kong-mesh/pkg/storage/memory"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *recordingEmitter) Emit(event events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

func newClient(t *testing.T, cfg *config.Config) *client.Client {
	t.Helper()
	signer, err := signature.NewSigner(cfg.Service.Secret, "sha256", time.Minute)
	require.NoError(t, err)
	registry := health.NewRegistry(cfg, memory.NewMemoryStorage(), nil, nil)
	return client.New(cfg, registry, signer)
}

func TestPublisher_StoresLocallyWithoutGateway(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	store := memory.NewMemoryStorage()
	em := &recordingEmitter{}
	_, src := testEcho()

	p := NewPublisher(cfg, NewRegistry(cfg, store, nil), src, nil, em, nil)
	m, err := p.Publish(ctx)
	require.NoError(t, err)
	assert.Len(t, m.Routes, 5)

	data, err := store.Get(ctx, "microservice:manifest:oms")
	require.NoError(t, err)
	assert.NotNil(t, data)

	require.Equal(t, 1, em.count())
	ev := em.events[0].(events.RoutesRegistered)
	assert.Equal(t, "oms", ev.Service)
	assert.Empty(t, ev.Gateway)
}

func TestPublisher_PushesToGateway(t *testing.T) {
	verifier, err := signature.NewSigner("s", "sha256", time.Minute)
	require.NoError(t, err)

	received := make(chan Manifest, 1)
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path != RegisterPath || r.Method != http.MethodPost ||
			!verifier.Verify(r.Method, r.URL.Path, body, r.Header.Get(signature.HeaderTimestamp), r.Header.Get(signature.HeaderSignature)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var m Manifest
		_ = json.Unmarshal(body, &m)
		received <- m
		_, _ = w.Write([]byte(`{"status":"registered"}`))
	}))
	defer gw.Close()

	cfg := testConfig()
	cfg.Manifest.Gateway = "gateway"
	cfg.Services = map[string]config.ServiceEntry{"gateway": {BaseURLs: []string{gw.URL}}}
	cfg.Defaults = config.DefaultsConfig{Timeout: 2 * time.Second}
	store := memory.NewMemoryStorage()
	em := &recordingEmitter{}
	_, src := testEcho()

	p := NewPublisher(cfg, NewRegistry(cfg, store, nil), src, newClient(t, cfg), em, nil)
	m, err := p.Publish(context.Background())
	require.NoError(t, err)

	got := <-received
	assert.Equal(t, m, got)
	assert.Equal(t, 0, store.Len(), "推送到网关时不写本地存储")
	require.Equal(t, 1, em.count())
	assert.Equal(t, "gateway", em.events[0].(events.RoutesRegistered).Gateway)
}

func TestPublisher_GatewayRejects(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer gw.Close()

	cfg := testConfig()
	cfg.Manifest.Gateway = "gateway"
	cfg.Services = map[string]config.ServiceEntry{"gateway": {BaseURLs: []string{gw.URL}}}
	_, src := testEcho()

	em := &recordingEmitter{}
	p := NewPublisher(cfg, NewRegistry(cfg, memory.NewMemoryStorage(), nil), src, newClient(t, cfg), em, nil)
	_, err := p.Publish(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Equal(t, 0, em.count())
}

func TestPublisher_RefusesWhenGateway(t *testing.T) {
	_, src := testEcho()

	cfg := testConfig()
	cfg.Manifest.Gateway = "oms"
	p := NewPublisher(cfg, NewRegistry(cfg, memory.NewMemoryStorage(), nil), src, nil, nil, nil)
	_, err := p.Publish(context.Background())
	assert.ErrorIs(t, err, ErrGatewaySelf)

	cfg = testConfig()
	cfg.Services = map[string]config.ServiceEntry{"oms": {BaseURLs: []string{"http://oms"}}}
	p = NewPublisher(cfg, NewRegistry(cfg, memory.NewMemoryStorage(), nil), src, nil, nil, nil)
	assert.True(t, p.IsGateway())
	_, err = p.Publish(context.Background())
	assert.ErrorIs(t, err, ErrGatewaySelf)
}

func TestPublisher_RejectsEmptyManifest(t *testing.T) {
	cfg := testConfig()
	store := memory.NewMemoryStorage()
	em := &recordingEmitter{}
	e := echo.New()
	e.GET("/internal/metrics", noop)

	p := NewPublisher(cfg, NewRegistry(cfg, store, nil), NewEchoSource(e), nil, em, nil)
	m, err := p.Publish(context.Background())
	assert.ErrorIs(t, err, ErrNoRoutes)
	assert.Empty(t, m.Routes)
	data, err := store.Get(context.Background(), "microservice:manifest:oms")
	require.NoError(t, err)
	assert.Nil(t, data, "空清单不写入存储")
	assert.Equal(t, 0, em.count())

	// 路由注册之后再发布即可成功
	e.GET("/api/orders/:id", noop)
	m, err = p.Publish(context.Background())
	require.NoError(t, err)
	assert.Len(t, m.Routes, 1)
	data, err = store.Get(context.Background(), "microservice:manifest:oms")
	require.NoError(t, err)
	assert.NotNil(t, data)
}

func TestPublisher_PeriodicRefresh(t *testing.T) {
	cfg := testConfig()
	cfg.Manifest.RefreshInterval = 10 * time.Millisecond
	em := &recordingEmitter{}
	_, src := testEcho()

	p := NewPublisher(cfg, NewRegistry(cfg, memory.NewMemoryStorage(), nil), src, nil, em, nil)
	p.Start()
	require.Eventually(t, func() bool { return em.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	p.Stop()

	after := em.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, em.count())
	p.Stop()
}

func TestPublisher_StartWithoutInterval(t *testing.T) {
	cfg := testConfig()
	em := &recordingEmitter{}
	_, src := testEcho()

	p := NewPublisher(cfg, NewRegistry(cfg, memory.NewMemoryStorage(), nil), src, nil, em, nil)
	p.Start()
	time.Sleep(20 * time.Millisecond)
	p.Stop()
	assert.Equal(t, 0, em.count())
}
