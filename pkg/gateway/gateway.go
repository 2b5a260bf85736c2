// Package gateway 把已发布的路由清单注册为echo代理路由
package gateway

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/client"
	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/manifest"
	"github.com/hewenyu/kong-mesh/pkg/middleware"
	"github.com/hewenyu/kong-mesh/pkg/route"
)

// 代理路由在echo上下文中携带的元数据键
const (
	MetaService       = "_service"
	MetaServiceURI    = "_service_uri"
	MetaServicePrefix = "_service_prefix"
	MetaRoute         = "_route"
	MetaParams        = "_params"
)

// Gateway 动态网关
type Gateway struct {
	cfg         *config.Config
	table       *route.Table
	client      *client.Client
	idempotency *middleware.Idempotency
	logger      config.Logger
}

// New 创建网关，idempotency为nil时代理路由不做幂等保护
func New(cfg *config.Config, table *route.Table, c *client.Client, idempotency *middleware.Idempotency, logger config.Logger) *Gateway {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Gateway{
		cfg:         cfg,
		table:       table,
		client:      c,
		idempotency: idempotency,
		logger:      logger,
	}
}

// Register 为每个清单中的每条路由注册 /{prefix}/{uri} 代理路由，返回注册数量
//
// gateway.services 非空时只注册列出的服务；routes为nil时不做任何覆盖。
func (g *Gateway) Register(ctx context.Context, e *echo.Echo, routes *Routes) (int, error) {
	manifests, err := g.table.AllManifests(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range route.Sorted(manifests) {
		if !g.allowed(m.Service) {
			continue
		}

		if p, ok := routes.prefix(m.Service); ok {
			g.table.WithPrefix(m.Service, p)
		}
		prefix := g.table.ServicePrefix(m.Service)

		for _, r := range m.Routes {
			serviceURI := route.NormalizePath(r.URI)
			key := routeKey(r.Method, serviceURI)

			handler := routes.override(m.Service, key)
			if handler == nil {
				handler = g.Proxy
			}

			mw := []echo.MiddlewareFunc{g.inject(m.Service, prefix, r)}
			if g.idempotency != nil {
				mw = append(mw, g.idempotency.Middleware())
			}
			mw = append(mw, routes.middleware(m.Service, key)...)

			path := echoPath(joinPrefix(prefix, serviceURI))
			er := e.Add(strings.ToUpper(r.Method), path, handler, mw...)
			if r.Name != "" {
				er.Name = m.Service + "." + r.Name
			} else {
				er.Name = ""
			}
			count++
		}

		g.logger.Info("已注册服务路由",
			zap.String("service", m.Service),
			zap.String("prefix", prefix),
			zap.Int("routes", len(m.Routes)))
	}

	return count, nil
}

// Fallback 运行时解析未注册路径的处理器，启动后才发布的清单也能被代理
func (g *Gateway) Fallback() echo.HandlerFunc {
	proxy := echo.HandlerFunc(g.Proxy)
	if g.idempotency != nil {
		proxy = g.idempotency.Middleware()(proxy)
	}

	return func(c echo.Context) error {
		req := c.Request()
		match, err := g.table.Resolve(req.Context(), req.Method, req.URL.Path)
		if err != nil {
			g.logger.Error("解析路由失败", zap.String("path", req.URL.Path), zap.Error(err))
			return echo.ErrServiceUnavailable
		}
		if match == nil || !g.allowed(match.Service) {
			return echo.ErrNotFound
		}

		setMetadata(c, match.Service, match.Prefix, match.Route)
		c.Set(MetaParams, match.Params)
		return proxy(c)
	}
}

// RegisterFallback 注册兜底的通配路由
func (g *Gateway) RegisterFallback(e *echo.Echo) {
	e.Any("/*", g.Fallback())
}

func (g *Gateway) allowed(service string) bool {
	if len(g.cfg.Gateway.Services) == 0 {
		return true
	}
	for _, s := range g.cfg.Gateway.Services {
		if s == service {
			return true
		}
	}
	return false
}

func (g *Gateway) inject(service, prefix string, r manifest.Route) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			setMetadata(c, service, prefix, r)
			return next(c)
		}
	}
}

// setMetadata 写入路由元数据，清单中的自定义键覆盖同名的内部键
func setMetadata(c echo.Context, service, prefix string, r manifest.Route) {
	c.Set(MetaService, service)
	c.Set(MetaServiceURI, route.NormalizePath(r.URI))
	c.Set(MetaServicePrefix, prefix)
	c.Set(MetaRoute, r)
	for k, v := range r.Metadata {
		if isExcluded(k) {
			continue
		}
		c.Set(k, v)
	}
}

func isExcluded(key string) bool {
	for _, k := range manifest.ReservedKeys {
		if k == key {
			return true
		}
	}
	for _, k := range manifest.ExcludedMetadataKeys {
		if k == key {
			return true
		}
	}
	return false
}

func joinPrefix(prefix, uri string) string {
	if prefix == "" {
		return route.NormalizePath(uri)
	}
	return "/" + prefix + route.NormalizePath(uri)
}

// echoPath 把 {name} 转成echo的 :name，段内混合参数的段整体作为一个参数
func echoPath(uri string) string {
	segments := strings.Split(strings.TrimPrefix(uri, "/"), "/")
	for i, seg := range segments {
		names := route.ParsePattern(seg).Params()
		switch {
		case len(names) == 0:
		case len(names) == 1 && (seg == "{"+names[0]+"}" || seg == "{"+names[0]+"?}"):
			segments[i] = ":" + names[0]
		default:
			segments[i] = ":" + strings.Join(names, "_")
		}
	}
	return "/" + strings.Join(segments, "/")
}
