package gateway

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Routes 网关路由的覆盖配置：服务前缀、服务级与路由级中间件、指定路由的自定义处理器
//
//	routes := gateway.NewRoutes().
//		Service("oms").Prefix("orders").Middleware(auth).
//		POST("/api/orders", nil).Middleware(audit).
//		GET("/api/orders/{id}", customHandler)
type Routes struct {
	current string
	lastKey string

	prefixes          map[string]string
	overrides         map[string]map[string]echo.HandlerFunc
	serviceMiddleware map[string][]echo.MiddlewareFunc
	routeMiddleware   map[string]map[string][]echo.MiddlewareFunc
}

// NewRoutes 创建空的覆盖配置
func NewRoutes() *Routes {
	return &Routes{
		prefixes:          make(map[string]string),
		overrides:         make(map[string]map[string]echo.HandlerFunc),
		serviceMiddleware: make(map[string][]echo.MiddlewareFunc),
		routeMiddleware:   make(map[string]map[string][]echo.MiddlewareFunc),
	}
}

// Service 切换到指定服务
func (r *Routes) Service(name string) *Routes {
	r.current = name
	r.lastKey = ""
	return r
}

// Prefix 覆盖当前服务在网关上的前缀
func (r *Routes) Prefix(prefix string) *Routes {
	r.prefixes[r.current] = prefix
	return r
}

// Middleware 紧跟在路由之后时作用于该路由，否则作用于整个服务
func (r *Routes) Middleware(mw ...echo.MiddlewareFunc) *Routes {
	if r.lastKey != "" {
		if r.routeMiddleware[r.current] == nil {
			r.routeMiddleware[r.current] = make(map[string][]echo.MiddlewareFunc)
		}
		r.routeMiddleware[r.current][r.lastKey] = mw
		return r
	}
	r.serviceMiddleware[r.current] = mw
	return r
}

// GET 选中一条GET路由，handler非nil时替换代理处理器
func (r *Routes) GET(uri string, handler echo.HandlerFunc) *Routes {
	return r.add(http.MethodGet, uri, handler)
}

// POST 选中一条POST路由
func (r *Routes) POST(uri string, handler echo.HandlerFunc) *Routes {
	return r.add(http.MethodPost, uri, handler)
}

// PUT 选中一条PUT路由
func (r *Routes) PUT(uri string, handler echo.HandlerFunc) *Routes {
	return r.add(http.MethodPut, uri, handler)
}

// PATCH 选中一条PATCH路由
func (r *Routes) PATCH(uri string, handler echo.HandlerFunc) *Routes {
	return r.add(http.MethodPatch, uri, handler)
}

// DELETE 选中一条DELETE路由
func (r *Routes) DELETE(uri string, handler echo.HandlerFunc) *Routes {
	return r.add(http.MethodDelete, uri, handler)
}

func (r *Routes) add(method, uri string, handler echo.HandlerFunc) *Routes {
	r.lastKey = routeKey(method, uri)
	if handler != nil {
		if r.overrides[r.current] == nil {
			r.overrides[r.current] = make(map[string]echo.HandlerFunc)
		}
		r.overrides[r.current][r.lastKey] = handler
	}
	return r
}

func (r *Routes) prefix(service string) (string, bool) {
	if r == nil {
		return "", false
	}
	p, ok := r.prefixes[service]
	return p, ok
}

func (r *Routes) override(service, key string) echo.HandlerFunc {
	if r == nil {
		return nil
	}
	return r.overrides[service][key]
}

func (r *Routes) middleware(service, key string) []echo.MiddlewareFunc {
	if r == nil {
		return nil
	}
	mw := append([]echo.MiddlewareFunc(nil), r.serviceMiddleware[service]...)
	return append(mw, r.routeMiddleware[service][key]...)
}

func routeKey(method, uri string) string {
	return strings.ToUpper(method) + " /" + strings.TrimLeft(uri, "/")
}
