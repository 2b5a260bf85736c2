package router

import (
	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/pkg/api/handler"
)

// RegisterAdminRoutes 注册运维查询端点。status 保持公开，mws 只作用于路由表和清单端点
func RegisterAdminRoutes(e *echo.Echo, routesHandler *handler.RoutesHandler, healthHandler *handler.HealthHandler, mws ...echo.MiddlewareFunc) {
	admin := e.Group("/microservice")

	if healthHandler != nil {
		admin.GET("/status", healthHandler.Status)
	}

	if routesHandler != nil {
		admin.GET("/routes", routesHandler.ListRoutes, mws...)                // 路由表
		admin.GET("/manifests/:service", routesHandler.GetManifest, mws...) // 单个服务清单
	}
}
