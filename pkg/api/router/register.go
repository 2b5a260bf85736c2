// Package router 把网格运行时的HTTP端点挂到echo实例上
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/pkg/api/handler"
	"github.com/hewenyu/kong-mesh/pkg/manifest"
)

// RegisterRoutes 注册服务间端点
//
// 清单注册端点要求调用方携带有效签名与服务名；healthPath为空时不挂载健康端点。
func RegisterRoutes(e *echo.Echo, manifestHandler *handler.ManifestHandler, healthHandler *handler.HealthHandler, trust echo.MiddlewareFunc, healthPath string) {
	if manifestHandler != nil {
		var mws []echo.MiddlewareFunc
		if trust != nil {
			mws = append(mws, trust)
		}
		e.POST(manifest.RegisterPath, manifestHandler.Register, mws...)
	}

	if healthHandler != nil && healthPath != "" {
		e.GET(healthPath, healthHandler.Report)
	}
}
