// Package middleware 提供服务间信任校验与幂等保护的echo中间件
package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// 中间件返回的错误，由echo的错误处理器渲染
var (
	ErrMissingSignature   = echo.NewHTTPError(http.StatusUnauthorized, "缺少请求签名")
	ErrInvalidSignature   = echo.NewHTTPError(http.StatusUnauthorized, "请求签名无效")
	ErrMissingServiceName = echo.NewHTTPError(http.StatusUnauthorized, "缺少调用方服务名")
	ErrInvalidRequestID   = echo.NewHTTPError(http.StatusBadRequest, "X-Request-Id 必须是合法的UUID v4")
	ErrDuplicateRequest   = echo.NewHTTPError(http.StatusConflict, "相同请求正在处理中")
	ErrInvalidCacheState  = echo.NewHTTPError(http.StatusInternalServerError, "幂等缓存记录已损坏")
)
