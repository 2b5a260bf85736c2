package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// ForwardedPrefixKey 网关外部路径前缀在上下文中的键
const ForwardedPrefixKey = "forwarded_prefix"

// TrustProxies 采用网关写入的 X-Forwarded-* 头
//
// X-Forwarded-Host 写回请求Host，X-Forwarded-Proto 写回URL协议，
// X-Forwarded-Prefix 存入上下文，业务用 ExternalURL 生成对外地址。
// 只应挂在部署于网关之后的服务上。
func TrustProxies() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			if host := firstValue(req.Header.Get("X-Forwarded-Host")); host != "" {
				req.Host = host
			}
			if proto := firstValue(req.Header.Get(echo.HeaderXForwardedProto)); proto == "http" || proto == "https" {
				req.URL.Scheme = proto
			}
			if prefix := strings.Trim(firstValue(req.Header.Get("X-Forwarded-Prefix")), "/"); prefix != "" {
				c.Set(ForwardedPrefixKey, "/"+prefix)
			}
			return next(c)
		}
	}
}

// ExternalURL 按网关视角拼接对外地址
func ExternalURL(c echo.Context, path string) string {
	req := c.Request()
	scheme := req.URL.Scheme
	if scheme == "" {
		scheme = "http"
		if c.IsTLS() {
			scheme = "https"
		}
	}
	prefix, _ := c.Get(ForwardedPrefixKey).(string)
	return scheme + "://" + req.Host + prefix + "/" + strings.TrimLeft(path, "/")
}

// firstValue 多级代理时取最靠近客户端的值
func firstValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}
