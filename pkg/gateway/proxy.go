package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/client"
	"github.com/hewenyu/kong-mesh/pkg/route"
)

// 代理响应中总是剥离的逐跳头
var hopHeaders = []string{"Transfer-Encoding", "Connection"}

// ProxyResponse 网关自身返回的错误响应
type ProxyResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Proxy 把请求转发到 _service 指定的服务，并原样返回上游的状态码与响应体
func (g *Gateway) Proxy(c echo.Context) error {
	service, _ := c.Get(MetaService).(string)
	if service == "" {
		return echo.ErrNotFound
	}

	req := c.Request()
	prefix, _ := c.Get(MetaServicePrefix).(string)

	spec := client.RequestSpec{
		Service: service,
		Method:  req.Method,
		Path:    g.proxyPath(c, prefix),
		Headers: forwardedHeaders(c, prefix),
		Query:   req.URL.Query(),
	}

	if !isSafeMethod(req.Method) {
		body, err := jsonBody(req)
		if err != nil {
			return err
		}
		if body != nil {
			spec.Body = body
		}
	}

	resp, err := g.client.Send(req.Context(), spec)
	if err != nil {
		if client.IsUnavailable(err) {
			g.logger.Warn("代理目标服务不可用", zap.String("service", service), zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, ProxyResponse{
				Code:    http.StatusServiceUnavailable,
				Message: "服务 " + service + " 暂不可用",
			})
		}
		return err
	}

	header := c.Response().Header()
	for k, vals := range resp.Headers() {
		if g.stripped(k) {
			continue
		}
		header[k] = append([]string(nil), vals...)
	}
	c.Response().WriteHeader(resp.Status())
	_, err = c.Response().Write(resp.Body())
	return err
}

// proxyPath 用路径参数替换服务内URI模板，没有模板时使用原始路径
func (g *Gateway) proxyPath(c echo.Context, prefix string) string {
	serviceURI, _ := c.Get(MetaServiceURI).(string)
	if serviceURI == "" {
		return c.Request().URL.Path
	}
	pattern := route.ParsePattern(serviceURI)

	if params, ok := c.Get(MetaParams).(map[string]string); ok {
		return pattern.Expand(params)
	}
	if params, ok := route.ParsePattern(joinPrefix(prefix, serviceURI)).Match(c.Request().URL.Path); ok {
		return pattern.Expand(params)
	}

	params := make(map[string]string)
	names := c.ParamNames()
	values := c.ParamValues()
	for i, name := range names {
		if i < len(values) {
			params[name] = values[i]
		}
	}
	return pattern.Expand(params)
}

func (g *Gateway) stripped(header string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	for _, h := range g.cfg.Proxy.StripHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

func forwardedHeaders(c echo.Context, prefix string) http.Header {
	req := c.Request()
	scheme := c.Scheme()

	port := ""
	if _, p, err := net.SplitHostPort(req.Host); err == nil {
		port = p
	} else if scheme == "https" {
		port = "443"
	} else {
		port = "80"
	}

	h := http.Header{}
	h.Set("X-Forwarded-Host", req.Host)
	h.Set("X-Forwarded-Proto", scheme)
	h.Set("X-Forwarded-Port", port)
	if prefix != "" {
		h.Set("X-Forwarded-Prefix", "/"+strings.Trim(prefix, "/"))
	}
	return h
}

// jsonBody 只有JSON对象或数组才会被转发
func jsonBody(req *http.Request) (json.RawMessage, error) {
	if req.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') || !json.Valid(trimmed) {
		return nil, nil
	}
	return json.RawMessage(trimmed), nil
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
