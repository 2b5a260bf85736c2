package manifest

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
)

// SourceRoute 本地路由管线中的一条路由
type SourceRoute struct {
	Method   string
	Path     string
	Name     string
	Metadata map[string]any
}

// RouteSource 提供本服务已注册的路由
type RouteSource interface {
	Routes() []SourceRoute
}

// EchoSource 从echo实例收集路由，并附加通过Annotate登记的元数据
type EchoSource struct {
	echo *echo.Echo

	mu          sync.RWMutex
	annotations map[string]map[string]any
}

// NewEchoSource 创建echo路由来源
func NewEchoSource(e *echo.Echo) *EchoSource {
	return &EchoSource{
		echo:        e,
		annotations: make(map[string]map[string]any),
	}
}

// Annotate 为路由附加元数据，path使用echo的写法，例如 /api/orders/:id
// 元数据中的 "name" 会作为路由名
func (s *EchoSource) Annotate(method, path string, metadata map[string]any) *EchoSource {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToUpper(method) + " " + path
	merged := s.annotations[key]
	if merged == nil {
		merged = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		merged[k] = v
	}
	s.annotations[key] = merged
	return s
}

// Routes 实现RouteSource接口，按路径和方法排序
func (s *EchoSource) Routes() []SourceRoute {
	s.mu.RLock()
	defer s.mu.RUnlock()

	routes := s.echo.Routes()
	out := make([]SourceRoute, 0, len(routes))
	for _, r := range routes {
		if strings.HasPrefix(r.Method, "echo_") {
			continue
		}

		route := SourceRoute{Method: r.Method, Path: r.Path}
		if isExplicitName(r.Name) {
			route.Name = r.Name
		}

		if meta, ok := s.annotations[r.Method+" "+r.Path]; ok {
			route.Metadata = make(map[string]any, len(meta))
			for k, v := range meta {
				if k == "name" {
					if name, ok := v.(string); ok {
						route.Name = name
					}
					continue
				}
				route.Metadata[k] = v
			}
		}
		out = append(out, route)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return methodOrder(out[i].Method) < methodOrder(out[j].Method)
	})
	return out
}

// isExplicitName echo默认用处理函数的完整符号名作为路由名，这类名字不进入清单
func isExplicitName(name string) bool {
	if name == "" {
		return false
	}
	return !strings.Contains(name, "/") &&
		!strings.HasPrefix(name, "main.") &&
		!strings.HasSuffix(name, "-fm") &&
		!strings.Contains(name, ".func")
}

var methods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodOptions,
}

func methodOrder(method string) int {
	for i, m := range methods {
		if m == method {
			return i
		}
	}
	return len(methods)
}

// echoPathToURI 把echo路径参数 :id 转成 {id}，通配符 * 转成 {wildcard}
func echoPathToURI(path string) string {
	segments := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, seg := range segments {
		switch {
		case strings.HasPrefix(seg, ":"):
			segments[i] = "{" + seg[1:] + "}"
		case seg == "*":
			segments[i] = "{wildcard}"
		}
	}
	return "/" + strings.Join(segments, "/")
}
