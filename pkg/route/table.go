package route

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/manifest"
	"github.com/hewenyu/kong-mesh/pkg/storage"
)

// Entry 汇总后的一条路由
type Entry struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	URI     string `json:"uri"`
	Name    string `json:"name,omitempty"`
}

// Match 解析结果
type Match struct {
	Service string
	Prefix  string // 该服务在网关上的前缀，可能为空
	Route   manifest.Route
	Params  map[string]string
}

// Table 网关侧的路由表，每次读取都从共享存储汇总
type Table struct {
	store    storage.Store
	keys     storage.Keyspace
	prefixes map[string]string
	logger   config.Logger
}

// NewTable 创建路由表，prefixes为服务名到网关前缀的覆盖
func NewTable(cfg *config.Config, store storage.Store, logger config.Logger) *Table {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Table{
		store:    store,
		keys:     storage.Keyspace{Prefix: cfg.Store.Prefix},
		prefixes: cfg.Gateway.Prefixes,
		logger:   logger,
	}
}

// ServicePrefix 返回服务在网关上的前缀，默认是服务名
func (t *Table) ServicePrefix(service string) string {
	if p, ok := t.prefixes[service]; ok {
		return strings.Trim(p, "/")
	}
	return service
}

// WithPrefix 覆盖某个服务的网关前缀
func (t *Table) WithPrefix(service, prefix string) *Table {
	prefixes := make(map[string]string, len(t.prefixes)+1)
	for k, v := range t.prefixes {
		prefixes[k] = v
	}
	prefixes[service] = prefix
	t.prefixes = prefixes
	return t
}

// AllManifests 读取全部仍然有效的清单，过期或无法解析的记录被跳过
func (t *Table) AllManifests(ctx context.Context) (map[string]manifest.Manifest, error) {
	services, err := t.store.SMembers(ctx, t.keys.Manifests())
	if err != nil {
		return nil, err
	}

	manifests := make(map[string]manifest.Manifest, len(services))
	for _, service := range services {
		data, err := t.store.Get(ctx, t.keys.Manifest(service))
		if err != nil {
			t.logger.Warn("读取清单失败", zap.String("service", service), zap.Error(err))
			continue
		}
		if data == nil {
			continue
		}

		var m manifest.Manifest
		if err := json.Unmarshal(data, &m); err != nil || m.Service == "" {
			t.logger.Warn("清单格式无效，已跳过", zap.String("service", service))
			continue
		}
		manifests[m.Service] = m
	}
	return manifests, nil
}

// Sorted 按服务名排序返回清单
func Sorted(manifests map[string]manifest.Manifest) []manifest.Manifest {
	names := make([]string, 0, len(manifests))
	for name := range manifests {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]manifest.Manifest, 0, len(names))
	for _, name := range names {
		out = append(out, manifests[name])
	}
	return out
}

// AllRoutes 返回所有服务的路由平铺列表
func (t *Table) AllRoutes(ctx context.Context) ([]Entry, error) {
	manifests, err := t.AllManifests(ctx)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, m := range Sorted(manifests) {
		for _, r := range m.Routes {
			entries = append(entries, Entry{Service: m.Service, Method: r.Method, URI: r.URI, Name: r.Name})
		}
	}
	return entries, nil
}

// Resolve 查找处理 method+uri 的服务
//
// 方法不区分大小写，uri补齐前导斜杠。同时尝试网关可见形式 /{prefix}/{uri}
// 与服务内形式 /{uri}。服务按名字排序，第一个匹配的路由胜出。
func (t *Table) Resolve(ctx context.Context, method, uri string) (*Match, error) {
	manifests, err := t.AllManifests(ctx)
	if err != nil {
		return nil, err
	}
	return t.resolveIn(Sorted(manifests), method, uri), nil
}

func (t *Table) resolveIn(manifests []manifest.Manifest, method, uri string) *Match {
	method = strings.ToUpper(method)
	uri = NormalizePath(uri)

	for _, m := range manifests {
		prefix := t.ServicePrefix(m.Service)
		for _, r := range m.Routes {
			if strings.ToUpper(r.Method) != method {
				continue
			}

			pattern := ParsePattern(r.URI)
			if prefix != "" {
				if params, ok := ParsePattern(prefix + pattern.String()).Match(uri); ok {
					return &Match{Service: m.Service, Prefix: prefix, Route: r, Params: params}
				}
			}
			if params, ok := pattern.Match(uri); ok {
				return &Match{Service: m.Service, Prefix: prefix, Route: r, Params: params}
			}
		}
	}
	return nil
}
