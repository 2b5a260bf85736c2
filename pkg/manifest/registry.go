package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/storage"
)

// Registry 构建并存储本服务的路由清单
type Registry struct {
	cfg    *config.Config
	store  storage.Store
	keys   storage.Keyspace
	logger config.Logger
	now    func() time.Time
}

// NewRegistry 创建清单注册表
func NewRegistry(cfg *config.Config, store storage.Store, logger config.Logger) *Registry {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Registry{
		cfg:    cfg,
		store:  store,
		keys:   storage.Keyspace{Prefix: cfg.Store.Prefix},
		logger: logger,
		now:    time.Now,
	}
}

// WithClock 替换时钟
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Build 从路由来源收集配置前缀下的路由，生成当前服务的清单
func (r *Registry) Build(source RouteSource) Manifest {
	prefix := strings.Trim(r.cfg.Manifest.Prefix, "/")

	routes := make([]Route, 0)
	for _, sr := range source.Routes() {
		if sr.Method == http.MethodHead {
			continue
		}

		uri := echoPathToURI(sr.Path)
		trimmed := strings.TrimPrefix(uri, "/")
		if prefix != "" && trimmed != prefix && !strings.HasPrefix(trimmed, prefix+"/") {
			continue
		}

		routes = append(routes, Route{
			Method:   strings.ToUpper(sr.Method),
			URI:      uri,
			Name:     sr.Name,
			Metadata: filterMetadata(sr.Metadata),
		})
	}

	return Manifest{
		Service:   r.cfg.Service.Name,
		Routes:    routes,
		Timestamp: r.now().Format(time.RFC3339),
	}
}

// Store 带TTL写入清单并登记服务名，服务名为空时忽略
func (r *Registry) Store(ctx context.Context, m Manifest) error {
	if m.Service == "" {
		r.logger.Debug("清单缺少服务名，忽略")
		return nil
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("序列化清单失败: %w", err)
	}

	if err := r.store.Set(ctx, r.keys.Manifest(m.Service), data, r.cfg.Manifest.TTL); err != nil {
		return fmt.Errorf("写入清单失败: %w", err)
	}
	if err := r.store.SAdd(ctx, r.keys.Manifests(), m.Service); err != nil {
		return fmt.Errorf("登记服务名失败: %w", err)
	}

	r.logger.Info("清单已存储",
		zap.String("service", m.Service),
		zap.Int("routes", len(m.Routes)))
	return nil
}

func filterMetadata(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if isExcluded(k) || v == nil {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isExcluded(key string) bool {
	for _, k := range ExcludedMetadataKeys {
		if k == key {
			return true
		}
	}
	for _, k := range ReservedKeys {
		if k == key {
			return true
		}
	}
	return false
}
