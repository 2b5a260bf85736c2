// Package health 根据失败计数推导实例健康状态
package health

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/events"
	"github.com/hewenyu/kong-mesh/pkg/signature"
	"github.com/hewenyu/kong-mesh/pkg/storage"
)

// Record 存储中的实例健康记录
type Record struct {
	Failures    int   `json:"failures"`
	LastFailure int64 `json:"last_failure"` // unix 秒
}

// InstanceStatus 健康报告中的一行
type InstanceStatus struct {
	URL         string `json:"url"`
	Failures    int    `json:"failures"`
	LastFailure *int64 `json:"last_failure"`
	Healthy     bool   `json:"healthy"`
}

// IsHealthy 健康判定：无记录、失败次数低于阈值或距上次失败已超过恢复时间
func IsHealthy(rec *Record, threshold int, recovery time.Duration, now time.Time) bool {
	if rec == nil {
		return true
	}
	if rec.Failures < threshold {
		return true
	}
	return now.Sub(time.Unix(rec.LastFailure, 0)) >= recovery
}

// Emitter 事件投递接口
type Emitter interface {
	Emit(event events.Event)
}

// Registry 实例健康状态注册表
type Registry struct {
	cfg     *config.Config
	store   storage.Store
	keys    storage.Keyspace
	emitter Emitter
	logger  config.Logger
	now     func() time.Time
}

// NewRegistry 创建健康注册表，emitter可以为nil
func NewRegistry(cfg *config.Config, store storage.Store, emitter Emitter, logger config.Logger) *Registry {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Registry{
		cfg:     cfg,
		store:   store,
		keys:    storage.Keyspace{Prefix: cfg.Store.Prefix},
		emitter: emitter,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock 替换时钟
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Instances 返回服务配置的全部实例
func (r *Registry) Instances(service string) []string {
	return r.cfg.Instances(service)
}

// HealthyInstances 按配置顺序返回健康实例
func (r *Registry) HealthyInstances(ctx context.Context, service string) []string {
	instances := r.Instances(service)
	healthy := make([]string, 0, len(instances))
	now := r.now()
	for _, url := range instances {
		if IsHealthy(r.InstanceHealth(ctx, service, url), r.cfg.Health.FailureThreshold, r.cfg.Health.RecoveryTimeout, now) {
			healthy = append(healthy, url)
		}
	}
	return healthy
}

// InstanceHealth 读取实例健康记录，不存在或损坏时返回nil
func (r *Registry) InstanceHealth(ctx context.Context, service, url string) *Record {
	data, err := r.store.Get(ctx, r.key(service, url))
	if err != nil {
		r.logger.Warn("读取健康记录失败",
			zap.String("service", service),
			zap.String("url", url),
			zap.Error(err))
		return nil
	}
	return decode(data)
}

// MarkFailure 失败次数加一并刷新记录过期时间
func (r *Registry) MarkFailure(ctx context.Context, service, url string) error {
	key := r.key(service, url)
	ttl := 2 * r.cfg.Health.RecoveryTimeout
	now := r.now()

	var before, after Record
	bump := func(old []byte) ([]byte, error) {
		before = Record{}
		if rec := decode(old); rec != nil {
			before = *rec
		}
		after = Record{Failures: before.Failures + 1, LastFailure: now.Unix()}
		return json.Marshal(after)
	}

	if u, ok := r.store.(storage.Updater); ok {
		if err := u.Update(ctx, key, ttl, bump); err != nil {
			return err
		}
	} else {
		old, err := r.store.Get(ctx, key)
		if err != nil {
			return err
		}
		data, _ := bump(old)
		if err := r.store.Set(ctx, key, data, ttl); err != nil {
			return err
		}
	}

	threshold := r.cfg.Health.FailureThreshold
	if before.Failures < threshold && after.Failures >= threshold {
		r.emit(events.HealthChanged{Service: service, URL: url, Healthy: false, Failures: after.Failures})
	}
	return nil
}

// MarkSuccess 删除健康记录，一次成功即完全恢复
func (r *Registry) MarkSuccess(ctx context.Context, service, url string) error {
	key := r.key(service, url)

	var wasUnhealthy bool
	var failures int
	if r.emitter != nil {
		if rec := r.InstanceHealth(ctx, service, url); rec != nil {
			failures = rec.Failures
			wasUnhealthy = !IsHealthy(rec, r.cfg.Health.FailureThreshold, r.cfg.Health.RecoveryTimeout, r.now())
		}
	}

	if err := r.store.Delete(ctx, key); err != nil {
		return err
	}

	if wasUnhealthy {
		r.emit(events.HealthChanged{Service: service, URL: url, Healthy: true, Failures: failures})
	}
	return nil
}

// AllHealth 列出所有已配置服务的实例健康情况
func (r *Registry) AllHealth(ctx context.Context) map[string][]InstanceStatus {
	names := make([]string, 0, len(r.cfg.Services))
	for name := range r.cfg.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	now := r.now()
	result := make(map[string][]InstanceStatus, len(names))
	for _, service := range names {
		statuses := make([]InstanceStatus, 0)
		for _, url := range r.Instances(service) {
			rec := r.InstanceHealth(ctx, service, url)
			status := InstanceStatus{
				URL:     url,
				Healthy: IsHealthy(rec, r.cfg.Health.FailureThreshold, r.cfg.Health.RecoveryTimeout, now),
			}
			if rec != nil {
				last := rec.LastFailure
				status.Failures = rec.Failures
				status.LastFailure = &last
			}
			statuses = append(statuses, status)
		}
		result[service] = statuses
	}
	return result
}

func (r *Registry) key(service, url string) string {
	return r.keys.Health(service, signature.HashURL(url))
}

func (r *Registry) emit(event events.Event) {
	if r.emitter != nil {
		r.emitter.Emit(event)
	}
}

func decode(data []byte) *Record {
	if data == nil {
		return nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil
	}
	return &rec
}
