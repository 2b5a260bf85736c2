// Package events 定义网格运行时的领域事件与观察者接口
package events

// Event 领域事件
type Event interface {
	EventName() string
}

// Observer 领域事件观察者
type Observer interface {
	Notify(event Event)
}

// ObserverFunc 函数适配器
type ObserverFunc func(event Event)

// Notify 实现Observer接口
func (f ObserverFunc) Notify(event Event) {
	f(event)
}

// RequestFailed 出站请求失败（连接失败、5xx或4xx）
type RequestFailed struct {
	Service string `json:"service"`
	URL     string `json:"url"`
	Method  string `json:"method"`
	Path    string `json:"path"`
	Status  int    `json:"status"` // 0 表示没有响应
	Message string `json:"message"`
}

// EventName 实现Event接口
func (RequestFailed) EventName() string { return "service.request_failed" }

// ServiceUnavailable 服务所有实例均尝试失败
type ServiceUnavailable struct {
	Service       string   `json:"service"`
	AttemptedURLs []string `json:"attempted_urls"`
	LastError     string   `json:"last_error"`
}

// EventName 实现Event接口
func (ServiceUnavailable) EventName() string { return "service.unavailable" }

// HealthChanged 实例健康状态发生变化
type HealthChanged struct {
	Service  string `json:"service"`
	URL      string `json:"url"`
	Healthy  bool   `json:"healthy"`
	Failures int    `json:"failures"`
}

// EventName 实现Event接口
func (HealthChanged) EventName() string { return "service.health_changed" }

// ManifestReceived 网关收到服务发布的路由清单
type ManifestReceived struct {
	Service    string `json:"service"`
	Manifest   any    `json:"manifest"`
	RouteCount int    `json:"route_count"`
}

// EventName 实现Event接口
func (ManifestReceived) EventName() string { return "manifest.received" }

// RoutesRegistered 服务完成路由清单发布
type RoutesRegistered struct {
	Service string `json:"service"`
	Routes  any    `json:"routes"`
	Gateway string `json:"gateway,omitempty"` // 为空表示写入本地存储
}

// EventName 实现Event接口
func (RoutesRegistered) EventName() string { return "manifest.routes_registered" }

// IdempotentRequestDetected 重复请求命中幂等缓存
type IdempotentRequestDetected struct {
	RequestID    string `json:"request_id"`
	Method       string `json:"method"`
	Path         string `json:"path"`
	CachedStatus int    `json:"cached_status"`
}

// EventName 实现Event接口
func (IdempotentRequestDetected) EventName() string { return "idempotency.cache_hit" }
