package manifest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/client"
	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/events"
)

// RegisterPath 网关接收清单的路径
const RegisterPath = "/microservice/manifest"

// ErrGatewaySelf 当前服务看起来就是网关，不能向自己发布清单
var ErrGatewaySelf = errors.New("当前服务是网关，不能发布清单")

// ErrNoRoutes 前缀下没有任何业务路由，通常是路由在发布之后才注册
var ErrNoRoutes = errors.New("清单中没有任何路由")

// Emitter 事件投递接口
type Emitter interface {
	Emit(event events.Event)
}

// Publisher 发布本服务的路由清单，可按周期重复发布
type Publisher struct {
	cfg      *config.Config
	registry *Registry
	source   RouteSource
	client   *client.Client
	emitter  Emitter
	logger   config.Logger

	mu       sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
}

// NewPublisher 创建清单发布器，未配置网关时client可以为nil
func NewPublisher(cfg *config.Config, registry *Registry, source RouteSource, c *client.Client, emitter Emitter, logger config.Logger) *Publisher {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Publisher{
		cfg:      cfg,
		registry: registry,
		source:   source,
		client:   c,
		emitter:  emitter,
		logger:   logger,
	}
}

// IsGateway 网关目标就是自己，或未配置网关且自己出现在服务列表中
func (p *Publisher) IsGateway() bool {
	name := p.cfg.Service.Name
	gateway := p.cfg.Manifest.Gateway
	if gateway == name {
		return true
	}
	if gateway == "" {
		_, ok := p.cfg.Services[name]
		return ok
	}
	return false
}

// Publish 构建清单，推送给网关或写入本地存储
func (p *Publisher) Publish(ctx context.Context) (Manifest, error) {
	m := p.registry.Build(p.source)

	if p.IsGateway() {
		return m, ErrGatewaySelf
	}
	if len(m.Routes) == 0 {
		return m, ErrNoRoutes
	}

	gateway := p.cfg.Manifest.Gateway
	if gateway != "" {
		if p.client == nil {
			return m, fmt.Errorf("未配置服务客户端，无法推送清单到网关 %s", gateway)
		}
		resp, err := p.client.Service(gateway).Post(RegisterPath, m).Send(ctx)
		if err != nil {
			return m, fmt.Errorf("网关 %s 不可用: %w", gateway, err)
		}
		if resp.Failed() {
			return m, fmt.Errorf("网关 %s 拒绝清单: 状态码 %d", gateway, resp.Status())
		}
	} else if err := p.registry.Store(ctx, m); err != nil {
		return m, err
	}

	p.logger.Info("路由清单已发布",
		zap.String("service", m.Service),
		zap.String("gateway", gateway),
		zap.Int("routes", len(m.Routes)))

	if p.emitter != nil {
		p.emitter.Emit(events.RoutesRegistered{Service: m.Service, Routes: m.Routes, Gateway: gateway})
	}
	return m, nil
}

// Start 按 manifest.refresh_interval 周期发布清单，间隔为0时不启动
func (p *Publisher) Start() {
	interval := p.cfg.Manifest.RefreshInterval
	if interval <= 0 {
		return
	}

	p.Stop()

	p.mu.Lock()
	stop := make(chan struct{})
	done := make(chan struct{})
	p.stopChan = stop
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if _, err := p.Publish(ctx); err != nil {
					p.logger.Warn("清单发布失败，将在下一个周期重试", zap.Error(err))
				}
				cancel()
			case <-stop:
				return
			}
		}
	}()
}

// Stop 停止周期发布
func (p *Publisher) Stop() {
	p.mu.Lock()
	stop, done := p.stopChan, p.done
	p.stopChan, p.done = nil, nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}
