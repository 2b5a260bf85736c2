// Package server 组装网格运行时并管理echo服务的生命周期
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/api/handler"
	"github.com/hewenyu/kong-mesh/pkg/api/router"
	"github.com/hewenyu/kong-mesh/pkg/client"
	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/events"
	"github.com/hewenyu/kong-mesh/pkg/gateway"
	"github.com/hewenyu/kong-mesh/pkg/health"
	"github.com/hewenyu/kong-mesh/pkg/manifest"
	meshmw "github.com/hewenyu/kong-mesh/pkg/middleware"
	"github.com/hewenyu/kong-mesh/pkg/route"
	"github.com/hewenyu/kong-mesh/pkg/signature"
	"github.com/hewenyu/kong-mesh/pkg/storage"
)

// Handler 定义网格HTTP服务接口
type Handler interface {
	// Start 注册路由并开始监听
	Start(ctx context.Context) error

	// Shutdown 优雅关闭服务
	Shutdown(ctx context.Context) error
}

// Server 持有一个进程内全部网格组件
type Server struct {
	cfg    *config.Config
	logger config.Logger
	echo   *echo.Echo

	closeStore func() error
	observer   events.Observer
	dispatcher *events.Dispatcher
	signer     *signature.Signer
	health     *health.Registry
	client     *client.Client
	manifests  *manifest.Registry
	source     *manifest.EchoSource
	publisher  *manifest.Publisher
	table      *route.Table
	guard      *meshmw.Idempotency
	gateway    *gateway.Gateway
	routes     *gateway.Routes

	setupOnce sync.Once
	setupErr  error
}

var _ Handler = (*Server)(nil)

// Option 定制Server
type Option func(*Server)

// WithObserver 额外接收网格事件，事件仍会写入日志
func WithObserver(observer events.Observer) Option {
	return func(s *Server) {
		s.observer = observer
	}
}

// WithStoreCloser 关闭时释放存储连接
func WithStoreCloser(closeFn func() error) Option {
	return func(s *Server) {
		s.closeStore = closeFn
	}
}

// New 按配置组装网格组件
func New(cfg *config.Config, store storage.Store, logger config.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = config.NewNopLogger()
	}

	signer, err := signature.NewSigner(cfg.Service.Secret, cfg.Service.Algorithm, cfg.Service.TimestampTolerance)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewValidator()
	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))
	if cfg.Manifest.Gateway != "" && !cfg.Gateway.Enabled {
		// 部署在网关之后，按网关视角还原Host、协议和前缀
		e.Use(meshmw.TrustProxies())
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		echo:   e,
		signer: signer,
	}
	for _, opt := range opts {
		opt(s)
	}

	var observer events.Observer = events.LogObserver(logger)
	if s.observer != nil {
		observer = events.Multi(observer, s.observer)
	}
	s.dispatcher = events.NewDispatcher(observer, events.DefaultBufferSize, logger)

	s.health = health.NewRegistry(cfg, store, s.dispatcher, component(logger, "health"))
	s.client = client.New(cfg, s.health, signer,
		client.WithEmitter(s.dispatcher),
		client.WithLogger(component(logger, "client")))
	s.manifests = manifest.NewRegistry(cfg, store, component(logger, "manifest"))
	s.source = manifest.NewEchoSource(e)
	s.publisher = manifest.NewPublisher(cfg, s.manifests, s.source, s.client, s.dispatcher, component(logger, "publisher"))
	s.table = route.NewTable(cfg, store, component(logger, "route"))
	s.guard = meshmw.NewIdempotency(cfg, store, s.dispatcher, component(logger, "idempotency"))
	s.gateway = gateway.New(cfg, s.table, s.client, s.guard, component(logger, "gateway"))
	s.routes = gateway.NewRoutes()

	return s, nil
}

// Echo 返回宿主echo实例，业务路由在Start之前注册到这里
func (s *Server) Echo() *echo.Echo { return s.echo }

// Client 返回服务间调用客户端
func (s *Server) Client() *client.Client { return s.client }

// Health 返回实例健康注册表
func (s *Server) Health() *health.Registry { return s.health }

// Source 返回清单路由来源，可用于给业务路由附加元数据
func (s *Server) Source() *manifest.EchoSource { return s.source }

// Publisher 返回清单发布器
func (s *Server) Publisher() *manifest.Publisher { return s.publisher }

// Routes 返回网关路由覆盖构建器，在Start之前配置
func (s *Server) Routes() *gateway.Routes { return s.routes }

// TrustGateway 只信任网关转发请求的中间件
func (s *Server) TrustGateway() echo.MiddlewareFunc {
	return meshmw.TrustGateway(s.signer, s.cfg.Service.Debug, s.logger)
}

// TrustService 信任服务间直接调用的中间件
func (s *Server) TrustService() echo.MiddlewareFunc {
	return meshmw.TrustService(s.signer, s.cfg.Service.Debug, s.logger)
}

// Idempotency 幂等中间件
func (s *Server) Idempotency() echo.MiddlewareFunc {
	return s.guard.Middleware()
}

// Setup 挂载网格端点；网关模式下注册清单路由与动态兜底路由。只执行一次
func (s *Server) Setup(ctx context.Context) error {
	s.setupOnce.Do(func() {
		s.setupErr = s.setup(ctx)
	})
	return s.setupErr
}

func (s *Server) setup(ctx context.Context) error {
	healthHandler := handler.NewHealthHandler(s.cfg.Service.Name, s.health)

	if !s.cfg.Gateway.Enabled {
		router.RegisterRoutes(s.echo, nil, healthHandler, nil, s.cfg.Health.Endpoint)
		router.RegisterAdminRoutes(s.echo, nil, healthHandler)
		return nil
	}

	router.RegisterRoutes(s.echo,
		handler.NewManifestHandler(s.manifests, s.dispatcher, s.logger),
		healthHandler,
		s.TrustService(),
		s.cfg.Health.Endpoint)
	router.RegisterAdminRoutes(s.echo, handler.NewRoutesHandler(s.table, s.logger), healthHandler, s.TrustService())

	count, err := s.gateway.Register(ctx, s.echo, s.routes)
	if err != nil {
		return fmt.Errorf("注册网关路由失败: %w", err)
	}
	s.logger.Info("网关路由已注册", zap.Int("routes", count))

	if s.cfg.Gateway.Fallback {
		s.gateway.RegisterFallback(s.echo)
	}
	return nil
}

// Start 注册路由并在后台监听，非网关服务随后发布自己的路由清单
func (s *Server) Start(ctx context.Context) error {
	if err := s.Setup(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.ListenAddress, s.cfg.Server.Port)
	s.logger.Info("启动网格HTTP服务",
		zap.String("service", s.cfg.Service.Name),
		zap.String("address", addr),
		zap.Bool("gateway", s.cfg.Gateway.Enabled))

	// 启动服务（非阻塞）
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Error("网格HTTP服务启动失败", zap.Error(err))
		}
	}()

	if !s.cfg.Gateway.Enabled && !s.publisher.IsGateway() {
		go func() {
			pubCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.publisher.Publish(pubCtx); err != nil {
				s.logger.Warn("启动时发布清单失败", zap.Error(err))
			}
		}()
		s.publisher.Start()
	}

	return nil
}

// Shutdown 停止发布、关闭HTTP服务、排空事件并释放存储连接
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭网格HTTP服务...")

	s.publisher.Stop()

	if err := s.echo.Shutdown(ctx); err != nil {
		s.logger.Error("关闭网格HTTP服务出错", zap.Error(err))
		return err
	}

	s.dispatcher.Close()

	if s.closeStore != nil {
		if err := s.closeStore(); err != nil {
			s.logger.Error("关闭存储连接出错", zap.Error(err))
			return err
		}
	}
	return nil
}

func component(logger config.Logger, name string) config.Logger {
	return logger.With(zap.String("component", name))
}

// requestLogger 用zap记录每个请求
func requestLogger(logger config.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("caller", c.Request().Header.Get(signature.HeaderServiceName)),
			}
			if v.Error != nil {
				logger.Warn("请求处理失败", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Debug("请求完成", fields...)
			return nil
		},
	})
}
