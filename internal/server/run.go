package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/manifest"
)

// 运行模式
const (
	ModeServe    = "serve"
	ModeRegister = "register"
	ModeHealth   = "health"
)

// ErrUnknownMode 不支持的运行模式
var ErrUnknownMode = errors.New("未知的运行模式")

// Run 按模式运行网格：serve 监听到收到退出信号或ctx结束，register 发布一次清单，
// health 输出实例健康报告。业务路由必须在调用之前注册到 Echo()
func (s *Server) Run(ctx context.Context, mode string, out io.Writer) error {
	switch mode {
	case ModeServe:
		return s.serve(ctx)
	case ModeRegister:
		return s.register(ctx, out)
	case ModeHealth:
		return s.report(ctx, out)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
}

func (s *Server) serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		s.Shutdown(context.Background())
		return err
	}

	// 等待信号以优雅关闭
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	s.logger.Info("接收到关闭信号，正在优雅关闭...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (s *Server) register(ctx context.Context, out io.Writer) error {
	defer s.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	m, err := s.publisher.Publish(ctx)
	if err != nil {
		if errors.Is(err, manifest.ErrNoRoutes) {
			s.logger.Warn("没有可发布的路由，业务路由需在运行前注册",
				zap.String("prefix", s.cfg.Manifest.Prefix))
		}
		return fmt.Errorf("发布路由清单失败: %w", err)
	}

	target := s.cfg.Manifest.Gateway
	if target == "" {
		target = "本地存储"
	}
	_, err = fmt.Fprintf(out, "已发布 %s 的 %d 条路由到 %s\n", m.Service, len(m.Routes), target)
	return err
}

func (s *Server) report(ctx context.Context, out io.Writer) error {
	defer s.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := writeHealthReport(out, s.health.AllHealth(ctx)); err != nil {
		return fmt.Errorf("输出健康报告失败: %w", err)
	}
	return nil
}
