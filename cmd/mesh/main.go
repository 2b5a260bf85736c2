package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/server"
	"github.com/hewenyu/kong-mesh/pkg/config"
)

var (
	logger     config.Logger
	configFile string
	mode       string
	appConfig  *config.Config
)

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
	flag.StringVar(&mode, "mode", "serve", "运行模式: serve | register | health")
}

func main() {
	flag.Parse()

	// 加载配置
	var err error
	appConfig, err = config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := appConfig.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置无效: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err = config.NewLoggerWithLevel(appConfig.Log.Development, appConfig.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	path := configFile
	if path == "" {
		path = config.GetDefaultConfigPath()
	}
	logger.Debug("配置已加载", zap.String("path", path), zap.String("mode", mode))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, closeStore, err := server.OpenStore(ctx, appConfig)
	cancel()
	if err != nil {
		logger.Fatal("连接共享存储失败", zap.String("driver", appConfig.Store.Driver), zap.Error(err))
	}

	srv, err := server.New(appConfig, store, logger, server.WithStoreCloser(closeStore))
	if err != nil {
		closeStore()
		logger.Fatal("初始化网格失败", zap.Error(err))
	}

	if mode == server.ModeServe {
		logger.Info("Kong Mesh Starting...",
			zap.String("service", appConfig.Service.Name),
			zap.String("store", appConfig.Store.Driver),
			zap.Bool("gateway", appConfig.Gateway.Enabled),
			zap.Int("port", appConfig.Server.Port),
		)
	}

	if err := srv.Run(context.Background(), mode, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		if errors.Is(err, server.ErrUnknownMode) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
