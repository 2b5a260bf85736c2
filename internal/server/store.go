package server

import (
	"context"
	"fmt"

	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/storage"
	"github.com/hewenyu/kong-mesh/pkg/storage/etcd"
	"github.com/hewenyu/kong-mesh/pkg/storage/memory"
	"github.com/hewenyu/kong-mesh/pkg/storage/redis"
)

// OpenStore 按 store.driver 打开共享存储，返回的close函数释放连接
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, func() error, error) {
	switch cfg.Store.Driver {
	case "memory":
		return memory.NewMemoryStorage(), func() error { return nil }, nil
	case "redis":
		s, err := redis.Connect(ctx, cfg.Store.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "etcd":
		s, err := etcd.NewStore(&cfg.Store.Etcd)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Store.Driver)
	}
}
