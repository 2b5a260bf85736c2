package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hewenyu/kong-mesh/pkg/storage"
)

// Store 基于redis的共享存储实现
type Store struct {
	rdb redis.UniversalClient
}

var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Updater = (*Store)(nil)
)

// NewStore 使用已有的redis客户端创建存储
func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Connect 根据redis URL建立连接并检查可用性
func Connect(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("解析redis地址失败: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis连接测试失败: %w", err)
	}

	return &Store{rdb: rdb}, nil
}

// Close 关闭redis连接
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Get 获取键值
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("redis获取键值失败 [%s]", key), err)
	}
	return value, nil
}

// Set 写入键值
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, expiration(ttl)).Err(); err != nil {
		return storage.NewInternalError(fmt.Sprintf("redis设置键值失败 [%s]", key), err)
	}
	return nil
}

// SetNX 仅当键不存在时写入
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, expiration(ttl)).Result()
	if err != nil {
		return false, storage.NewInternalError(fmt.Sprintf("redis条件设置失败 [%s]", key), err)
	}
	return ok, nil
}

// Delete 删除键
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return storage.NewInternalError(fmt.Sprintf("redis删除键失败 [%s]", key), err)
	}
	return nil
}

// SAdd 向集合添加成员
func (s *Store) SAdd(ctx context.Context, set string, member string) error {
	if err := s.rdb.SAdd(ctx, set, member).Err(); err != nil {
		return storage.NewInternalError(fmt.Sprintf("redis集合添加失败 [%s]", set), err)
	}
	return nil
}

// SMembers 列出集合成员
func (s *Store) SMembers(ctx context.Context, set string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, set).Result()
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("redis获取集合失败 [%s]", set), err)
	}
	return members, nil
}

// Update 使用 WATCH/MULTI 完成单键乐观更新
func (s *Store) Update(ctx context.Context, key string, ttl time.Duration, fn storage.UpdateFunc) error {
	txf := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if errors.Is(err, redis.Nil) {
			old = nil
		}

		value, err := fn(old)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, value, expiration(ttl))
			return nil
		})
		return err
	}

	for i := 0; i < storage.UpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			// 键在事务期间被修改，重试
			continue
		}
		return err
	}

	return storage.NewConflictError(fmt.Sprintf("redis乐观更新冲突次数过多 [%s]", key))
}

// expiration 把ttl转换为redis过期参数，0 表示永不过期
func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}
