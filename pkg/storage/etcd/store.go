package etcd

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/storage"
)

// etcd操作的超时时间
const etcdTimeout = 5 * time.Second

// Store 基于etcd的共享存储实现
//
// 过期时间通过租约实现，集合成员保存为 {set}/{member} 形式的独立键。
type Store struct {
	client *clientv3.Client
}

var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Updater = (*Store)(nil)
)

// NewStore 根据配置创建etcd存储并测试连接
func NewStore(cfg *config.EtcdConfig) (*Store, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd地址不能为空")
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = etcdTimeout
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("连接etcd失败: %w", err)
	}

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd连接测试失败: %w", err)
	}

	return &Store{client: client}, nil
}

// Close 关闭etcd客户端连接
func (s *Store) Close() error {
	return s.client.Close()
}

// Get 获取键值
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("etcd获取键值失败 [%s]", key), err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil // 键不存在
	}
	return resp.Kvs[0].Value, nil
}

// Set 写入键值
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	opts, _, err := s.leaseOptions(ctx, ttl)
	if err != nil {
		return err
	}
	if _, err := s.client.Put(ctx, key, string(value), opts...); err != nil {
		return storage.NewInternalError(fmt.Sprintf("etcd设置键值失败 [%s]", key), err)
	}
	return nil
}

// SetNX 通过事务比较创建版本实现仅当键不存在时写入
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	opts, leaseID, err := s.leaseOptions(ctx, ttl)
	if err != nil {
		return false, err
	}

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value), opts...)).
		Commit()
	if err != nil {
		return false, storage.NewInternalError(fmt.Sprintf("etcd条件设置失败 [%s]", key), err)
	}

	if !resp.Succeeded {
		s.revoke(leaseID)
	}
	return resp.Succeeded, nil
}

// Delete 删除键
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	if _, err := s.client.Delete(ctx, key); err != nil {
		return storage.NewInternalError(fmt.Sprintf("etcd删除键失败 [%s]", key), err)
	}
	return nil
}

// SAdd 向集合添加成员
func (s *Store) SAdd(ctx context.Context, set string, member string) error {
	if member == "" || strings.Contains(member, "/") {
		return storage.NewInvalidArgumentError("集合成员不能为空且不能包含'/'")
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	if _, err := s.client.Put(ctx, setMemberKey(set, member), member); err != nil {
		return storage.NewInternalError(fmt.Sprintf("etcd集合添加失败 [%s]", set), err)
	}
	return nil
}

// SMembers 列出集合成员
func (s *Store) SMembers(ctx context.Context, set string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	prefix := setMemberKey(set, "")
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("etcd获取集合失败 [%s]", set), err)
	}

	members := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		members = append(members, strings.TrimPrefix(string(kv.Key), prefix))
	}
	return members, nil
}

// Update 通过比较修改版本实现单键乐观更新
func (s *Store) Update(ctx context.Context, key string, ttl time.Duration, fn storage.UpdateFunc) error {
	for i := 0; i < storage.UpdateRetries; i++ {
		done, err := s.tryUpdate(ctx, key, ttl, fn)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return storage.NewConflictError(fmt.Sprintf("etcd乐观更新冲突次数过多 [%s]", key))
}

func (s *Store) tryUpdate(ctx context.Context, key string, ttl time.Duration, fn storage.UpdateFunc) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return false, storage.NewInternalError(fmt.Sprintf("etcd获取键值失败 [%s]", key), err)
	}

	var old []byte
	cmp := clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	if len(resp.Kvs) > 0 {
		old = resp.Kvs[0].Value
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", resp.Kvs[0].ModRevision)
	}

	value, err := fn(old)
	if err != nil {
		return false, err
	}

	opts, leaseID, err := s.leaseOptions(ctx, ttl)
	if err != nil {
		return false, err
	}

	txn, err := s.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, string(value), opts...)).Commit()
	if err != nil {
		return false, storage.NewInternalError(fmt.Sprintf("etcd事务提交失败 [%s]", key), err)
	}
	if !txn.Succeeded {
		s.revoke(leaseID)
	}
	return txn.Succeeded, nil
}

// leaseOptions 为带过期时间的写入申请租约
func (s *Store) leaseOptions(ctx context.Context, ttl time.Duration) ([]clientv3.OpOption, clientv3.LeaseID, error) {
	if ttl <= 0 {
		return nil, clientv3.NoLease, nil
	}

	// etcd租约以秒为单位，不足一秒向上取整
	seconds := int64(math.Ceil(ttl.Seconds()))
	lease, err := s.client.Grant(ctx, seconds)
	if err != nil {
		return nil, clientv3.NoLease, storage.NewInternalError("etcd创建租约失败", err)
	}
	return []clientv3.OpOption{clientv3.WithLease(lease.ID)}, lease.ID, nil
}

// revoke 撤销事务未使用的租约
func (s *Store) revoke(id clientv3.LeaseID) {
	if id == clientv3.NoLease {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), etcdTimeout)
	defer cancel()
	_, _ = s.client.Revoke(ctx, id)
}

// setMemberKey 集合成员对应的键
func setMemberKey(set, member string) string {
	return set + "/" + member
}
