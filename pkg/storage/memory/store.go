package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hewenyu/kong-mesh/pkg/storage"
)

// entry 表示一条带过期时间的键值
type entry struct {
	value    []byte
	expireAt time.Time // 零值表示永不过期
}

// MemoryStorage 是基于内存的共享存储实现，主要用于测试和单进程部署
type MemoryStorage struct {
	mutex  sync.Mutex
	values map[string]entry
	sets   map[string]map[string]struct{}
	now    func() time.Time
}

// NewMemoryStorage 创建新的内存存储
func NewMemoryStorage() *MemoryStorage {
	return NewMemoryStorageWithClock(time.Now)
}

// NewMemoryStorageWithClock 使用指定时钟创建内存存储
func NewMemoryStorageWithClock(now func() time.Time) *MemoryStorage {
	return &MemoryStorage{
		values: make(map[string]entry),
		sets:   make(map[string]map[string]struct{}),
		now:    now,
	}
}

var (
	_ storage.Store   = (*MemoryStorage)(nil)
	_ storage.Updater = (*MemoryStorage)(nil)
)

// lookup 读取未过期的键值，调用方需持有锁
func (m *MemoryStorage) lookup(key string) ([]byte, bool) {
	e, ok := m.values[key]
	if !ok {
		return nil, false
	}
	if !e.expireAt.IsZero() && !m.now().Before(e.expireAt) {
		delete(m.values, key)
		return nil, false
	}
	return e.value, true
}

// put 写入键值，调用方需持有锁
func (m *MemoryStorage) put(key string, value []byte, ttl time.Duration) {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expireAt = m.now().Add(ttl)
	}
	m.values[key] = e
}

// Get 获取键值
func (m *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	value, ok := m.lookup(key)
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

// Set 写入键值
func (m *MemoryStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return storage.NewInvalidArgumentError("键不能为空")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.put(key, value, ttl)
	return nil
}

// SetNX 仅当键不存在时写入
func (m *MemoryStorage) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, storage.NewInvalidArgumentError("键不能为空")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.lookup(key); exists {
		return false, nil
	}
	m.put(key, value, ttl)
	return true, nil
}

// Delete 删除键
func (m *MemoryStorage) Delete(ctx context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.values, key)
	return nil
}

// SAdd 向集合添加成员
func (m *MemoryStorage) SAdd(ctx context.Context, set string, member string) error {
	if set == "" || member == "" {
		return storage.NewInvalidArgumentError("集合名和成员不能为空")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	members, ok := m.sets[set]
	if !ok {
		members = make(map[string]struct{})
		m.sets[set] = members
	}
	members[member] = struct{}{}
	return nil
}

// SMembers 列出集合成员，结果按字典序排列
func (m *MemoryStorage) SMembers(ctx context.Context, set string) ([]string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	members := make([]string, 0, len(m.sets[set]))
	for member := range m.sets[set] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

// Update 在锁内完成读取-修改-写回
func (m *MemoryStorage) Update(ctx context.Context, key string, ttl time.Duration, fn storage.UpdateFunc) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	old, _ := m.lookup(key)
	value, err := fn(old)
	if err != nil {
		return err
	}
	m.put(key, value, ttl)
	return nil
}

// Len 返回未过期键的数量
func (m *MemoryStorage) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	count := 0
	for key := range m.values {
		if _, ok := m.lookup(key); ok {
			count++
		}
	}
	return count
}
