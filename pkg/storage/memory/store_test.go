package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-mesh/pkg/storage"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStorage() (*MemoryStorage, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	return NewMemoryStorageWithClock(clock.Now), clock
}

func TestMemoryStorage_GetSet(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage()

	value, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, value, "不存在的键应返回nil")

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	value, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	err = s.Set(ctx, "", []byte("v"), 0)
	assert.True(t, storage.IsCode(err, storage.ErrInvalidArgument), "空键应被拒绝")
}

func TestMemoryStorage_TTL(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStorage()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 10*time.Second))
	clock.Advance(9 * time.Second)
	value, _ := s.Get(ctx, "k")
	assert.Equal(t, []byte("v"), value)

	clock.Advance(time.Second)
	value, _ = s.Get(ctx, "k")
	assert.Nil(t, value, "到期后键应消失")
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStorage_SetNX(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStorage()

	ok, err := s.SetNX(ctx, "lock", []byte("1"), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "lock", []byte("2"), 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "键已存在时SetNX应失败")

	clock.Advance(5 * time.Second)
	ok, err = s.SetNX(ctx, "lock", []byte("3"), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "锁过期后可重新获取")

	require.NoError(t, s.Delete(ctx, "lock"))
	ok, _ = s.SetNX(ctx, "lock", []byte("4"), 5*time.Second)
	assert.True(t, ok)
}

func TestMemoryStorage_SetNXConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	var acquired int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.SetNX(ctx, "lock", []byte("x"), time.Minute); ok {
				atomic.AddInt32(&acquired, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), acquired, "并发SetNX只能有一个成功")
}

func TestMemoryStorage_Sets(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage()

	members, err := s.SMembers(ctx, "services")
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, s.SAdd(ctx, "services", "oms"))
	require.NoError(t, s.SAdd(ctx, "services", "catalog"))
	require.NoError(t, s.SAdd(ctx, "services", "oms"))

	members, err = s.SMembers(ctx, "services")
	require.NoError(t, err)
	assert.Equal(t, []string{"catalog", "oms"}, members)
}

func TestMemoryStorage_Update(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStorage()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Update(ctx, "counter", time.Minute, func(old []byte) ([]byte, error) {
				return append(old, 'x'), nil
			})
		}()
	}
	wg.Wait()

	value, _ := s.Get(ctx, "counter")
	assert.Len(t, value, 20, "所有更新都应生效")

	failure := errors.New("boom")
	err := s.Update(ctx, "counter", time.Minute, func(old []byte) ([]byte, error) {
		return nil, failure
	})
	assert.ErrorIs(t, err, failure)

	clock.Advance(time.Minute)
	value, _ = s.Get(ctx, "counter")
	assert.Nil(t, value, "Update应重置过期时间")
}
