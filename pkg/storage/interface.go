package storage

import (
	"context"
	"errors"
	"time"
)

// Store 定义网格共享存储接口
//
// 所有跨请求的协调状态（实例健康计数、幂等锁、路由清单）都保存在这里，
// 每个操作单独保证原子性，不依赖多键事务。
type Store interface {
	// Get 获取键值，键不存在或已过期时返回 (nil, nil)
	Get(ctx context.Context, key string) ([]byte, error)

	// Set 写入键值，ttl<=0 表示永不过期
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX 仅当键不存在时写入，返回是否写入成功
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete 删除键，键不存在时不报错
	Delete(ctx context.Context, key string) error

	// SAdd 向集合添加成员
	SAdd(ctx context.Context, set string, member string) error

	// SMembers 列出集合成员
	SMembers(ctx context.Context, set string) ([]string, error)
}

// UpdateFunc 根据旧值计算新值，old为nil表示键不存在
type UpdateFunc func(old []byte) ([]byte, error)

// Updater 是可选的单键比较并交换能力
//
// Update 以乐观并发的方式读取-修改-写回同一个键，并把过期时间重置为ttl。
type Updater interface {
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
}

// StorageError 定义存储操作可能返回的错误类型
type StorageError struct {
	Code    int
	Message string
	Err     error
}

// Error 实现error接口
func (e *StorageError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap 返回底层错误
func (e *StorageError) Unwrap() error {
	return e.Err
}

// 定义错误代码
const (
	// ErrConflict 并发修改冲突
	ErrConflict = iota + 1
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
	// ErrInternal 内部错误
	ErrInternal
)

// NewConflictError 创建并发冲突错误
func NewConflictError(message string) *StorageError {
	return &StorageError{
		Code:    ErrConflict,
		Message: message,
	}
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *StorageError {
	return &StorageError{
		Code:    ErrInvalidArgument,
		Message: message,
	}
}

// NewInternalError 创建内部错误
func NewInternalError(message string, err error) *StorageError {
	return &StorageError{
		Code:    ErrInternal,
		Message: message,
		Err:     err,
	}
}

// IsCode 判断错误是否为指定代码的存储错误
func IsCode(err error, code int) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Code == code
}

// UpdateRetries 乐观更新的最大尝试次数
const UpdateRetries = 16

// Keyspace 为共享存储中的各类键加统一前缀
type Keyspace struct {
	Prefix string
}

// Health 实例健康记录键: {prefix}health:{service}:{hash}
func (k Keyspace) Health(service, hash string) string {
	return k.Prefix + "health:" + service + ":" + hash
}

// Manifest 服务路由清单键: {prefix}manifest:{service}
func (k Keyspace) Manifest(service string) string {
	return k.Prefix + "manifest:" + service
}

// Manifests 已发布服务名集合键
func (k Keyspace) Manifests() string {
	return k.Prefix + "manifests"
}

// Idempotency 幂等响应缓存键: {prefix}idempotency:{requestId}
func (k Keyspace) Idempotency(requestID string) string {
	return k.Prefix + "idempotency:" + requestID
}

// IdempotencyLock 幂等处理锁键
func (k Keyspace) IdempotencyLock(requestID string) string {
	return k.Idempotency(requestID) + ":lock"
}
