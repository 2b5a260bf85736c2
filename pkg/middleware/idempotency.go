package middleware

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/events"
	"github.com/hewenyu/kong-mesh/pkg/signature"
	"github.com/hewenyu/kong-mesh/pkg/storage"
)

// HeaderCacheHit 标记响应来自幂等缓存
const HeaderCacheHit = "X-Idempotency-Cache-Hit"

// 缓存副本中不保留的响应头
var volatileHeaders = []string{"Date", "Set-Cookie"}

// Emitter 事件投递接口
type Emitter interface {
	Emit(event events.Event)
}

// CachedResponse 幂等缓存中的响应
type CachedResponse struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers"`
	Content []byte      `json:"content"`
}

// Idempotency 按 X-Request-Id 对非安全方法的请求去重
type Idempotency struct {
	store       storage.Store
	keys        storage.Keyspace
	ttl         time.Duration
	lockTimeout time.Duration
	emitter     Emitter
	logger      config.Logger
}

// NewIdempotency 创建幂等保护
func NewIdempotency(cfg *config.Config, store storage.Store, emitter Emitter, logger config.Logger) *Idempotency {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Idempotency{
		store:       store,
		keys:        storage.Keyspace{Prefix: cfg.Store.Prefix},
		ttl:         cfg.Idempotency.TTL,
		lockTimeout: cfg.Idempotency.LockTimeout,
		emitter:     emitter,
		logger:      logger,
	}
}

// Middleware 返回echo中间件
func (i *Idempotency) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			requestID := req.Header.Get(signature.HeaderRequestID)
			if isSafeMethod(req.Method) || requestID == "" {
				return next(c)
			}

			if !IsUUIDv4(requestID) {
				return ErrInvalidRequestID
			}

			ctx := req.Context()
			cacheKey := i.keys.Idempotency(requestID)

			cached, err := i.store.Get(ctx, cacheKey)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "读取幂等缓存失败").SetInternal(err)
			}
			if cached != nil {
				return i.replay(c, requestID, cached)
			}

			lockKey := i.keys.IdempotencyLock(requestID)
			acquired, err := i.store.SetNX(ctx, lockKey, []byte("processing"), i.lockTimeout)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "获取幂等锁失败").SetInternal(err)
			}
			if !acquired {
				return ErrDuplicateRequest
			}
			defer func() {
				if err := i.store.Delete(context.WithoutCancel(ctx), lockKey); err != nil {
					i.logger.Warn("释放幂等锁失败", zap.String("request_id", requestID), zap.Error(err))
				}
			}()

			res := c.Response()
			recorder := &bodyRecorder{ResponseWriter: res.Writer}
			res.Writer = recorder
			defer func() { res.Writer = recorder.ResponseWriter }()

			if err := next(c); err != nil {
				return err
			}

			if res.Committed && res.Status >= 200 && res.Status < 300 {
				i.save(context.WithoutCancel(ctx), cacheKey, requestID, res.Status, res.Header(), recorder.body.Bytes())
			}
			return nil
		}
	}
}

func (i *Idempotency) save(ctx context.Context, key, requestID string, status int, header http.Header, body []byte) {
	if body == nil {
		body = []byte{}
	}
	headers := header.Clone()
	for _, h := range volatileHeaders {
		headers.Del(h)
	}

	data, err := json.Marshal(CachedResponse{Status: status, Headers: headers, Content: body})
	if err != nil {
		i.logger.Warn("序列化幂等缓存失败", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	if err := i.store.Set(ctx, key, data, i.ttl); err != nil {
		i.logger.Warn("写入幂等缓存失败", zap.String("request_id", requestID), zap.Error(err))
	}
}

func (i *Idempotency) replay(c echo.Context, requestID string, data []byte) error {
	cached, err := decodeCached(data)
	if err != nil {
		i.logger.Error("幂等缓存记录已损坏", zap.String("request_id", requestID), zap.Error(err))
		return ErrInvalidCacheState
	}

	req := c.Request()
	i.logger.Info("命中幂等缓存",
		zap.String("request_id", requestID),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", cached.Status))
	if i.emitter != nil {
		i.emitter.Emit(events.IdempotentRequestDetected{
			RequestID:    requestID,
			Method:       req.Method,
			Path:         req.URL.Path,
			CachedStatus: cached.Status,
		})
	}

	res := c.Response()
	for k, vals := range cached.Headers {
		res.Header()[k] = append([]string(nil), vals...)
	}
	res.Header().Set(HeaderCacheHit, "true")
	res.WriteHeader(cached.Status)
	_, err = res.Write(cached.Content)
	return err
}

// decodeCached 缺少 status 或 content 的记录视为损坏
func decodeCached(data []byte) (*CachedResponse, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for _, required := range []string{"status", "content"} {
		if raw, ok := fields[required]; !ok || string(raw) == "null" {
			return nil, fmt.Errorf("缺少字段 %s", required)
		}
	}

	var cached CachedResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	if cached.Status < 100 || cached.Status > 999 {
		return nil, fmt.Errorf("状态码无效: %d", cached.Status)
	}
	return &cached, nil
}

// IsUUIDv4 判断是否为标准格式的UUID v4
func IsUUIDv4(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// bodyRecorder 在写出响应的同时保留一份响应体
type bodyRecorder struct {
	http.ResponseWriter
	body bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *bodyRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func (w *bodyRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
