// Package client 实现带签名、重试与故障转移的服务间调用客户端
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/events"
	"github.com/hewenyu/kong-mesh/pkg/signature"
)

// Registry 客户端依赖的实例健康状态
type Registry interface {
	Instances(service string) []string
	HealthyInstances(ctx context.Context, service string) []string
	MarkFailure(ctx context.Context, service, url string) error
	MarkSuccess(ctx context.Context, service, url string) error
}

// Emitter 事件投递接口
type Emitter interface {
	Emit(event events.Event)
}

// Doer 执行HTTP请求，*http.Client 满足该接口
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client 服务间调用客户端
type Client struct {
	cfg        *config.Config
	registry   Registry
	signer     *signature.Signer
	httpClient Doer
	emitter    Emitter
	logger     config.Logger
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 替换底层HTTP客户端
func WithHTTPClient(doer Doer) Option {
	return func(c *Client) {
		c.httpClient = doer
	}
}

// WithEmitter 设置事件投递
func WithEmitter(emitter Emitter) Option {
	return func(c *Client) {
		c.emitter = emitter
	}
}

// WithLogger 设置日志
func WithLogger(logger config.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New 创建服务间调用客户端
func New(cfg *config.Config, registry Registry, signer *signature.Signer, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		registry:   registry,
		signer:     signer,
		httpClient: &http.Client{},
		logger:     config.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send 发送请求
//
// 优先使用健康实例，没有健康实例时退回到全部已配置实例。
// 每个实例最多尝试 retries+1 次，4xx 立即返回，5xx 和连接错误重试后转移到下一个实例。
func (c *Client) Send(ctx context.Context, spec RequestSpec) (*Response, error) {
	service := spec.Service

	instances := c.registry.HealthyInstances(ctx, service)
	if len(instances) == 0 {
		instances = c.registry.Instances(service)
	}
	if len(instances) == 0 {
		err := &UnavailableError{Service: service, Message: fmt.Sprintf("服务 %s 没有配置实例", service)}
		c.emit(events.ServiceUnavailable{Service: service, LastError: err.Message})
		return nil, err
	}

	body, err := encodeBody(spec.Body)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	if spec.Headers == nil {
		spec.Headers = http.Header{}
	}
	requestID := spec.Headers.Get(signature.HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	var lastErr error
	for _, baseURL := range instances {
		resp, err := c.tryInstance(ctx, spec, baseURL, body, requestID)
		if resp != nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	lastMessage := ""
	if lastErr != nil {
		lastMessage = lastErr.Error()
	}
	c.logger.Error("服务所有实例均不可用",
		zap.String("service", service),
		zap.Strings("instances", instances),
		zap.String("last_error", lastMessage))
	c.emit(events.ServiceUnavailable{Service: service, AttemptedURLs: instances, LastError: lastMessage})

	if c.cfg.Defaults.PropagateError && lastErr != nil {
		return nil, lastErr
	}
	return nil, &UnavailableError{Service: service, Err: lastErr}
}

// tryInstance 对单个实例执行重试循环，返回nil响应表示该实例已耗尽
func (c *Client) tryInstance(ctx context.Context, spec RequestSpec, baseURL string, body []byte, requestID string) (*Response, error) {
	retries := c.cfg.ResolveRetries(spec.Service, spec.Retries)
	if retries < 0 {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.cfg.Defaults.RetryDelay); err != nil {
				return nil, err
			}
		}

		resp, err := c.execute(ctx, spec, baseURL, body, requestID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.handleFailure(ctx, spec, baseURL, 0, err.Error())
			lastErr = err
			continue
		}

		switch {
		case resp.Status() >= http.StatusInternalServerError:
			c.handleFailure(ctx, spec, baseURL, resp.Status(), "服务端错误")
			lastErr = fmt.Errorf("实例 %s 返回状态码 %d", baseURL, resp.Status())
		case resp.Status() >= http.StatusBadRequest:
			c.handleFailure(ctx, spec, baseURL, resp.Status(), "客户端错误")
			return resp, nil
		default:
			if err := c.registry.MarkSuccess(ctx, spec.Service, baseURL); err != nil {
				c.logger.Warn("记录实例成功失败",
					zap.String("service", spec.Service),
					zap.String("url", baseURL),
					zap.Error(err))
			}
			return resp, nil
		}
	}

	return nil, lastErr
}

// execute 发送一次签名请求，时间戳与签名每次尝试重新计算
func (c *Client) execute(ctx context.Context, spec RequestSpec, baseURL string, body []byte, requestID string) (*Response, error) {
	target, err := buildURL(baseURL, spec.Path, spec.Query)
	if err != nil {
		return nil, err
	}

	if timeout := c.cfg.ResolveTimeout(spec.Service, spec.Timeout); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}

	for k, vals := range spec.Headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	timestamp := c.signer.Timestamp()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.HeaderServiceName, c.cfg.Service.Name)
	req.Header.Set(signature.HeaderRequestID, requestID)
	req.Header.Set(signature.HeaderTimestamp, timestamp)
	req.Header.Set(signature.HeaderSignature, c.signer.Sign(spec.Method, spec.Path, timestamp, body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	return NewResponse(resp.StatusCode, resp.Header, respBody), nil
}

// buildURL 拼接实例地址与请求路径，路径按未转义形式设置，由url包负责线上转义
func buildURL(baseURL, path string, query url.Values) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("无效的实例地址 %s: %w", baseURL, err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawPath = ""
	u.RawQuery = query.Encode()
	u.Fragment = ""
	return u.String(), nil
}

func (c *Client) handleFailure(ctx context.Context, spec RequestSpec, baseURL string, status int, message string) {
	if err := c.registry.MarkFailure(ctx, spec.Service, baseURL); err != nil {
		c.logger.Warn("记录实例失败出错",
			zap.String("service", spec.Service),
			zap.String("url", baseURL),
			zap.Error(err))
	}

	// 有事件接收方时由事件日志记录，避免同一次失败写两条告警
	if c.emitter == nil {
		c.logger.Warn("服务请求失败",
			zap.String("service", spec.Service),
			zap.String("url", baseURL),
			zap.String("method", spec.Method),
			zap.String("path", spec.Path),
			zap.Int("status", status),
			zap.String("message", message))
		return
	}

	c.emitter.Emit(events.RequestFailed{
		Service: spec.Service,
		URL:     baseURL,
		Method:  spec.Method,
		Path:    spec.Path,
		Status:  status,
		Message: message,
	})
}

func (c *Client) emit(event events.Event) {
	if c.emitter != nil {
		c.emitter.Emit(event)
	}
}

// encodeBody 按JSON编码请求体，不转义HTML字符
func encodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.(json.RawMessage); ok {
		return raw, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
