package client

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// RequestSpec 一次出站请求的描述
type RequestSpec struct {
	Service string
	Method  string
	Path    string
	Headers http.Header
	Query   url.Values
	Body    any // nil 表示没有请求体，否则按JSON编码

	Timeout time.Duration // 0 表示按服务配置或默认值
	Retries *int          // nil 表示按服务配置或默认值
}

// RequestBuilder 以链式调用构造请求，Send之后不可再使用
type RequestBuilder struct {
	client *Client
	spec   RequestSpec
	sent   bool
}

// Service 开始构造发往指定服务的请求
func (c *Client) Service(name string) *RequestBuilder {
	return &RequestBuilder{
		client: c,
		spec: RequestSpec{
			Service: name,
			Method:  http.MethodGet,
			Path:    "/",
			Headers: http.Header{},
			Query:   url.Values{},
		},
	}
}

// Get 设置GET请求
func (b *RequestBuilder) Get(path string) *RequestBuilder {
	return b.WithMethod(http.MethodGet, path, nil)
}

// Post 设置POST请求
func (b *RequestBuilder) Post(path string, body any) *RequestBuilder {
	return b.WithMethod(http.MethodPost, path, body)
}

// Put 设置PUT请求
func (b *RequestBuilder) Put(path string, body any) *RequestBuilder {
	return b.WithMethod(http.MethodPut, path, body)
}

// Patch 设置PATCH请求
func (b *RequestBuilder) Patch(path string, body any) *RequestBuilder {
	return b.WithMethod(http.MethodPatch, path, body)
}

// Delete 设置DELETE请求
func (b *RequestBuilder) Delete(path string) *RequestBuilder {
	return b.WithMethod(http.MethodDelete, path, nil)
}

// WithMethod 设置方法、路径和请求体
func (b *RequestBuilder) WithMethod(method, path string, body any) *RequestBuilder {
	if b.sent {
		return b
	}
	b.spec.Method = method
	b.spec.Path = path
	b.spec.Body = body
	return b
}

// WithHeaders 合并请求头
func (b *RequestBuilder) WithHeaders(headers map[string]string) *RequestBuilder {
	if b.sent {
		return b
	}
	for k, v := range headers {
		b.spec.Headers.Set(k, v)
	}
	return b
}

// WithQuery 合并查询参数
func (b *RequestBuilder) WithQuery(query map[string]string) *RequestBuilder {
	if b.sent {
		return b
	}
	for k, v := range query {
		b.spec.Query.Set(k, v)
	}
	return b
}

// WithBody 设置请求体
func (b *RequestBuilder) WithBody(body any) *RequestBuilder {
	if b.sent {
		return b
	}
	b.spec.Body = body
	return b
}

// Timeout 覆盖本次请求的超时
func (b *RequestBuilder) Timeout(d time.Duration) *RequestBuilder {
	if b.sent {
		return b
	}
	b.spec.Timeout = d
	return b
}

// Retries 覆盖本次请求的每实例重试次数
func (b *RequestBuilder) Retries(n int) *RequestBuilder {
	if b.sent {
		return b
	}
	b.spec.Retries = &n
	return b
}

// Spec 返回当前请求描述的副本
func (b *RequestBuilder) Spec() RequestSpec {
	spec := b.spec
	spec.Headers = b.spec.Headers.Clone()
	spec.Query = cloneValues(b.spec.Query)
	return spec
}

// Send 发送请求，构造器只能发送一次
func (b *RequestBuilder) Send(ctx context.Context) (*Response, error) {
	if b.sent {
		return nil, ErrRequestSent
	}
	b.sent = true
	return b.client.Send(ctx, b.Spec())
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
