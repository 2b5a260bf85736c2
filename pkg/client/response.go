package client

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// Response 下游服务的响应，响应体已完整读取
type Response struct {
	status int
	header http.Header
	body   []byte

	once    sync.Once
	decoded any
}

// NewResponse 构造响应
func NewResponse(status int, header http.Header, body []byte) *Response {
	if header == nil {
		header = http.Header{}
	}
	return &Response{status: status, header: header, body: body}
}

// Status 返回HTTP状态码
func (r *Response) Status() int {
	return r.status
}

// OK 状态码为2xx
func (r *Response) OK() bool {
	return r.status >= 200 && r.status < 300
}

// Failed 状态码不是2xx
func (r *Response) Failed() bool {
	return !r.OK()
}

// Body 返回原始响应体
func (r *Response) Body() []byte {
	return r.body
}

// JSON 把响应体解析到v
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.body, v)
}

// Get 按点分路径读取JSON响应中的字段，例如 "data.items.0.id"
// 响应体不是JSON或路径不存在时返回nil
func (r *Response) Get(path string) any {
	r.once.Do(func() {
		if err := json.Unmarshal(r.body, &r.decoded); err != nil {
			r.decoded = nil
		}
	})

	current := r.decoded
	if path == "" {
		return current
	}
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil
			}
			current = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			current = node[i]
		default:
			return nil
		}
	}
	return current
}

// Header 返回响应头的值，不存在时返回空字符串
func (r *Response) Header(name string) string {
	return r.header.Get(name)
}

// Headers 返回全部响应头
func (r *Response) Headers() http.Header {
	return r.header
}

// Throw 非2xx时返回RequestError
func (r *Response) Throw() error {
	if r.Failed() {
		return &RequestError{Response: r}
	}
	return nil
}
