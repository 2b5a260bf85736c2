package client

import (
	"errors"
	"fmt"
)

// ErrRequestSent 请求构造器已经发送过
var ErrRequestSent = errors.New("请求已发送，构造器不可重复使用")

// UnavailableError 服务所有实例都不可用
type UnavailableError struct {
	Service string
	Message string
	Err     error // 最后一次底层错误，可能为nil
}

// Error 实现error接口
func (e *UnavailableError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("服务 %s 不可用", e.Service)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 返回最后一次底层错误
func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsUnavailable 判断错误链中是否包含UnavailableError
func IsUnavailable(err error) bool {
	var target *UnavailableError
	return errors.As(err, &target)
}

// RequestError 非2xx响应，由Response.Throw返回
type RequestError struct {
	Response *Response
}

// Error 实现error接口
func (e *RequestError) Error() string {
	return fmt.Sprintf("服务请求失败: 状态码 %d", e.Response.Status())
}
