// Package handler 提供网格运行时对外暴露的HTTP处理器
package handler

// Response 统一的API响应结构
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}
