package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/pkg/health"
)

// HealthReporter 提供全部实例的健康快照
type HealthReporter interface {
	AllHealth(ctx context.Context) map[string][]health.InstanceStatus
}

// StatusResponse 进程存活检查响应
type StatusResponse struct {
	Status    string         `json:"status"`
	Service   string         `json:"service"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	service  string
	reporter HealthReporter
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(service string, reporter HealthReporter) *HealthHandler {
	return &HealthHandler{
		service:  service,
		reporter: reporter,
	}
}

// Report 返回每个服务下各实例的失败计数与健康状态
func (h *HealthHandler) Report(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	return c.JSON(http.StatusOK, h.reporter.AllHealth(ctx))
}

// Status 进程自身的存活检查
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:    "ok",
		Service:   h.service,
		Timestamp: time.Now(),
		Details: map[string]any{
			"uptime":     time.Since(startTime).String(),
			"resources":  resourceUsage(),
			"goroutines": runtime.NumGoroutine(),
		},
	})
}

var startTime = time.Now()

func resourceUsage() map[string]any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]any{
		"memory_alloc": formatBytes(m.Alloc),
		"memory_sys":   formatBytes(m.Sys),
		"num_gc":       m.NumGC,
	}
}

// formatBytes 以1024为进制格式化字节数
func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
