package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/events"
	"github.com/hewenyu/kong-mesh/pkg/manifest"
)

// Emitter 事件投递接口
type Emitter interface {
	Emit(event events.Event)
}

// ManifestHandler 接收服务推送的路由清单
type ManifestHandler struct {
	registry *manifest.Registry
	emitter  Emitter
	logger   config.Logger
}

// NewManifestHandler 创建清单处理器
func NewManifestHandler(registry *manifest.Registry, emitter Emitter, logger config.Logger) *ManifestHandler {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &ManifestHandler{
		registry: registry,
		emitter:  emitter,
		logger:   logger,
	}
}

// Register 校验并存储清单
func (h *ManifestHandler) Register(c echo.Context) error {
	var m manifest.Manifest
	if err := c.Bind(&m); err != nil {
		return c.JSON(http.StatusBadRequest, Response{
			Code:    http.StatusBadRequest,
			Message: "请求参数无效: " + err.Error(),
		})
	}

	if err := c.Validate(&m); err != nil {
		return c.JSON(http.StatusBadRequest, Response{
			Code:    http.StatusBadRequest,
			Message: "参数验证失败: " + err.Error(),
		})
	}

	if err := h.registry.Store(c.Request().Context(), m); err != nil {
		h.logger.Error("存储清单失败", zap.String("service", m.Service), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, Response{
			Code:    http.StatusInternalServerError,
			Message: "存储清单失败",
		})
	}

	h.logger.Info("收到路由清单",
		zap.String("service", m.Service),
		zap.String("caller", c.Request().Header.Get("X-Service-Name")),
		zap.Int("routes", len(m.Routes)))

	if h.emitter != nil {
		h.emitter.Emit(events.ManifestReceived{Service: m.Service, Manifest: m, RouteCount: len(m.Routes)})
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "registered",
		Data: map[string]any{
			"status":  "registered",
			"service": m.Service,
			"routes":  len(m.Routes),
		},
	})
}
