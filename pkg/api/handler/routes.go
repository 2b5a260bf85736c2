package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/manifest"
	"github.com/hewenyu/kong-mesh/pkg/route"
)

// RouteLister 读取网关可见的清单与路由
type RouteLister interface {
	AllManifests(ctx context.Context) (map[string]manifest.Manifest, error)
	AllRoutes(ctx context.Context) ([]route.Entry, error)
}

// RoutesHandler 网关路由表查询
type RoutesHandler struct {
	table  RouteLister
	logger config.Logger
}

// NewRoutesHandler 创建路由表查询处理器
func NewRoutesHandler(table RouteLister, logger config.Logger) *RoutesHandler {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &RoutesHandler{table: table, logger: logger}
}

// ListRoutes 列出全部已发布路由
func (h *RoutesHandler) ListRoutes(c echo.Context) error {
	entries, err := h.table.AllRoutes(c.Request().Context())
	if err != nil {
		h.logger.Error("读取路由表失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, Response{
			Code:    http.StatusInternalServerError,
			Message: "读取路由表失败",
		})
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "ok",
		Data: map[string]any{
			"routes": entries,
			"total":  len(entries),
		},
	})
}

// GetManifest 获取单个服务的清单
func (h *RoutesHandler) GetManifest(c echo.Context) error {
	service := c.Param("service")

	manifests, err := h.table.AllManifests(c.Request().Context())
	if err != nil {
		h.logger.Error("读取清单失败", zap.String("service", service), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, Response{
			Code:    http.StatusInternalServerError,
			Message: "读取清单失败",
		})
	}

	m, ok := manifests[service]
	if !ok {
		return c.JSON(http.StatusNotFound, Response{
			Code:    http.StatusNotFound,
			Message: "服务清单不存在: " + service,
		})
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "ok",
		Data:    m,
	})
}
