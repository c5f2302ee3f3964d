package handler

import (
	"net/http"

	"github.com/dushixiang/argus/internal/service"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// CoordinatorHandler 请求协调器HTTP处理器
type CoordinatorHandler struct {
	logger      *zap.Logger
	coordinator *service.CoordinatorService
}

// NewCoordinatorHandler 创建协调器处理器
func NewCoordinatorHandler(coordinator *service.CoordinatorService, logger *zap.Logger) *CoordinatorHandler {
	return &CoordinatorHandler{
		logger:      logger,
		coordinator: coordinator,
	}
}

// CoordinateRequestDTO 协调请求体
type CoordinateRequestDTO struct {
	Endpoint     string            `json:"endpoint" validate:"required"`
	Params       map[string]string `json:"params"`
	ForceRefresh bool              `json:"force_refresh"`
	Batchable    bool              `json:"batchable"`
}

// Coordinate 经去重、缓存与聚合路径获取数据
// POST /api/coordinator/coordinate
func (h *CoordinatorHandler) Coordinate(c echo.Context) error {
	ctx := c.Request().Context()

	var req CoordinateRequestDTO
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "endpoint is required",
		})
	}

	result := h.coordinator.Coordinate(ctx, service.CoordinateRequest{
		Endpoint:     req.Endpoint,
		Params:       req.Params,
		ForceRefresh: req.ForceRefresh,
		Batchable:    req.Batchable,
	})

	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	return c.JSON(status, result)
}

// GetStats 查询协调器统计
// GET /api/coordinator/stats
func (h *CoordinatorHandler) GetStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.coordinator.Stats())
}

// Invalidate 按模式失效缓存
// POST /api/coordinator/invalidate
func (h *CoordinatorHandler) Invalidate(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		Pattern string `json:"pattern" validate:"required"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "pattern is required",
		})
	}

	removed, err := h.coordinator.Invalidate(ctx, req.Pattern)
	if err != nil {
		return err
	}

	h.logger.Info("cache invalidated via API",
		zap.String("pattern", req.Pattern),
		zap.Int("removed", removed))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"removed": removed,
	})
}

// RegisterRoutes 注册路由
func (h *CoordinatorHandler) RegisterRoutes(g *echo.Group) {
	coordinator := g.Group("/coordinator")
	coordinator.POST("/coordinate", h.Coordinate)
	coordinator.GET("/stats", h.GetStats)
	coordinator.POST("/invalidate", h.Invalidate)
}
