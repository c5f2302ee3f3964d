package handler

import (
	"net/http"

	"github.com/dushixiang/argus/internal/models"
	"github.com/dushixiang/argus/internal/service"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// AdminHandler 管理员处理器
type AdminHandler struct {
	logger             *zap.Logger
	adminConfigService *service.AdminConfigService
	accountService     *service.AccountService
}

// NewAdminHandler 创建管理员处理器
func NewAdminHandler(
	logger *zap.Logger,
	adminConfigService *service.AdminConfigService,
	accountService *service.AccountService,
) *AdminHandler {
	return &AdminHandler{
		logger:             logger,
		adminConfigService: adminConfigService,
		accountService:     accountService,
	}
}

// GetTradingConfig 获取交易配置
// GET /api/admin/configs
func (h *AdminHandler) GetTradingConfig(c echo.Context) error {
	ctx := c.Request().Context()

	config, err := h.adminConfigService.GetTradingConfig(ctx)
	if err != nil {
		h.logger.Error("failed to get trading config", zap.Error(err))
		return err
	}

	return c.JSON(http.StatusOK, config)
}

// SetTradingConfig 更新交易配置
// PUT /api/admin/configs
func (h *AdminHandler) SetTradingConfig(c echo.Context) error {
	ctx := c.Request().Context()

	var tradingConfig models.TradingConfig
	if err := c.Bind(&tradingConfig); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}

	if err := h.adminConfigService.SetTradingConfig(ctx, tradingConfig); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "update success",
	})
}

// ListAccounts 列出全部交易账户
// GET /api/admin/accounts
func (h *AdminHandler) ListAccounts(c echo.Context) error {
	ctx := c.Request().Context()

	accounts, err := h.accountService.ListAccounts(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":    len(accounts),
		"accounts": accounts,
	})
}

// CreateAccount 创建交易账户
// POST /api/admin/accounts
func (h *AdminHandler) CreateAccount(c echo.Context) error {
	ctx := c.Request().Context()

	var account models.Account
	if err := c.Bind(&account); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if account.Name == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "name is required",
		})
	}

	account.ID = ""
	if err := h.accountService.SaveAccount(ctx, &account); err != nil {
		return err
	}

	h.logger.Info("account created via API",
		zap.String("account_id", account.ID),
		zap.String("name", account.Name))
	return c.JSON(http.StatusOK, account)
}

// UpdateAccount 更新交易账户
// PUT /api/admin/accounts
func (h *AdminHandler) UpdateAccount(c echo.Context) error {
	ctx := c.Request().Context()

	var account models.Account
	if err := c.Bind(&account); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if account.ID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "id is required",
		})
	}

	if _, err := h.accountService.GetAccount(ctx, account.ID); err != nil {
		return err
	}
	if err := h.accountService.SaveAccount(ctx, &account); err != nil {
		return err
	}

	h.logger.Info("account updated via API", zap.String("account_id", account.ID))
	return c.JSON(http.StatusOK, account)
}

// GetSystemPrompt 获取当前激活的系统提示词
// GET /api/admin/system-prompt
func (h *AdminHandler) GetSystemPrompt(c echo.Context) error {
	ctx := c.Request().Context()

	prompt, err := h.adminConfigService.GetSystemPrompt(ctx)
	if err != nil {
		h.logger.Error("failed to get system prompt", zap.Error(err))
		return err
	}

	return c.JSON(http.StatusOK, prompt)
}

// SetSystemPrompt 更新系统提示词(创建新版本)
// PUT /api/admin/system-prompt
func (h *AdminHandler) SetSystemPrompt(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		Content string `json:"content"`
		Remark  string `json:"remark"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if req.Content == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "content is required",
		})
	}

	prompt, err := h.adminConfigService.SetSystemPrompt(ctx, req.Content, req.Remark)
	if err != nil {
		h.logger.Error("failed to set system prompt", zap.Error(err))
		return err
	}

	return c.JSON(http.StatusOK, prompt)
}

// GetSystemPromptHistory 获取系统提示词历史记录
// GET /api/admin/system-prompt/history
func (h *AdminHandler) GetSystemPromptHistory(c echo.Context) error {
	ctx := c.Request().Context()

	prompts, err := h.adminConfigService.GetSystemPromptHistory(ctx)
	if err != nil {
		h.logger.Error("failed to get system prompt history", zap.Error(err))
		return err
	}

	return c.JSON(http.StatusOK, prompts)
}

// RollbackSystemPrompt 回滚到指定版本的系统提示词
// GET /api/admin/system-prompt/history/:id/rollback
func (h *AdminHandler) RollbackSystemPrompt(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if id == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "id is required",
		})
	}

	if err := h.adminConfigService.RollbackSystemPrompt(ctx, id); err != nil {
		h.logger.Error("failed to rollback system prompt", zap.Error(err))
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "rollback success",
	})
}

// DeleteSystemPromptHistory 删除系统提示词历史记录
// DELETE /api/admin/system-prompt/history/:id
func (h *AdminHandler) DeleteSystemPromptHistory(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if id == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "id is required",
		})
	}

	if err := h.adminConfigService.DeleteSystemPrompt(ctx, id); err != nil {
		h.logger.Error("failed to delete system prompt", zap.Error(err))
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "delete success",
	})
}

// RegisterRoutesWithGroup 注册路由到指定的组（支持中间件）
func (h *AdminHandler) RegisterRoutesWithGroup(admin *echo.Group) {
	admin.GET("/configs", h.GetTradingConfig)
	admin.PUT("/configs", h.SetTradingConfig)

	admin.GET("/accounts", h.ListAccounts)
	admin.POST("/accounts", h.CreateAccount)
	admin.PUT("/accounts", h.UpdateAccount)

	admin.GET("/system-prompt", h.GetSystemPrompt)
	admin.PUT("/system-prompt", h.SetSystemPrompt)

	admin.GET("/system-prompt/history", h.GetSystemPromptHistory)
	admin.GET("/system-prompt/history/:id/rollback", h.RollbackSystemPrompt)
	admin.DELETE("/system-prompt/history/:id", h.DeleteSystemPromptHistory)
}
