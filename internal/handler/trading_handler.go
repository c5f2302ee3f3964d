package handler

import (
	"net/http"

	"github.com/dushixiang/argus/internal/service"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// TradingHandler 交易决策HTTP处理器
type TradingHandler struct {
	logger       *zap.Logger
	orchestrator *service.OrchestratorService
	autopilot    *service.AutopilotService
	emergency    *service.EmergencyService
	accounts     *service.AccountService
	modes        *service.ModeService
}

// NewTradingHandler 创建交易处理器
func NewTradingHandler(
	orchestrator *service.OrchestratorService,
	autopilot *service.AutopilotService,
	emergency *service.EmergencyService,
	accounts *service.AccountService,
	modes *service.ModeService,
	logger *zap.Logger,
) *TradingHandler {
	return &TradingHandler{
		logger:       logger,
		orchestrator: orchestrator,
		autopilot:    autopilot,
		emergency:    emergency,
		accounts:     accounts,
		modes:        modes,
	}
}

// PipelineRequestDTO 手动触发流水线的请求体
type PipelineRequestDTO struct {
	AccountID    string   `json:"account_id" validate:"required"`
	AnalysisType string   `json:"analysis_type"`
	Symbols      []string `json:"symbols"`
	Timeframes   []string `json:"timeframes"`
}

// TriggerPipeline 手动触发一次完整决策流水线
// POST /api/trading/pipeline
func (h *TradingHandler) TriggerPipeline(c echo.Context) error {
	ctx := c.Request().Context()

	var req PipelineRequestDTO
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "account_id is required",
		})
	}

	result := h.orchestrator.TriggerPipeline(ctx, service.PipelineRequest{
		AccountID:    req.AccountID,
		AnalysisType: req.AnalysisType,
		Symbols:      req.Symbols,
		Timeframes:   req.Timeframes,
		Source:       service.TriggerManual,
	})

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, result)
}

// GetRuns 查询账户最近的流水线执行记录
// GET /api/trading/runs?account_id=xxx&limit=20
func (h *TradingHandler) GetRuns(c echo.Context) error {
	ctx := c.Request().Context()

	accountID := c.QueryParam("account_id")
	if accountID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "account_id is required",
		})
	}
	limit := cast.ToInt(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 20
	}

	runs, err := h.orchestrator.RecentRuns(ctx, accountID, limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"count": len(runs),
		"runs":  runs,
	})
}

// GetRun 查询单次流水线执行详情
// GET /api/trading/runs/:id
func (h *TradingHandler) GetRun(c echo.Context) error {
	ctx := c.Request().Context()

	run, err := h.orchestrator.GetRun(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// GetStatus 获取账户状态总览
// GET /api/trading/status?account_id=xxx
func (h *TradingHandler) GetStatus(c echo.Context) error {
	ctx := c.Request().Context()

	accountID := c.QueryParam("account_id")
	if accountID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "account_id is required",
		})
	}

	portfolio, err := h.accounts.GetPortfolio(ctx, accountID)
	if err != nil {
		return err
	}
	autopilotStatus, err := h.autopilot.Status(ctx, accountID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"portfolio":  portfolio,
		"autopilot":  autopilotStatus,
	})
}

// GetTrades 查询账户交易历史
// GET /api/trading/trades?account_id=xxx&limit=20
func (h *TradingHandler) GetTrades(c echo.Context) error {
	ctx := c.Request().Context()

	accountID := c.QueryParam("account_id")
	if accountID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "account_id is required",
		})
	}
	limit := cast.ToInt(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 20
	}

	trades, err := h.accounts.RecentTrades(ctx, accountID, limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":  len(trades),
		"trades": trades,
	})
}

// GetEquityCurve 查询资金曲线
// GET /api/trading/equity-curve?account_id=xxx
func (h *TradingHandler) GetEquityCurve(c echo.Context) error {
	ctx := c.Request().Context()

	accountID := c.QueryParam("account_id")
	if accountID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "account_id is required",
		})
	}

	histories, err := h.accounts.GetEquityCurve(ctx, accountID)
	if err != nil {
		return err
	}

	data := make([]map[string]interface{}, 0, len(histories))
	for _, history := range histories {
		data = append(data, map[string]interface{}{
			"timestamp":          history.RecordedAt.Unix(),
			"time":               history.RecordedAt,
			"total_balance":      history.TotalBalance,
			"available":          history.Available,
			"unrealised_pnl":     history.UnrealisedPnl,
			"return_percent":     history.ReturnPercent,
			"drawdown_from_peak": history.DrawdownFromPeak,
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"count": len(data),
		"data":  data,
	})
}

// GetModes 列出全部交易模式
// GET /api/trading/modes
func (h *TradingHandler) GetModes(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"modes": h.modes.ListProfiles(),
	})
}

// StartAutopilot 启用账户自动驾驶
// POST /api/autopilot/start
func (h *TradingHandler) StartAutopilot(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		AccountID string `json:"account_id" validate:"required"`
		Intensity int    `json:"intensity"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "account_id is required",
		})
	}

	if err := h.autopilot.StartAutonomous(ctx, req.AccountID, req.Intensity); err != nil {
		return err
	}

	h.logger.Info("autopilot enabled via API", zap.String("account_id", req.AccountID))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "autopilot started",
	})
}

// StopAutopilot 停用账户自动驾驶
// POST /api/autopilot/stop
func (h *TradingHandler) StopAutopilot(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		AccountID string `json:"account_id" validate:"required"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "account_id is required",
		})
	}

	if err := h.autopilot.StopAutonomous(ctx, req.AccountID); err != nil {
		return err
	}

	h.logger.Info("autopilot disabled via API", zap.String("account_id", req.AccountID))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "autopilot stopped",
	})
}

// GetAutopilotStatus 查询账户自动驾驶状态
// GET /api/autopilot/status?account_id=xxx
func (h *TradingHandler) GetAutopilotStatus(c echo.Context) error {
	ctx := c.Request().Context()

	accountID := c.QueryParam("account_id")
	if accountID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "account_id is required",
		})
	}

	status, err := h.autopilot.Status(ctx, accountID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, status)
}

// AssessEmergency 实时评估账户风险等级
// POST /api/emergency/assess
func (h *TradingHandler) AssessEmergency(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		AccountID string `json:"account_id" validate:"required"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "account_id is required",
		})
	}

	level, metrics, err := h.orchestrator.AssessEmergency(ctx, req.AccountID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"level":   level.String(),
		"metrics": metrics,
	})
}

// ExecuteEmergency 手动执行指定等级的应急响应
// POST /api/emergency/execute
func (h *TradingHandler) ExecuteEmergency(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		AccountID string `json:"account_id" validate:"required"`
		Level     string `json:"level" validate:"required"`
		Reason    string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "account_id and level are required",
		})
	}

	level, err := service.ParseEmergencyLevel(req.Level)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": err.Error(),
		})
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual trigger"
	}

	action, err := h.orchestrator.ExecuteEmergency(ctx, req.AccountID, level, reason)
	if err != nil {
		return err
	}

	h.logger.Warn("emergency response executed via API",
		zap.String("account_id", req.AccountID),
		zap.String("level", level.String()))
	return c.JSON(http.StatusOK, action)
}

// ResumeEmergency 解除熔断恢复交易
// POST /api/emergency/resume
func (h *TradingHandler) ResumeEmergency(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		AccountID string `json:"account_id" validate:"required"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "account_id is required",
		})
	}

	if err := h.orchestrator.ResumeEmergency(ctx, req.AccountID); err != nil {
		return err
	}

	h.logger.Info("trading resumed via API", zap.String("account_id", req.AccountID))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "trading resumed",
	})
}

// GetEmergencyActions 查询账户应急动作记录
// GET /api/emergency/actions?account_id=xxx&limit=20
func (h *TradingHandler) GetEmergencyActions(c echo.Context) error {
	ctx := c.Request().Context()

	accountID := c.QueryParam("account_id")
	if accountID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "account_id is required",
		})
	}
	limit := cast.ToInt(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 20
	}

	actions, err := h.emergency.RecentActions(ctx, accountID, limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":   len(actions),
		"actions": actions,
	})
}

// RegisterRoutes 注册路由
func (h *TradingHandler) RegisterRoutes(g *echo.Group) {
	trading := g.Group("/trading")
	trading.POST("/pipeline", h.TriggerPipeline)
	trading.GET("/runs", h.GetRuns)
	trading.GET("/runs/:id", h.GetRun)
	trading.GET("/status", h.GetStatus)
	trading.GET("/trades", h.GetTrades)
	trading.GET("/equity-curve", h.GetEquityCurve)
	trading.GET("/modes", h.GetModes)

	autopilot := g.Group("/autopilot")
	autopilot.POST("/start", h.StartAutopilot)
	autopilot.POST("/stop", h.StopAutopilot)
	autopilot.GET("/status", h.GetAutopilotStatus)

	emergency := g.Group("/emergency")
	emergency.POST("/assess", h.AssessEmergency)
	emergency.POST("/execute", h.ExecuteEmergency)
	emergency.POST("/resume", h.ResumeEmergency)
	emergency.GET("/actions", h.GetEmergencyActions)
}
