package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dushixiang/argus/internal/config"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
	"github.com/openai/openai-go/shared/constant"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// 工具循环的迭代上限，防止模型无限调用工具
const assistantMaxIterations = 10

// AssistantService 运维助手，把自由对话翻译成对系统入口的工具调用
type AssistantService struct {
	logger *zap.Logger

	openAIClient *openai.Client
	model        string

	prompts      *PromptService
	accounts     AccountDirectory
	orchestrator *OrchestratorService
	autopilot    *AutopilotService
	coordinator  *CoordinatorService
	emergency    *EmergencyService
	modes        *ModeService
}

// NewAssistantService 创建运维助手服务
func NewAssistantService(
	conf *config.Config,
	openAIClient *openai.Client,
	prompts *PromptService,
	accounts AccountDirectory,
	orchestrator *OrchestratorService,
	autopilot *AutopilotService,
	coordinator *CoordinatorService,
	emergency *EmergencyService,
	modes *ModeService,
	logger *zap.Logger,
) *AssistantService {
	return &AssistantService{
		logger:       logger,
		openAIClient: openAIClient,
		model:        conf.LLM.Model,
		prompts:      prompts,
		accounts:     accounts,
		orchestrator: orchestrator,
		autopilot:    autopilot,
		coordinator:  coordinator,
		emergency:    emergency,
		modes:        modes,
	}
}

// AssistantReply 一轮对话的结果
type AssistantReply struct {
	Text             string `json:"text"`
	ToolsCalled      int    `json:"tools_called"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Chat 处理一条用户消息，模型可以在回答前多次调用工具
func (s *AssistantService) Chat(ctx context.Context, message string) (*AssistantReply, error) {
	if s.openAIClient == nil {
		return nil, fmt.Errorf("assistant is not configured")
	}

	tools := s.buildTools()
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(s.prompts.AssistantInstructions()),
		openai.UserMessage(message),
	}

	toolsCalled := 0
	var finalText strings.Builder
	totalPromptTokens := 0
	totalCompletionTokens := 0

	for iteration := 0; iteration < assistantMaxIterations; iteration++ {
		resp, err := s.openAIClient.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model:    shared.ChatModel(s.model),
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to call OpenAI API: %w", err)
		}

		totalPromptTokens += int(resp.Usage.PromptTokens)
		totalCompletionTokens += int(resp.Usage.CompletionTokens)

		if len(resp.Choices) == 0 {
			break
		}
		choiceMessage := resp.Choices[0].Message
		messages = append(messages, choiceMessage.ToParam())

		if len(choiceMessage.ToolCalls) == 0 {
			if choiceMessage.Content != "" {
				finalText.WriteString(choiceMessage.Content)
			}
			break
		}

		for _, toolCall := range choiceMessage.ToolCalls {
			toolsCalled++

			var args map[string]interface{}
			if err := json.Unmarshal([]byte(toolCall.Function.Arguments), &args); err != nil {
				s.logger.Error("failed to parse tool arguments",
					zap.String("function", toolCall.Function.Name),
					zap.Error(err))
				resultJSON, _ := json.Marshal(map[string]interface{}{
					"error": fmt.Sprintf("failed to parse arguments: %v", err),
				})
				messages = append(messages, openai.ToolMessage(string(resultJSON), toolCall.ID))
				continue
			}

			s.logger.Info("assistant called tool",
				zap.String("function", toolCall.Function.Name),
				zap.Any("args", args))

			result, err := s.executeToolFunction(ctx, toolCall.Function.Name, args)
			if err != nil {
				s.logger.Warn("tool execution failed",
					zap.String("function", toolCall.Function.Name),
					zap.Error(err))
				result = map[string]interface{}{"error": err.Error()}
			}

			resultJSON, _ := json.Marshal(result)
			messages = append(messages, openai.ToolMessage(string(resultJSON), toolCall.ID))
		}

		if iteration == assistantMaxIterations-1 {
			s.logger.Warn("reached max iterations for tool calls")
		}
	}

	return &AssistantReply{
		Text:             finalText.String(),
		ToolsCalled:      toolsCalled,
		PromptTokens:     totalPromptTokens,
		CompletionTokens: totalCompletionTokens,
	}, nil
}

// buildTools 声明助手可用的工具，全部映射到服务层入口
func (s *AssistantService) buildTools() []openai.ChatCompletionToolParam {
	functionType := constant.Function("").Default()

	accountIDParam := map[string]interface{}{
		"type":        "string",
		"description": "交易账户ID",
	}

	return []openai.ChatCompletionToolParam{
		{
			Type: functionType,
			Function: shared.FunctionDefinitionParam{
				Name:        "getAccountStatus",
				Description: openai.String("获取账户状态：净值、可用资金、回撤、熔断状态与自动驾驶状态"),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"account_id": accountIDParam,
					},
					"required": []string{"account_id"},
				},
			},
		},
		{
			Type: functionType,
			Function: shared.FunctionDefinitionParam{
				Name:        "getMarketData",
				Description: openai.String("经协调器获取行情数据。endpoint可选：realtime-prices、technical-analysis、sentiment、volatility、support-resistance、market-overview"),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"endpoint": map[string]interface{}{
							"type":        "string",
							"description": "数据端点名称",
						},
						"symbol": map[string]interface{}{
							"type":        "string",
							"description": "交易对符号，如 BTCUSDT，market-overview 不需要",
						},
					},
					"required": []string{"endpoint"},
				},
			},
		},
		{
			Type: functionType,
			Function: shared.FunctionDefinitionParam{
				Name:        "getCoordinatorStats",
				Description: openai.String("获取请求协调器的缓存命中、合并与聚合统计"),
				Parameters: shared.FunctionParameters{
					"type":       "object",
					"properties": map[string]interface{}{},
				},
			},
		},
		{
			Type: functionType,
			Function: shared.FunctionDefinitionParam{
				Name:        "triggerPipeline",
				Description: openai.String("手动触发一次完整的五阶段决策流水线"),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"account_id": accountIDParam,
						"symbols": map[string]interface{}{
							"type":        "string",
							"description": "逗号分隔的交易对列表，留空则自动发现",
						},
					},
					"required": []string{"account_id"},
				},
			},
		},
		{
			Type: functionType,
			Function: shared.FunctionDefinitionParam{
				Name:        "getRecentRuns",
				Description: openai.String("查询账户最近的流水线执行记录"),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"account_id": accountIDParam,
						"limit": map[string]interface{}{
							"type":        "integer",
							"description": "返回条数，默认5",
						},
					},
					"required": []string{"account_id"},
				},
			},
		},
		{
			Type: functionType,
			Function: shared.FunctionDefinitionParam{
				Name:        "assessEmergency",
				Description: openai.String("实时评估账户的风险等级与风控遥测"),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"account_id": accountIDParam,
					},
					"required": []string{"account_id"},
				},
			},
		},
		{
			Type: functionType,
			Function: shared.FunctionDefinitionParam{
				Name:        "haltTrading",
				Description: openai.String("立即熔断账户的新开仓，到期自动解除"),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"account_id": accountIDParam,
						"reason": map[string]interface{}{
							"type":        "string",
							"description": "熔断原因",
						},
					},
					"required": []string{"account_id", "reason"},
				},
			},
		},
		{
			Type: functionType,
			Function: shared.FunctionDefinitionParam{
				Name:        "resumeTrading",
				Description: openai.String("解除账户熔断并恢复交易"),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"account_id": accountIDParam,
					},
					"required": []string{"account_id"},
				},
			},
		},
		{
			Type: functionType,
			Function: shared.FunctionDefinitionParam{
				Name:        "startAutopilot",
				Description: openai.String("启用账户的自动驾驶"),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"account_id": accountIDParam,
						"intensity": map[string]interface{}{
							"type":        "integer",
							"description": "每周期最多启动的任务数，留空保持当前设置",
						},
					},
					"required": []string{"account_id"},
				},
			},
		},
		{
			Type: functionType,
			Function: shared.FunctionDefinitionParam{
				Name:        "stopAutopilot",
				Description: openai.String("停用账户的自动驾驶"),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"account_id": accountIDParam,
					},
					"required": []string{"account_id"},
				},
			},
		},
		{
			Type: functionType,
			Function: shared.FunctionDefinitionParam{
				Name:        "listModes",
				Description: openai.String("列出全部交易模式及其风控参数"),
				Parameters: shared.FunctionParameters{
					"type":       "object",
					"properties": map[string]interface{}{},
				},
			},
		},
	}
}

// executeToolFunction 派发工具调用
func (s *AssistantService) executeToolFunction(ctx context.Context, functionName string, args map[string]interface{}) (map[string]interface{}, error) {
	switch functionName {
	case "getAccountStatus":
		return s.toolGetAccountStatus(ctx, args)
	case "getMarketData":
		return s.toolGetMarketData(ctx, args)
	case "getCoordinatorStats":
		return s.toolGetCoordinatorStats()
	case "triggerPipeline":
		return s.toolTriggerPipeline(ctx, args)
	case "getRecentRuns":
		return s.toolGetRecentRuns(ctx, args)
	case "assessEmergency":
		return s.toolAssessEmergency(ctx, args)
	case "haltTrading":
		return s.toolHaltTrading(args)
	case "resumeTrading":
		return s.toolResumeTrading(ctx, args)
	case "startAutopilot":
		return s.toolStartAutopilot(ctx, args)
	case "stopAutopilot":
		return s.toolStopAutopilot(ctx, args)
	case "listModes":
		return s.toolListModes()
	default:
		return nil, fmt.Errorf("unknown function: %s", functionName)
	}
}

func requireAccountID(args map[string]interface{}) (string, error) {
	accountID := cast.ToString(args["account_id"])
	if accountID == "" {
		return "", fmt.Errorf("account_id is required")
	}
	return accountID, nil
}

func (s *AssistantService) toolGetAccountStatus(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	accountID, err := requireAccountID(args)
	if err != nil {
		return nil, err
	}

	portfolio, err := s.accounts.GetPortfolio(ctx, accountID)
	if err != nil {
		return nil, err
	}
	status, err := s.autopilot.Status(ctx, accountID)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"account_id":         accountID,
		"total_balance":      portfolio.Metrics.TotalBalance,
		"available":          portfolio.Metrics.Available,
		"unrealized_pnl":     portfolio.Metrics.UnrealisedPnl,
		"realized_pnl":       portfolio.Metrics.RealizedPnl,
		"return_percent":     portfolio.Metrics.ReturnPercent,
		"drawdown_from_peak": portfolio.Metrics.DrawdownFromPeak,
		"margin_used_pct":    portfolio.MarginUsedPct,
		"positions":          len(portfolio.Positions),
		"halted":             status.Halted,
		"halt_reason":        status.HaltReason,
		"autopilot_enabled":  status.Enabled,
		"autopilot_running":  status.CycleInFlight,
	}, nil
}

func (s *AssistantService) toolGetMarketData(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	endpoint := cast.ToString(args["endpoint"])
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	params := map[string]string{}
	if symbol := cast.ToString(args["symbol"]); symbol != "" {
		params["symbol"] = symbol
	}

	// 交互式查询走直连路径，不进批处理窗口等待
	result := s.coordinator.Coordinate(ctx, CoordinateRequest{
		Endpoint: endpoint,
		Params:   params,
	})
	if !result.Success {
		return nil, fmt.Errorf("%s", result.Error)
	}

	var payload interface{}
	if err := json.Unmarshal(result.Data, &payload); err != nil {
		payload = string(result.Data)
	}
	return map[string]interface{}{
		"source": result.Source,
		"data":   payload,
	}, nil
}

func (s *AssistantService) toolGetCoordinatorStats() (map[string]interface{}, error) {
	stats := s.coordinator.Stats()
	return map[string]interface{}{
		"cache_hits":      stats.CacheHits,
		"cache_misses":    stats.CacheMisses,
		"deduplicated":    stats.Deduplicated,
		"batches_created": stats.BatchesCreated,
		"api_calls_saved": stats.APICallsSaved,
		"direct_calls":    stats.DirectCalls,
	}, nil
}

func (s *AssistantService) toolTriggerPipeline(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	accountID, err := requireAccountID(args)
	if err != nil {
		return nil, err
	}

	req := PipelineRequest{AccountID: accountID, Source: TriggerManual}
	if raw := cast.ToString(args["symbols"]); raw != "" {
		req.Symbols = strings.Split(raw, ",")
	}

	result := s.orchestrator.TriggerPipeline(ctx, req)
	return map[string]interface{}{
		"success":         result.Success,
		"run_id":          result.RunID,
		"mode":            result.Mode,
		"emergency_level": result.EmergencyLevel,
		"trades_executed": result.TradesExecuted,
		"phases":          len(result.Phases),
		"error":           result.Error,
	}, nil
}

func (s *AssistantService) toolGetRecentRuns(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	accountID, err := requireAccountID(args)
	if err != nil {
		return nil, err
	}
	limit := cast.ToInt(args["limit"])
	if limit <= 0 {
		limit = 5
	}

	runs, err := s.orchestrator.RecentRuns(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]interface{}, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, map[string]interface{}{
			"run_id":       run.ID,
			"status":       run.Status,
			"mode":         run.Mode,
			"source":       run.TriggerSource,
			"trades":       run.TradesPlaced,
			"failed_phase": run.FailedPhase,
			"duration_ms":  run.DurationMs,
			"created_at":   run.CreatedAt,
		})
	}
	return map[string]interface{}{
		"count": len(rows),
		"runs":  rows,
	}, nil
}

func (s *AssistantService) toolAssessEmergency(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	accountID, err := requireAccountID(args)
	if err != nil {
		return nil, err
	}

	level, metrics, err := s.orchestrator.AssessEmergency(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"level":              level.String(),
		"daily_pnl_percent":  metrics.DailyPnlPercent,
		"margin_usage_pct":   metrics.MarginUsagePct,
		"drawdown_pct":       metrics.DrawdownPct,
		"volatility_pct":     metrics.VolatilityPct,
		"leverage":           metrics.Leverage,
		"consecutive_losses": metrics.ConsecutiveLosses,
	}, nil
}

func (s *AssistantService) toolHaltTrading(args map[string]interface{}) (map[string]interface{}, error) {
	accountID, err := requireAccountID(args)
	if err != nil {
		return nil, err
	}
	reason := cast.ToString(args["reason"])
	if reason == "" {
		return nil, fmt.Errorf("reason is required")
	}

	s.emergency.Halt(accountID, reason)
	return map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("account %s halted: %s", accountID, reason),
	}, nil
}

func (s *AssistantService) toolResumeTrading(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	accountID, err := requireAccountID(args)
	if err != nil {
		return nil, err
	}
	if err := s.orchestrator.ResumeEmergency(ctx, accountID); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("account %s resumed", accountID),
	}, nil
}

func (s *AssistantService) toolStartAutopilot(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	accountID, err := requireAccountID(args)
	if err != nil {
		return nil, err
	}
	if err := s.autopilot.StartAutonomous(ctx, accountID, cast.ToInt(args["intensity"])); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}

func (s *AssistantService) toolStopAutopilot(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	accountID, err := requireAccountID(args)
	if err != nil {
		return nil, err
	}
	if err := s.autopilot.StopAutonomous(ctx, accountID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}

func (s *AssistantService) toolListModes() (map[string]interface{}, error) {
	profiles := s.modes.ListProfiles()
	rows := make([]map[string]interface{}, 0, len(profiles))
	for _, profile := range profiles {
		rows = append(rows, map[string]interface{}{
			"name":                   profile.Name,
			"max_leverage":           profile.MaxLeverage,
			"max_position_percent":   profile.MaxPositionPercent,
			"consensus_threshold":    profile.ConsensusThreshold,
			"max_daily_loss_percent": profile.MaxDailyLossPercent,
			"decision_frequency_sec": profile.DecisionFrequencySec,
			"max_parallel_positions": profile.MaxParallelPositions,
		})
	}
	return map[string]interface{}{"modes": rows}, nil
}
