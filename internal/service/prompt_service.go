package service

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasttemplate"
)

//go:embed templates/consensus_instructions.txt
var consensusInstructionsTemplate string

//go:embed templates/assistant_instructions.txt
var assistantInstructionsTemplate string

// PromptService AI提示词生成服务
type PromptService struct{}

// NewPromptService 创建提示词服务
func NewPromptService() *PromptService {
	return &PromptService{}
}

// ConsensusInstructions 渲染共识审核的系统指令，约束条件来自当前模式
func (s *PromptService) ConsensusInstructions(profile ModeProfile) string {
	return s.RenderConsensusInstructions(consensusInstructionsTemplate, profile)
}

// RenderConsensusInstructions 用指定模板渲染共识系统指令，模板可来自管理端的版本记录
func (s *PromptService) RenderConsensusInstructions(content string, profile ModeProfile) string {
	tmpl := fasttemplate.New(content, "{{", "}}")
	return tmpl.ExecuteString(map[string]interface{}{
		"mode":                   profile.Name,
		"consensus_threshold":    trimFloat(profile.ConsensusThreshold),
		"max_leverage":           strconv.Itoa(profile.MaxLeverage),
		"max_position_percent":   trimFloat(profile.MaxPositionPercent),
		"max_daily_loss_percent": trimFloat(profile.MaxDailyLossPercent),
		"stop_loss_percent":      trimFloat(profile.StopLossPercent),
		"profit_target_percent":  trimFloat(profile.ProfitTargetPercent),
	})
}

// AssistantInstructions 渲染运维助手的系统指令
func (s *PromptService) AssistantInstructions() string {
	tmpl := fasttemplate.New(assistantInstructionsTemplate, "{{", "}}")
	return tmpl.ExecuteString(map[string]interface{}{
		"current_time": time.Now().UTC().Format("2006-01-02 15:04 UTC"),
	})
}

// ValidationPrompt 生成共识审核的用户提示词
func (s *PromptService) ValidationPrompt(payload *ConsensusPayload) string {
	if payload == nil {
		return ""
	}

	var sb strings.Builder
	s.writeAccountState(&sb, payload)
	s.writeMarketBackdrop(&sb, payload)
	s.writeSignals(&sb, payload.Signals)
	sb.WriteString("请审核以上信号并按系统指令要求输出JSON。\n")
	return sb.String()
}

// writeAccountState 写入账户与风险状态
func (s *PromptService) writeAccountState(sb *strings.Builder, payload *ConsensusPayload) {
	sb.WriteString("## 账户与风险状态\n\n")
	sb.WriteString(fmt.Sprintf("- 当前账户净值: $%.2f\n", payload.Metrics.TotalBalance))
	sb.WriteString(fmt.Sprintf("- 可用资金: $%.2f\n", payload.Metrics.Available))
	sb.WriteString(fmt.Sprintf("- 未实现盈亏: $%.2f\n", payload.Metrics.UnrealisedPnl))
	sb.WriteString(fmt.Sprintf("- 当日盈亏: %.2f%%\n", payload.Risk.DailyPnlPercent))
	sb.WriteString(fmt.Sprintf("- 从峰值回撤: %.2f%%\n", payload.Risk.DrawdownPct))
	sb.WriteString(fmt.Sprintf("- 保证金占用: %.2f%%\n", payload.Risk.MarginUsagePct))
	sb.WriteString(fmt.Sprintf("- 连续亏损笔数: %d\n", payload.Risk.ConsecutiveLosses))
	sb.WriteString(fmt.Sprintf("- 持仓波动率: %.2f%%\n\n", payload.Risk.VolatilityPct))
}

// writeMarketBackdrop 写入市场背景
func (s *PromptService) writeMarketBackdrop(sb *strings.Builder, payload *ConsensusPayload) {
	sb.WriteString("## 市场背景\n\n")

	overview := payload.Overview
	if overview == nil {
		sb.WriteString("暂无市场全景数据。\n\n")
		return
	}

	sb.WriteString(fmt.Sprintf("- 市场阶段: %s\n", overview.Regime))
	sb.WriteString(fmt.Sprintf("- BTC价格: $%.2f\n", overview.BTCPrice))
	sb.WriteString(fmt.Sprintf("- 上涨广度: %.1f%%\n", overview.BreadthPercent))
	sb.WriteString(fmt.Sprintf("- 平均波动率: %.2f%%\n", overview.AvgVolatility))
	sb.WriteString(fmt.Sprintf("- 平均资金费率: %.4f%%\n", overview.AvgFundingRate*100))
	if payload.Session.Session != "" {
		sb.WriteString(fmt.Sprintf("- 交易时段: %s，侧重%s\n", payload.Session.Session, payload.Session.StrategyFocus))
	}
	sb.WriteString("\n")
}

// writeSignals 写入拟执行的信号
func (s *PromptService) writeSignals(sb *strings.Builder, signals []*Signal) {
	sb.WriteString(fmt.Sprintf("## 拟执行信号（共%d个）\n\n", len(signals)))

	if len(signals) == 0 {
		sb.WriteString("本轮没有待执行的信号。\n\n")
		return
	}

	for i, signal := range signals {
		sb.WriteString(fmt.Sprintf("### 信号 #%d\n", i+1))
		sb.WriteString(fmt.Sprintf("- 策略: %s\n", signal.Strategy))
		sb.WriteString(fmt.Sprintf("- 币种: %s\n", signal.Symbol))
		sb.WriteString(fmt.Sprintf("- 方向: %s\n", signal.Side))
		sb.WriteString(fmt.Sprintf("- 策略置信度: %.2f\n", signal.Confidence))
		sb.WriteString(fmt.Sprintf("- 入场价: $%.2f\n", signal.EntryPrice))
		sb.WriteString(fmt.Sprintf("- 数量: %.6f\n", signal.Quantity))
		sb.WriteString(fmt.Sprintf("- 杠杆: %dx\n", signal.Leverage))
		sb.WriteString(fmt.Sprintf("- 止损: $%.2f / 止盈: $%.2f\n", signal.StopLoss, signal.TakeProfit))
		if strings.TrimSpace(signal.Reasoning) != "" {
			sb.WriteString(fmt.Sprintf("- 理由: %s\n", signal.Reasoning))
		}
		sb.WriteString("\n")
	}
}

// trimFloat 去掉小数末尾多余的零
func trimFloat(v float64) string {
	str := strconv.FormatFloat(v, 'f', 2, 64)
	str = strings.TrimRight(str, "0")
	str = strings.TrimRight(str, ".")
	if str == "" || str == "-" {
		return "0"
	}
	return str
}
