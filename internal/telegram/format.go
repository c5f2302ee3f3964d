package telegram

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dushixiang/argus/internal/models"
	"github.com/dushixiang/argus/internal/service"
)

var errNoAccounts = errors.New("no enabled accounts")

const helpText = `Argus 运维机器人

/status [账户ID] - 查看账户状态
/runs [账户ID] - 最近的流水线记录
/halt [原因] - 熔断交易
/resume [账户ID] - 解除熔断
/modes - 列出交易模式

直接发消息可与助手对话。`

type account struct {
	ID   string
	Name string
}

func formatStatus(acc *account, portfolio *service.Portfolio, status *service.AutopilotStatus) string {
	var sb strings.Builder
	sb.WriteString("*" + escapeMarkdown(acc.Name) + "*\n")
	sb.WriteString(fmt.Sprintf("净值: $%.2f  可用: $%.2f\n",
		portfolio.Metrics.TotalBalance, portfolio.Metrics.Available))
	sb.WriteString(fmt.Sprintf("未实现盈亏: $%.2f  收益率: %.2f%%\n",
		portfolio.Metrics.UnrealisedPnl, portfolio.Metrics.ReturnPercent))
	sb.WriteString(fmt.Sprintf("回撤: %.2f%%  保证金占用: %.2f%%\n",
		portfolio.Metrics.DrawdownFromPeak, portfolio.MarginUsedPct))
	sb.WriteString(fmt.Sprintf("持仓: %d\n", len(portfolio.Positions)))

	if status.Halted {
		sb.WriteString("状态: 已熔断（" + escapeMarkdown(status.HaltReason) + "）\n")
	} else if status.Enabled {
		sb.WriteString(fmt.Sprintf("自动驾驶: 开启，强度 %d\n", status.Intensity))
	} else {
		sb.WriteString("自动驾驶: 关闭\n")
	}
	return sb.String()
}

func formatRuns(acc *account, runs []models.PipelineRun) string {
	if len(runs) == 0 {
		return "账户 *" + escapeMarkdown(acc.Name) + "* 暂无流水线记录。"
	}

	var sb strings.Builder
	sb.WriteString("*" + escapeMarkdown(acc.Name) + "* 最近 " + fmt.Sprintf("%d", len(runs)) + " 次执行\n")
	for _, run := range runs {
		line := fmt.Sprintf("%s  %s/%s  %d笔  %dms",
			run.CreatedAt.Format("01-02 15:04"), run.Status, run.Mode, run.TradesPlaced, run.DurationMs)
		if run.FailedPhase != "" {
			line += "  止于" + run.FailedPhase
		}
		sb.WriteString(escapeMarkdown(line) + "\n")
	}
	return sb.String()
}

func formatModes(profiles []service.ModeProfile) string {
	var sb strings.Builder
	sb.WriteString("*交易模式*\n")
	for _, profile := range profiles {
		sb.WriteString(escapeMarkdown(fmt.Sprintf("%s: 杠杆≤%dx 仓位≤%.0f%% 共识≥%.2f 日亏≤%.0f%%",
			profile.Name, profile.MaxLeverage, profile.MaxPositionPercent,
			profile.ConsensusThreshold, profile.MaxDailyLossPercent)) + "\n")
	}
	return sb.String()
}

// escapeMarkdown 转义Markdown特殊字符，避免用户数据破坏消息格式
var markdownReplacer = strings.NewReplacer(
	"_", "\\_",
	"*", "\\*",
	"`", "\\`",
	"[", "\\[",
)

func escapeMarkdown(input string) string {
	return markdownReplacer.Replace(input)
}
