package telegram

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dushixiang/argus/internal/service"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"
	"gopkg.in/telebot.v3/middleware"
)

// Settings Telegram机器人连接配置
type Settings struct {
	Token  string
	ChatID string // 系统通知的默认会话
	Client *http.Client
}

// Dependencies 机器人命令依赖的服务
type Dependencies struct {
	Assistant    *service.AssistantService
	Orchestrator *service.OrchestratorService
	Autopilot    *service.AutopilotService
	Emergency    *service.EmergencyService
	Accounts     *service.AccountService
	Modes        *service.ModeService
	Auth         *service.AuthService
}

// Telegram 运维机器人，命令与自由对话都走服务层入口
type Telegram struct {
	logger   *zap.Logger
	settings Settings
	deps     Dependencies
	client   *tele.Bot
}

func NewTelegram(logger *zap.Logger, settings Settings, deps Dependencies) (*Telegram, error) {
	poller := &tele.LongPoller{Timeout: 10 * time.Second}

	client, err := tele.NewBot(tele.Settings{
		ParseMode: tele.ModeMarkdown,
		Token:     settings.Token,
		Poller:    poller,
		Client:    settings.Client,
	})
	if err != nil {
		return nil, err
	}

	client.Use(middleware.AutoRespond())

	err = client.SetCommands([]tele.Command{
		{Text: "/start", Description: "启动机器人，显示帮助"},
		{Text: "/status", Description: "查看账户状态"},
		{Text: "/runs", Description: "查看最近的流水线记录"},
		{Text: "/halt", Description: "熔断交易，用法：/halt 原因"},
		{Text: "/resume", Description: "解除熔断恢复交易"},
		{Text: "/modes", Description: "列出交易模式"},
	})
	if err != nil {
		return nil, err
	}

	bot := &Telegram{
		logger:   logger,
		settings: settings,
		deps:     deps,
		client:   client,
	}
	bot.registerHandlers()

	return bot, nil
}

func (r *Telegram) registerHandlers() {
	r.client.Handle("/start", r.guard(r.handleHelp))
	r.client.Handle("/help", r.guard(r.handleHelp))
	r.client.Handle("/status", r.guard(r.handleStatus))
	r.client.Handle("/runs", r.guard(r.handleRuns))
	r.client.Handle("/halt", r.guard(r.handleHalt))
	r.client.Handle("/resume", r.guard(r.handleResume))
	r.client.Handle("/modes", r.guard(r.handleModes))
	r.client.Handle(tele.OnText, r.guard(r.handleChat))
}

// guard 只允许已绑定的管理员或配置的默认会话使用机器人
func (r *Telegram) guard(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		chatID := cast.ToString(c.Chat().ID)
		if chatID == r.settings.ChatID {
			return next(c)
		}
		if r.deps.Auth != nil {
			if _, err := r.deps.Auth.FindUserByTelegramChat(context.Background(), chatID); err == nil {
				return next(c)
			}
		}
		r.logger.Warn("rejected unauthorized telegram chat", zap.String("chat_id", chatID))
		return c.Send("此会话未绑定管理员账户，无权使用。")
	}
}

func (r *Telegram) handleHelp(c tele.Context) error {
	return c.Send(helpText)
}

func (r *Telegram) handleStatus(c tele.Context) error {
	ctx := context.Background()

	account, err := r.resolveAccount(ctx, c.Message().Payload)
	if err != nil {
		return c.Send("没有可用的交易账户：" + err.Error())
	}

	portfolio, err := r.deps.Accounts.GetPortfolio(ctx, account.ID)
	if err != nil {
		return c.Send("查询组合失败：" + err.Error())
	}
	status, err := r.deps.Autopilot.Status(ctx, account.ID)
	if err != nil {
		return c.Send("查询自动驾驶状态失败：" + err.Error())
	}

	return c.Send(formatStatus(account, portfolio, status))
}

func (r *Telegram) handleRuns(c tele.Context) error {
	ctx := context.Background()

	account, err := r.resolveAccount(ctx, c.Message().Payload)
	if err != nil {
		return c.Send("没有可用的交易账户：" + err.Error())
	}

	runs, err := r.deps.Orchestrator.RecentRuns(ctx, account.ID, 5)
	if err != nil {
		return c.Send("查询流水线记录失败：" + err.Error())
	}

	return c.Send(formatRuns(account, runs))
}

func (r *Telegram) handleHalt(c tele.Context) error {
	ctx := context.Background()

	reason := strings.TrimSpace(c.Message().Payload)
	if reason == "" {
		reason = "manual halt via telegram"
	}

	account, err := r.resolveAccount(ctx, "")
	if err != nil {
		return c.Send("没有可用的交易账户：" + err.Error())
	}

	r.deps.Emergency.Halt(account.ID, reason)
	r.logger.Warn("trading halted via telegram",
		zap.String("account_id", account.ID),
		zap.String("reason", reason))
	return c.Send("已熔断账户 *" + escapeMarkdown(account.Name) + "*，原因：" + escapeMarkdown(reason))
}

func (r *Telegram) handleResume(c tele.Context) error {
	ctx := context.Background()

	account, err := r.resolveAccount(ctx, c.Message().Payload)
	if err != nil {
		return c.Send("没有可用的交易账户：" + err.Error())
	}

	if err := r.deps.Orchestrator.ResumeEmergency(ctx, account.ID); err != nil {
		return c.Send("恢复失败：" + err.Error())
	}

	r.logger.Info("trading resumed via telegram", zap.String("account_id", account.ID))
	return c.Send("账户 *" + escapeMarkdown(account.Name) + "* 已恢复交易。")
}

func (r *Telegram) handleModes(c tele.Context) error {
	return c.Send(formatModes(r.deps.Modes.ListProfiles()))
}

// handleChat 非命令消息交给运维助手处理
func (r *Telegram) handleChat(c tele.Context) error {
	if r.deps.Assistant == nil {
		return c.Send("助手未配置。")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	reply, err := r.deps.Assistant.Chat(ctx, c.Text())
	if err != nil {
		r.logger.Error("assistant chat failed", zap.Error(err))
		return c.Send("助手处理失败：" + err.Error())
	}
	if reply.Text == "" {
		return c.Send("（助手没有返回内容）")
	}
	return c.Send(reply.Text, &tele.SendOptions{ParseMode: tele.ModeDefault})
}

// resolveAccount 按参数找账户，缺省取第一个启用的账户
func (r *Telegram) resolveAccount(ctx context.Context, arg string) (*account, error) {
	arg = strings.TrimSpace(arg)
	if arg != "" {
		found, err := r.deps.Accounts.GetAccount(ctx, arg)
		if err != nil {
			return nil, err
		}
		return &account{ID: found.ID, Name: found.Name}, nil
	}

	enabled, err := r.deps.Accounts.FindEnabledAccounts(ctx)
	if err != nil {
		return nil, err
	}
	if len(enabled) == 0 {
		return nil, errNoAccounts
	}
	return &account{ID: enabled[0].ID, Name: enabled[0].Name}, nil
}

func (r *Telegram) Start() {
	go r.client.Start()
}

func (r *Telegram) Stop() {
	r.client.Stop()
}

// Notify 实现service.Notifier，把系统告警推送到默认会话
func (r *Telegram) Notify(title string, message string) {
	if r.settings.ChatID == "" {
		return
	}
	chatID := cast.ToInt64(r.settings.ChatID)
	text := "*" + escapeMarkdown(title) + "*\n" + escapeMarkdown(message)
	if _, err := r.client.Send(tele.ChatID(chatID), text, &tele.SendOptions{ParseMode: tele.ModeMarkdown}); err != nil {
		r.logger.Error("failed to send telegram notification", zap.Error(err))
	}
}
