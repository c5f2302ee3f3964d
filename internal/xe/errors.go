package xe

import "github.com/go-orz/orz"

var (
	ErrInvalidParams    = orz.NewError(10400, "参数无效")
	ErrInvalidToken     = orz.NewError(10403, "令牌无效")
	ErrPermissionDenied = orz.NewError(10401, "您没有权限查看/修改/删除此数据")

	ErrAccountAlreadyUsed   = orz.NewError(10000, "账户已被使用")
	ErrIncorrectPassword    = orz.NewError(10001, "账户或密码错误")
	ErrIncorrectOldPassword = orz.NewError(10002, "原密码错误")

	ErrAccountNotFound   = orz.NewError(10100, "交易账户不存在")
	ErrAccountDisabled   = orz.NewError(10101, "交易账户已被禁用")
	ErrTradingHalted     = orz.NewError(10102, "交易已被风控系统暂停")
	ErrUnknownMode       = orz.NewError(10103, "未知的交易模式")
	ErrUnknownStrategy   = orz.NewError(10104, "未知的策略类型")
	ErrPipelineRunning   = orz.NewError(10105, "决策流水线正在执行中")
	ErrAutopilotRunning  = orz.NewError(10106, "自动驾驶已在运行中")
	ErrAutopilotStopped  = orz.NewError(10107, "自动驾驶未在运行")
	ErrEndpointNotFound  = orz.NewError(10108, "请求的数据端点不存在")
	ErrNoViableSignal    = orz.NewError(10109, "没有可执行的交易信号")
	ErrDailyLimitReached = orz.NewError(10110, "已达到当日交易次数上限")
)
