package service

import (
	"fmt"

	"github.com/dushixiang/argus/internal/models"
	"go.uber.org/zap"
)

// 交易模式
const (
	ModeConservative = "conservative"
	ModeBalanced     = "balanced"
	ModeAggressive   = "aggressive"
	ModeBeastMode    = "beast_mode"
)

// 共识模型提供方
const (
	ModelProviderOpenAI = "openai"
	ModelProviderGemini = "gemini"
)

// ModeProfile 交易模式画像，注册表中的定义不可修改
type ModeProfile struct {
	Name                 string             `json:"name"`
	MaxDailyLossPercent  float64            `json:"max_daily_loss_percent"`  // 单日最大亏损
	MonthlyTargetPercent float64            `json:"monthly_target_percent"`  // 月度收益目标
	MaxDrawdownPercent   float64            `json:"max_drawdown_percent"`    // 最大回撤
	MinWinRate           float64            `json:"min_win_rate"`            // 最低胜率要求
	MaxLeverage          int                `json:"max_leverage"`            // 最大杠杆
	MaxPositionPercent   float64            `json:"max_position_percent"`    // 单仓位最大占比
	ConsensusThreshold   float64            `json:"consensus_threshold"`     // 共识通过阈值
	ProfitTargetPercent  float64            `json:"profit_target_percent"`   // 单笔止盈
	StopLossPercent      float64            `json:"stop_loss_percent"`       // 单笔止损
	CashReservePercent   float64            `json:"cash_reserve_percent"`    // 现金保留比例
	DecisionFrequencySec int                `json:"decision_frequency_sec"`  // 决策频率
	EmergencyStopPercent float64            `json:"emergency_stop_percent"`  // 紧急止损线
	MaxParallelPositions int                `json:"max_parallel_positions"`  // 并行持仓上限，0表示不限制
	ModelWeights         map[string]float64 `json:"model_weights"`           // 共识模型权重
}

// clone 返回深拷贝，调用方无法篡改注册表内的定义
func (p ModeProfile) clone() ModeProfile {
	cp := p
	cp.ModelWeights = make(map[string]float64, len(p.ModelWeights))
	for k, v := range p.ModelWeights {
		cp.ModelWeights[k] = v
	}
	return cp
}

// ModeService 交易模式注册表
type ModeService struct {
	logger   *zap.Logger
	profiles map[string]ModeProfile
}

// NewModeService 创建模式注册表，内置四种模式
func NewModeService(logger *zap.Logger) *ModeService {
	profiles := map[string]ModeProfile{
		ModeConservative: {
			Name:                 ModeConservative,
			MaxDailyLossPercent:  1,
			MonthlyTargetPercent: 20,
			MaxDrawdownPercent:   5,
			MinWinRate:           0.60,
			MaxLeverage:          3,
			MaxPositionPercent:   10,
			ConsensusThreshold:   0.75,
			ProfitTargetPercent:  2,
			StopLossPercent:      1,
			CashReservePercent:   40,
			DecisionFrequencySec: 1800,
			EmergencyStopPercent: 3,
			MaxParallelPositions: 1,
			ModelWeights: map[string]float64{
				ModelProviderOpenAI: 0.5,
				ModelProviderGemini: 0.5,
			},
		},
		ModeBalanced: {
			Name:                 ModeBalanced,
			MaxDailyLossPercent:  2,
			MonthlyTargetPercent: 40,
			MaxDrawdownPercent:   10,
			MinWinRate:           0.55,
			MaxLeverage:          5,
			MaxPositionPercent:   20,
			ConsensusThreshold:   0.70,
			ProfitTargetPercent:  3,
			StopLossPercent:      1.5,
			CashReservePercent:   25,
			DecisionFrequencySec: 900,
			EmergencyStopPercent: 5,
			MaxParallelPositions: 2,
			ModelWeights: map[string]float64{
				ModelProviderOpenAI: 0.6,
				ModelProviderGemini: 0.4,
			},
		},
		ModeAggressive: {
			Name:                 ModeAggressive,
			MaxDailyLossPercent:  3,
			MonthlyTargetPercent: 80,
			MaxDrawdownPercent:   15,
			MinWinRate:           0.50,
			MaxLeverage:          8,
			MaxPositionPercent:   30,
			ConsensusThreshold:   0.65,
			ProfitTargetPercent:  5,
			StopLossPercent:      2,
			CashReservePercent:   15,
			DecisionFrequencySec: 600,
			EmergencyStopPercent: 8,
			MaxParallelPositions: 3,
			ModelWeights: map[string]float64{
				ModelProviderOpenAI: 0.6,
				ModelProviderGemini: 0.4,
			},
		},
		ModeBeastMode: {
			Name:                 ModeBeastMode,
			MaxDailyLossPercent:  5,
			MonthlyTargetPercent: 150,
			MaxDrawdownPercent:   20,
			MinWinRate:           0.45,
			MaxLeverage:          10,
			MaxPositionPercent:   50,
			ConsensusThreshold:   0.60,
			ProfitTargetPercent:  8,
			StopLossPercent:      3,
			CashReservePercent:   5,
			DecisionFrequencySec: 300,
			EmergencyStopPercent: 10,
			MaxParallelPositions: 0,
			ModelWeights: map[string]float64{
				ModelProviderOpenAI: 0.7,
				ModelProviderGemini: 0.3,
			},
		},
	}

	return &ModeService{
		logger:   logger,
		profiles: profiles,
	}
}

// GetProfile 按名称获取模式画像
func (s *ModeService) GetProfile(name string) (ModeProfile, error) {
	profile, ok := s.profiles[name]
	if !ok {
		return ModeProfile{}, fmt.Errorf("unknown trading mode: %s", name)
	}
	return profile.clone(), nil
}

// ListProfiles 列出全部模式画像
func (s *ModeService) ListProfiles() []ModeProfile {
	names := []string{ModeConservative, ModeBalanced, ModeAggressive, ModeBeastMode}
	result := make([]ModeProfile, 0, len(names))
	for _, name := range names {
		result = append(result, s.profiles[name].clone())
	}
	return result
}

// ResolveForAccount 解析账户实际生效的模式画像
// 个性化覆盖只允许替换模型权重与决策频率，风控参数始终取模式默认值
func (s *ModeService) ResolveForAccount(account *models.Account) (ModeProfile, error) {
	profile, err := s.GetProfile(account.Mode)
	if err != nil {
		return ModeProfile{}, err
	}

	if len(account.OverrideModelWeights) > 0 {
		weights := make(map[string]float64, len(account.OverrideModelWeights))
		for k, v := range account.OverrideModelWeights {
			if f, ok := v.(float64); ok {
				weights[k] = f
			}
		}
		if len(weights) > 0 {
			profile.ModelWeights = weights
		}
	}
	if account.OverrideFrequencySec > 0 {
		profile.DecisionFrequencySec = account.OverrideFrequencySec
	}

	return profile, nil
}
