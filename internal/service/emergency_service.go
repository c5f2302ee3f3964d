package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dushixiang/argus/internal/config"
	"github.com/dushixiang/argus/internal/models"
	"github.com/dushixiang/argus/internal/repo"
	"github.com/dushixiang/argus/pkg/exchange"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// EmergencyLevel 风险响应等级，数值越大越严重
type EmergencyLevel int

const (
	LevelNormal EmergencyLevel = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

// ParseEmergencyLevel 解析等级名称
func ParseEmergencyLevel(name string) (EmergencyLevel, error) {
	switch name {
	case "normal":
		return LevelNormal, nil
	case "warning":
		return LevelWarning, nil
	case "critical":
		return LevelCritical, nil
	case "emergency":
		return LevelEmergency, nil
	default:
		return LevelNormal, fmt.Errorf("unknown emergency level: %s", name)
	}
}

func (l EmergencyLevel) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "normal"
	}
}

// 清算优先级类别，高杠杆最先平，比特币最后平
const (
	CategoryLeveraged       = "leveraged"
	CategoryLowLiquidityAlt = "low_liquidity_alt"
	CategoryMajorAlt        = "major_alt"
	CategoryBitcoin         = "bitcoin"
)

const (
	defaultHaltTTL    = time.Hour // 熔断默认时长，到期自动解除
	warningReduction  = 0.5
	criticalReduction = 0.75

	// 避险资产探测的最低24小时成交额
	minSafeHavenQuoteVolume = 20_000_000.0
)

var majorAltSymbols = map[string]bool{
	"ETHUSDT":  true,
	"BNBUSDT":  true,
	"SOLUSDT":  true,
	"XRPUSDT":  true,
	"ADAUSDT":  true,
	"DOGEUSDT": true,
}

var liquidationRank = map[string]int{
	CategoryLeveraged:       0,
	CategoryLowLiquidityAlt: 1,
	CategoryMajorAlt:        2,
	CategoryBitcoin:         3,
}

// SafeHavenAsset 避险资产候选
type SafeHavenAsset struct {
	Asset     string `json:"asset"`
	Safety    int    `json:"safety"`    // 资产本身的安全评分
	Liquidity int    `json:"liquidity"` // 市场深度评分
}

// 候选表按安全评分优先、流动性评分次之排序，再逐个做成交额探测
var safeHavenCandidates = []SafeHavenAsset{
	{Asset: "USDC", Safety: 97, Liquidity: 88},
	{Asset: "USDT", Safety: 95, Liquidity: 100},
	{Asset: "BTC", Safety: 80, Liquidity: 96},
}

// Notifier 异步通知出口，由 Telegram 机器人实现
type Notifier interface {
	Notify(title string, message string)
}

// emergencyStep 单个处置子动作的执行结果
type emergencyStep struct {
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
	OK     bool   `json:"ok"`
}

type haltState struct {
	reason    string
	expiresAt time.Time
}

// EmergencyService 应急响应控制器，评估风险等级并执行减仓、熔断与清算
type EmergencyService struct {
	logger     *zap.Logger
	exchange   exchange.Exchange
	actionRepo *repo.EmergencyActionRepo
	notifier   Notifier
	haltTTL    time.Duration

	mu        sync.Mutex
	halts     map[string]haltState
	lastLevel map[string]EmergencyLevel
}

// NewEmergencyService 创建应急响应控制器
func NewEmergencyService(conf *config.Config, ex exchange.Exchange, actionRepo *repo.EmergencyActionRepo,
	notifier Notifier, logger *zap.Logger) *EmergencyService {

	haltTTL := defaultHaltTTL
	if minutes := conf.Trading.HaltTTLMinutes; minutes > 0 {
		haltTTL = time.Duration(minutes) * time.Minute
	}
	return &EmergencyService{
		logger:     logger,
		exchange:   ex,
		actionRepo: actionRepo,
		notifier:   notifier,
		haltTTL:    haltTTL,
		halts:      make(map[string]haltState),
		lastLevel:  make(map[string]EmergencyLevel),
	}
}

// Assess 按风险指标评估响应等级，从最严重的等级开始匹配
func (s *EmergencyService) Assess(metrics RiskMetrics) EmergencyLevel {
	dailyPnl := metrics.DailyPnlPercent
	margin := metrics.MarginUsagePct
	drawdown := metrics.DrawdownPct
	leverage := metrics.Leverage

	if dailyPnl < -7 || margin > 90 || drawdown > 15 || (leverage > 8 && dailyPnl < -3) {
		return LevelEmergency
	}
	if dailyPnl < -5 || metrics.ConsecutiveLosses >= 5 || margin > 85 || drawdown > 10 || (leverage > 6 && dailyPnl < -2) {
		return LevelCritical
	}
	if dailyPnl < -3 || metrics.ConsecutiveLosses >= 3 || margin > 70 || drawdown > 7 ||
		(leverage > 4 && dailyPnl < -1) || metrics.VolatilityPct > 25 {
		return LevelWarning
	}
	return LevelNormal
}

// Execute 执行指定等级的应急处置，每次执行落一条审计记录
// 子动作失败只记录在审计里，不会中断后续处置
func (s *EmergencyService) Execute(ctx context.Context, accountID string, level EmergencyLevel,
	portfolio *Portfolio, metrics RiskMetrics, reason string) (*models.EmergencyAction, error) {

	if level < LevelWarning {
		return nil, fmt.Errorf("no emergency response defined for level %s", level)
	}

	started := time.Now()
	s.logger.Warn("executing emergency response",
		zap.String("account_id", accountID),
		zap.String("level", level.String()),
		zap.String("reason", reason))

	var steps []emergencyStep
	var havenAsset string
	switch level {
	case LevelWarning:
		steps = s.reducePositions(ctx, portfolio.Positions, warningReduction)
	case LevelCritical:
		s.Halt(accountID, reason)
		steps = append(steps, emergencyStep{Action: "halt_trading", Detail: reason, OK: true})
		steps = append(steps, s.reducePositions(ctx, portfolio.Positions, criticalReduction)...)
		s.notify("Manual review required",
			fmt.Sprintf("account %s entered critical state: %s", accountID, reason))
	case LevelEmergency:
		s.Halt(accountID, reason)
		steps = append(steps, emergencyStep{Action: "halt_trading", Detail: reason, OK: true})

		haven := s.ChooseSafeHaven(ctx)
		havenAsset = haven.Asset
		steps = append(steps, emergencyStep{
			Action: "choose_safe_haven",
			Detail: haven.Asset,
			OK:     true,
		})

		steps = append(steps, s.liquidateAll(ctx, portfolio.Positions)...)
		steps = append(steps, s.convertToSafeHaven(accountID, haven))
	}

	prev := s.swapLastLevel(accountID, level)
	action, err := s.record(ctx, accountID, level, prev, metrics, steps, havenAsset, started)
	if err != nil {
		return nil, err
	}

	s.notify(fmt.Sprintf("Emergency response: %s", level),
		fmt.Sprintf("account %s: %s, %d actions executed", accountID, reason, len(steps)))
	return action, nil
}

// SetHaltTTL 运行时覆盖熔断时长(分钟)，传0恢复默认值
func (s *EmergencyService) SetHaltTTL(minutes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if minutes > 0 {
		s.haltTTL = time.Duration(minutes) * time.Minute
	} else {
		s.haltTTL = defaultHaltTTL
	}
}

// Halt 熔断账户的新开仓，到期自动解除
func (s *EmergencyService) Halt(accountID string, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halts[accountID] = haltState{
		reason:    reason,
		expiresAt: time.Now().Add(s.haltTTL),
	}
	s.logger.Warn("trading halted",
		zap.String("account_id", accountID),
		zap.String("reason", reason),
		zap.Duration("ttl", s.haltTTL))
}

// Halted 查询账户是否处于熔断状态，过期的熔断会顺手清掉
func (s *EmergencyService) Halted(accountID string) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.halts[accountID]
	if !ok {
		return false, ""
	}
	if time.Now().After(state.expiresAt) {
		delete(s.halts, accountID)
		return false, ""
	}
	return true, state.reason
}

// Resume 解除熔断并把未解除的应急记录标记为已恢复，重复调用是无害的空操作
func (s *EmergencyService) Resume(ctx context.Context, accountID string) error {
	s.mu.Lock()
	_, halted := s.halts[accountID]
	delete(s.halts, accountID)
	s.lastLevel[accountID] = LevelNormal
	s.mu.Unlock()

	resolved, err := s.actionRepo.MarkResolvedByAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to resolve emergency actions: %w", err)
	}

	if halted || resolved > 0 {
		s.logger.Info("trading resumed",
			zap.String("account_id", accountID),
			zap.Int64("resolved_actions", resolved))
		s.notify("Trading resumed", fmt.Sprintf("account %s resumed manually", accountID))
	}
	return nil
}

// RecentActions 查询账户最近的应急记录
func (s *EmergencyService) RecentActions(ctx context.Context, accountID string, limit int) ([]models.EmergencyAction, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.actionRepo.FindRecentByAccount(ctx, accountID, limit)
}

// PruneActions 清理超出保留期的应急记录
func (s *EmergencyService) PruneActions(ctx context.Context, retention time.Duration) (int64, error) {
	return s.actionRepo.PurgeOlderThan(ctx, retention)
}

// ChooseSafeHaven 按固定偏好挑选避险资产：安全评分、流动性评分，再用24小时成交额探测可交易性
func (s *EmergencyService) ChooseSafeHaven(ctx context.Context) SafeHavenAsset {
	candidates := make([]SafeHavenAsset, len(safeHavenCandidates))
	copy(candidates, safeHavenCandidates)
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Safety != candidates[j].Safety {
			return candidates[i].Safety > candidates[j].Safety
		}
		return candidates[i].Liquidity > candidates[j].Liquidity
	})

	for _, candidate := range candidates {
		// 结算货币本身不需要探测
		if candidate.Asset == "USDT" {
			return candidate
		}
		ticker, err := s.exchange.GetTicker24h(ctx, candidate.Asset+"USDT")
		if err != nil {
			s.logger.Warn("safe haven probe failed",
				zap.String("asset", candidate.Asset),
				zap.Error(err))
			continue
		}
		if ticker.QuoteVolume >= minSafeHavenQuoteVolume {
			return candidate
		}
	}
	return SafeHavenAsset{Asset: "USDT", Safety: 95, Liquidity: 100}
}

// CategorizePosition 给持仓分配清算优先级类别
func CategorizePosition(position *exchange.Position) string {
	switch {
	case position.Leverage > 1:
		return CategoryLeveraged
	case position.Symbol == "BTCUSDT":
		return CategoryBitcoin
	case majorAltSymbols[position.Symbol]:
		return CategoryMajorAlt
	default:
		return CategoryLowLiquidityAlt
	}
}

// SortForLiquidation 按清算优先级排序持仓副本：杠杆仓、低流动性山寨、主流山寨、比特币
func SortForLiquidation(positions []*exchange.Position) []*exchange.Position {
	sorted := make([]*exchange.Position, len(positions))
	copy(sorted, positions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return liquidationRank[CategorizePosition(sorted[i])] < liquidationRank[CategorizePosition(sorted[j])]
	})
	return sorted
}

// reducePositions 将每个持仓按比例市价减仓
func (s *EmergencyService) reducePositions(ctx context.Context, positions []*exchange.Position, fraction float64) []emergencyStep {
	steps := make([]emergencyStep, 0, len(positions))
	for _, position := range positions {
		quantity := absQuantity(position) * fraction
		step := emergencyStep{
			Action: "reduce_position",
			Detail: fmt.Sprintf("%s %s %.0f%%", position.Symbol, position.Side, fraction*100),
		}
		if err := s.closeQuantity(ctx, position, quantity); err != nil {
			step.Error = err.Error()
			s.logger.Error("failed to reduce position",
				zap.String("symbol", position.Symbol),
				zap.Error(err))
		} else {
			step.OK = true
		}
		steps = append(steps, step)
	}
	return steps
}

// liquidateAll 按清算优先级全部平仓
func (s *EmergencyService) liquidateAll(ctx context.Context, positions []*exchange.Position) []emergencyStep {
	steps := make([]emergencyStep, 0, len(positions))
	for _, position := range SortForLiquidation(positions) {
		step := emergencyStep{
			Action: "liquidate_position",
			Detail: fmt.Sprintf("%s (%s)", position.Symbol, CategorizePosition(position)),
		}
		if err := s.closeQuantity(ctx, position, absQuantity(position)); err != nil {
			step.Error = err.Error()
			s.logger.Error("failed to liquidate position",
				zap.String("symbol", position.Symbol),
				zap.Error(err))
		} else {
			step.OK = true
		}
		steps = append(steps, step)
	}
	return steps
}

// convertToSafeHaven 记录避险去向
// USDT本位合约平仓后权益即为USDT，换成其他资产需要人工在现货完成
func (s *EmergencyService) convertToSafeHaven(accountID string, haven SafeHavenAsset) emergencyStep {
	if haven.Asset == "USDT" {
		return emergencyStep{Action: "convert_to_safe_haven", Detail: "proceeds settle in USDT", OK: true}
	}
	s.notify("Safe haven conversion",
		fmt.Sprintf("account %s: no automatic conversion performed, convert settled USDT to %s on spot manually", accountID, haven.Asset))
	return emergencyStep{
		Action: "convert_to_safe_haven",
		Detail: fmt.Sprintf("no automatic conversion, manual spot conversion to %s requested", haven.Asset),
		OK:     true,
	}
}

func (s *EmergencyService) closeQuantity(ctx context.Context, position *exchange.Position, quantity float64) error {
	if quantity <= 0 {
		return nil
	}
	var err error
	if position.Side == SideLong {
		_, err = s.exchange.CloseLongPosition(ctx, position.Symbol, quantity)
	} else {
		_, err = s.exchange.CloseShortPosition(ctx, position.Symbol, quantity)
	}
	return err
}

func (s *EmergencyService) record(ctx context.Context, accountID string, level, prev EmergencyLevel,
	metrics RiskMetrics, steps []emergencyStep, havenAsset string, started time.Time) (*models.EmergencyAction, error) {

	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal actions: %w", err)
	}

	success := true
	for _, step := range steps {
		if !step.OK {
			success = false
			break
		}
	}

	action := &models.EmergencyAction{
		ID:             ulid.Make().String(),
		AccountID:      accountID,
		Level:          level.String(),
		PrevLevel:      prev.String(),
		Metrics:        datatypes.JSON(metricsJSON),
		Actions:        datatypes.JSON(stepsJSON),
		SafeHavenAsset: havenAsset,
		LatencyMs:      time.Since(started).Milliseconds(),
		Success:        success,
	}
	if err := s.actionRepo.Create(ctx, action); err != nil {
		return nil, fmt.Errorf("failed to persist emergency action: %w", err)
	}
	return action, nil
}

func (s *EmergencyService) swapLastLevel(accountID string, level EmergencyLevel) EmergencyLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.lastLevel[accountID]
	s.lastLevel[accountID] = level
	return prev
}

// notify 发出通知但从不等待结果
func (s *EmergencyService) notify(title, message string) {
	if s.notifier == nil {
		return
	}
	go s.notifier.Notify(title, message)
}

func absQuantity(position *exchange.Position) float64 {
	if position.PositionAmount < 0 {
		return -position.PositionAmount
	}
	return position.PositionAmount
}
