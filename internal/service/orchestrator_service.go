package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dushixiang/argus/internal/config"
	"github.com/dushixiang/argus/internal/models"
	"github.com/dushixiang/argus/internal/repo"
	"github.com/dushixiang/argus/internal/xe"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// 流水线阶段名称
const (
	PhaseContext          = "context"
	PhaseMarketAnalysis   = "market_analysis"
	PhaseSignalGeneration = "signal_generation"
	PhasePositionSizing   = "position_sizing"
	PhaseConsensus        = "consensus_validation"
	PhaseExecution        = "execution"
)

// 阶段状态
const (
	PhaseStatusCompleted = "completed"
	PhaseStatusFailed    = "failed"
	PhaseStatusSkipped   = "skipped"
)

// 运行状态
const (
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusHalted    = "halted"
)

// 触发来源
const (
	TriggerManual      = "manual"
	TriggerAutopilot   = "autopilot"
	TriggerCoordinator = "coordinator"
)

const (
	// 动态发现符号时的候选上限
	discoverSymbolLimit = 8
	// 符号剩余敞口低于权益的该百分比时放弃该信号
	minHeadroomPercent = 1.0
)

// correlationClusters 高相关符号簇，同簇多个信号会压缩仓位
var correlationClusters = map[string]string{
	"BTCUSDT":  "majors",
	"ETHUSDT":  "majors",
	"SOLUSDT":  "layer1",
	"AVAXUSDT": "layer1",
	"ADAUSDT":  "layer1",
	"DOTUSDT":  "layer1",
	"NEARUSDT": "layer1",
	"DOGEUSDT": "meme",
	"SHIBUSDT": "meme",
	"PEPEUSDT": "meme",
}

// SessionBias 按UTC小时划分的时段偏好，仅作为提示信息进入共识材料
type SessionBias struct {
	Session            string  `json:"session"`
	StrategyFocus      string  `json:"strategy_focus"`
	LeverageMultiplier float64 `json:"leverage_multiplier"`
	SizeBias           float64 `json:"size_bias"`
}

// ResolveSessionBias 固定时段表，亚盘偏均值回归、欧美重叠时段偏突破
func ResolveSessionBias(utcHour int) SessionBias {
	switch {
	case utcHour < 0 || utcHour > 23:
		return SessionBias{}
	case utcHour < 7:
		return SessionBias{Session: "asia", StrategyFocus: "mean_reversion", LeverageMultiplier: 0.8, SizeBias: 0.9}
	case utcHour < 12:
		return SessionBias{Session: "europe", StrategyFocus: "momentum", LeverageMultiplier: 1.0, SizeBias: 1.0}
	case utcHour < 16:
		return SessionBias{Session: "eu_us_overlap", StrategyFocus: "breakout", LeverageMultiplier: 1.2, SizeBias: 1.1}
	case utcHour < 21:
		return SessionBias{Session: "us", StrategyFocus: "momentum", LeverageMultiplier: 1.1, SizeBias: 1.0}
	default:
		return SessionBias{Session: "late_us", StrategyFocus: "mean_reversion", LeverageMultiplier: 0.9, SizeBias: 0.9}
	}
}

// PhaseRecord 单阶段执行记录
type PhaseRecord struct {
	Name       string                 `json:"name"`
	Status     string                 `json:"status"`
	DurationMs int64                  `json:"duration_ms"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// PipelineRequest 触发一次决策流水线
type PipelineRequest struct {
	AccountID    string            `json:"account_id"`
	AnalysisType string            `json:"analysis_type"`
	Symbols      []string          `json:"symbols"`
	Timeframes   []string          `json:"timeframes"`
	Source       string            `json:"source"`
	Options      map[string]string `json:"options"`
}

// PipelineResult 流水线执行结果
type PipelineResult struct {
	Success        bool          `json:"success"`
	RunID          string        `json:"run_id"`
	AccountID      string        `json:"account_id"`
	Mode           string        `json:"mode"`
	EmergencyLevel string        `json:"emergency_level"`
	Phases         []PhaseRecord `json:"phases"`
	TradesExecuted int           `json:"trades_executed"`
	Error          string        `json:"error,omitempty"`
}

// PortfolioProvider 账户与组合遥测协作方
type PortfolioProvider interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	GetPortfolio(ctx context.Context, accountID string) (*Portfolio, error)
	DeriveRiskMetrics(ctx context.Context, portfolio *Portfolio) *RiskMetrics
}

// MarketAnalysis 行情分析协作方
type MarketAnalysis interface {
	Assess(ctx context.Context, symbols []string) (*MarketSnapshot, error)
	DiscoverSymbols(ctx context.Context, defaults []string, limit int) []string
	Execute(ctx context.Context, endpoint string, params map[string]string) (json.RawMessage, error)
	ExecuteBatch(ctx context.Context, endpoint string, symbols []string, params map[string]string) (map[string]json.RawMessage, error)
}

// SignalGenerator 策略注册表协作方
type SignalGenerator interface {
	Names() []string
	Candidates(entitled []string, snapshot *MarketSnapshot) []string
	GenerateAll(ctx context.Context, names []string, snapshot *MarketSnapshot, profile ModeProfile) []*Signal
}

// RiskSizing 仓位计算协作方
type RiskSizing interface {
	SizePosition(ctx context.Context, signal *Signal, portfolio *Portfolio, profile ModeProfile, atrPercent float64) error
}

// ConsensusValidator 共识验证协作方
type ConsensusValidator interface {
	Validate(ctx context.Context, payload *ConsensusPayload, threshold float64, weights map[string]float64) (*ConsensusResult, error)
}

// TradeExecutor 订单执行协作方
type TradeExecutor interface {
	ValidateForExecution(ctx context.Context, signal *Signal, portfolio *Portfolio, profile ModeProfile) error
	Execute(ctx context.Context, accountID string, signal *Signal) (*models.Trade, error)
	ExecuteArbitrage(ctx context.Context, accountID string, legs []*Signal) ([]*models.Trade, error)
}

// OrchestratorService 决策流水线编排器，串联五个阶段并充当协调器的端点执行器
type OrchestratorService struct {
	logger *zap.Logger
	conf   *config.Config

	portfolios  PortfolioProvider
	market      MarketAnalysis
	generator   SignalGenerator
	risk        RiskSizing
	consensus   ConsensusValidator
	executor    TradeExecutor
	emergency   *EmergencyService
	modes       *ModeService
	performance *PerformanceService
	runRepo     *repo.PipelineRunRepo

	mu      sync.Mutex
	running map[string]bool // 每账户同一时刻只允许一条流水线
}

func NewOrchestratorService(conf *config.Config, portfolios PortfolioProvider, market MarketAnalysis,
	generator SignalGenerator, risk RiskSizing, consensus ConsensusValidator, executor TradeExecutor,
	emergency *EmergencyService, modes *ModeService, performance *PerformanceService,
	runRepo *repo.PipelineRunRepo, logger *zap.Logger) *OrchestratorService {
	return &OrchestratorService{
		logger:      logger,
		conf:        conf,
		portfolios:  portfolios,
		market:      market,
		generator:   generator,
		risk:        risk,
		consensus:   consensus,
		executor:    executor,
		emergency:   emergency,
		modes:       modes,
		performance: performance,
		runRepo:     runRepo,
		running:     make(map[string]bool),
	}
}

// TriggerPipeline 执行一次完整的五阶段决策流水线
// 阶段严格串行，前一阶段未完成则后续阶段不会出现在记录中
func (s *OrchestratorService) TriggerPipeline(ctx context.Context, req PipelineRequest) *PipelineResult {
	startedAt := time.Now()
	if req.Source == "" {
		req.Source = TriggerManual
	}
	result := &PipelineResult{
		RunID:          ulid.Make().String(),
		AccountID:      req.AccountID,
		EmergencyLevel: LevelNormal.String(),
	}

	if !s.acquire(req.AccountID) {
		result.Error = xe.ErrPipelineRunning.Error()
		return result
	}
	defer s.release(req.AccountID)

	var phases []PhaseRecord

	// Phase 0: 账户上下文与风控评估
	phaseStart := time.Now()
	account, err := s.portfolios.GetAccount(ctx, req.AccountID)
	if err != nil {
		phases = appendPhase(phases, PhaseContext, phaseStart, PhaseStatusFailed, nil, err)
		return s.finish(ctx, result, req, RunStatusFailed, PhaseContext, phases, startedAt, err)
	}
	result.Mode = account.Mode

	if halted, reason := s.emergency.Halted(req.AccountID); halted {
		err := fmt.Errorf("trading halted: %s", reason)
		phases = appendPhase(phases, PhaseContext, phaseStart, PhaseStatusFailed, nil, err)
		return s.finish(ctx, result, req, RunStatusHalted, PhaseContext, phases, startedAt, err)
	}

	profile, err := s.modes.ResolveForAccount(account)
	if err != nil {
		phases = appendPhase(phases, PhaseContext, phaseStart, PhaseStatusFailed, nil, err)
		return s.finish(ctx, result, req, RunStatusFailed, PhaseContext, phases, startedAt, err)
	}

	// 组合遥测拿不到就等于在盲飞，必须硬失败
	portfolio, err := s.portfolios.GetPortfolio(ctx, req.AccountID)
	if err != nil {
		phases = appendPhase(phases, PhaseContext, phaseStart, PhaseStatusFailed, nil, err)
		return s.finish(ctx, result, req, RunStatusFailed, PhaseContext, phases, startedAt, err)
	}

	metrics := s.portfolios.DeriveRiskMetrics(ctx, portfolio)
	level := s.emergency.Assess(*metrics)
	result.EmergencyLevel = level.String()

	session := ResolveSessionBias(time.Now().UTC().Hour())
	contextPayload := map[string]interface{}{
		"mode":            profile.Name,
		"emergency_level": level.String(),
		"session":         session.Session,
	}

	if level > LevelNormal {
		if _, err := s.emergency.Execute(ctx, req.AccountID, level, portfolio, *metrics, "risk telemetry escalation"); err != nil {
			s.logger.Error("emergency response failed",
				zap.String("account_id", req.AccountID), zap.Error(err))
		}
		// 风险升级后本轮强制保守模式
		if conservative, err := s.modes.GetProfile(ModeConservative); err == nil {
			profile = conservative
			result.Mode = profile.Name
			contextPayload["forced_mode"] = profile.Name
		}
		if level >= LevelCritical {
			phases = appendPhase(phases, PhaseContext, phaseStart, PhaseStatusCompleted, contextPayload, nil)
			err := fmt.Errorf("run ended by %s response", level.String())
			return s.finish(ctx, result, req, RunStatusHalted, "", phases, startedAt, err)
		}
	}
	result.Mode = profile.Name
	phases = appendPhase(phases, PhaseContext, phaseStart, PhaseStatusCompleted, contextPayload, nil)

	// Phase 1: 行情分析
	phaseStart = time.Now()
	symbols := req.Symbols
	if len(symbols) == 0 {
		symbols = s.market.DiscoverSymbols(ctx, s.conf.Trading.Symbols, discoverSymbolLimit)
	}
	snapshot, err := s.market.Assess(ctx, symbols)
	if err != nil {
		phases = appendPhase(phases, PhaseMarketAnalysis, phaseStart, PhaseStatusFailed, nil, err)
		return s.finish(ctx, result, req, RunStatusFailed, PhaseMarketAnalysis, phases, startedAt, err)
	}
	regime := ""
	if snapshot.Overview != nil {
		regime = snapshot.Overview.Regime
	}
	phases = appendPhase(phases, PhaseMarketAnalysis, phaseStart, PhaseStatusCompleted, map[string]interface{}{
		"symbols":   len(snapshot.Symbols),
		"regime":    regime,
		"arbitrage": len(snapshot.Arbitrage),
	}, nil)

	// Phase 2: 信号生成与冲突协调
	phaseStart = time.Now()
	entitled := []string(account.Entitlements)
	if len(entitled) == 0 {
		entitled = s.generator.Names()
	}
	candidates := s.generator.Candidates(entitled, snapshot)
	if len(candidates) == 0 {
		err := fmt.Errorf("no strategy suited for current market")
		phases = appendPhase(phases, PhaseSignalGeneration, phaseStart, PhaseStatusFailed, nil, err)
		return s.finish(ctx, result, req, RunStatusFailed, PhaseSignalGeneration, phases, startedAt, err)
	}

	ranking := s.performance.GetRanking(ctx, req.AccountID, candidates)
	scores := make(map[string]float64, len(ranking))
	names := make([]string, 0, len(ranking))
	for _, ranked := range ranking {
		scores[ranked.Strategy] = ranked.Score
		names = append(names, ranked.Strategy)
	}
	// 有套利机会时套利策略永远排最前
	if len(snapshot.Arbitrage) > 0 {
		names = promoteToFront(names, StrategyArbitrageHunter)
	}
	if limit := profile.MaxParallelPositions; limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	signals := s.generator.GenerateAll(ctx, names, snapshot, profile)
	for _, sig := range signals {
		sig.Priority = scores[sig.Strategy]
	}
	survivors, droppedNotes := s.coordinateSignals(signals, portfolio, profile)
	signalPayload := map[string]interface{}{
		"strategies": names,
		"signals":    len(survivors),
	}
	if len(droppedNotes) > 0 {
		signalPayload["dropped"] = droppedNotes
	}
	if len(survivors) == 0 {
		err := xe.ErrNoViableSignal
		phases = appendPhase(phases, PhaseSignalGeneration, phaseStart, PhaseStatusFailed, signalPayload, err)
		return s.finish(ctx, result, req, RunStatusFailed, PhaseSignalGeneration, phases, startedAt, err)
	}
	phases = appendPhase(phases, PhaseSignalGeneration, phaseStart, PhaseStatusCompleted, signalPayload, nil)

	// Phase 3: 仓位计算，单个信号失败只影响自己
	phaseStart = time.Now()
	var sized []*Signal
	for _, sig := range survivors {
		atr := 0.0
		if analysis, ok := snapshot.Symbols[sig.Symbol]; ok && analysis.Volatility != nil {
			atr = analysis.Volatility.ATRPercent
		}
		if err := s.risk.SizePosition(ctx, sig, portfolio, profile, atr); err != nil {
			s.logger.Warn("signal dropped at sizing",
				zap.String("symbol", sig.Symbol), zap.Error(err))
			continue
		}
		sized = append(sized, sig)
	}
	if len(sized) == 0 {
		err := fmt.Errorf("all signals dropped during position sizing")
		phases = appendPhase(phases, PhasePositionSizing, phaseStart, PhaseStatusFailed, nil, err)
		return s.finish(ctx, result, req, RunStatusFailed, PhasePositionSizing, phases, startedAt, err)
	}
	phases = appendPhase(phases, PhasePositionSizing, phaseStart, PhaseStatusCompleted, map[string]interface{}{
		"sized": len(sized),
	}, nil)

	// Phase 4: 多模型共识验证
	phaseStart = time.Now()
	verdict, err := s.consensus.Validate(ctx, &ConsensusPayload{
		AccountID: req.AccountID,
		RunID:     result.RunID,
		Mode:      profile.Name,
		Metrics:   *portfolio.Metrics,
		Risk:      *metrics,
		Overview:  snapshot.Overview,
		Session:   session,
		Signals:   sized,
	}, profile.ConsensusThreshold, profile.ModelWeights)
	if err != nil {
		phases = appendPhase(phases, PhaseConsensus, phaseStart, PhaseStatusFailed, nil, err)
		return s.finish(ctx, result, req, RunStatusFailed, PhaseConsensus, phases, startedAt, err)
	}
	phases = appendPhase(phases, PhaseConsensus, phaseStart, PhaseStatusCompleted, map[string]interface{}{
		"approved":  verdict.Approved,
		"score":     verdict.Score,
		"threshold": verdict.Threshold,
	}, nil)
	if !verdict.Approved {
		// 共识未通过不是错误，本轮正常结束、不交易
		result.Success = true
		return s.finish(ctx, result, req, RunStatusCompleted, "", phases, startedAt, nil)
	}

	// Phase 5: 终检与执行，终检失败的信号跳过而不是让本轮失败
	phaseStart = time.Now()
	executed, notes := s.executeSignals(ctx, req.AccountID, sized, portfolio, profile)
	result.TradesExecuted = executed
	execPayload := map[string]interface{}{"trades": executed}
	if len(notes) > 0 {
		execPayload["skipped"] = notes
	}
	status := PhaseStatusCompleted
	if executed == 0 {
		status = PhaseStatusSkipped
	}
	phases = appendPhase(phases, PhaseExecution, phaseStart, status, execPayload, nil)

	result.Success = true
	return s.finish(ctx, result, req, RunStatusCompleted, "", phases, startedAt, nil)
}

// coordinateSignals 冲突协调：对向信号裁决、敞口收缩、相关簇压缩
// 先按优先级、置信度、符号排序，保证同样输入永远得到同样结果
func (s *OrchestratorService) coordinateSignals(signals []*Signal, portfolio *Portfolio, profile ModeProfile) ([]*Signal, []string) {
	if len(signals) == 0 {
		return nil, nil
	}
	equity := portfolio.Metrics.TotalBalance

	ordered := make([]*Signal, len(signals))
	copy(ordered, signals)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		if ordered[i].Confidence != ordered[j].Confidence {
			return ordered[i].Confidence > ordered[j].Confidence
		}
		return ordered[i].Symbol < ordered[j].Symbol
	})

	var dropped []string

	// 同符号对向信号只保留优先方
	winnerSide := make(map[string]string)
	for _, sig := range ordered {
		if _, ok := winnerSide[sig.Symbol]; !ok {
			winnerSide[sig.Symbol] = sig.Side
		}
	}
	var survivors []*Signal
	for _, sig := range ordered {
		if winnerSide[sig.Symbol] != sig.Side {
			dropped = append(dropped, fmt.Sprintf("%s %s %s: opposing signal outranked", sig.Strategy, sig.Symbol, sig.Side))
			s.logger.Info("signal dropped by conflict resolution",
				zap.String("strategy", sig.Strategy),
				zap.String("symbol", sig.Symbol),
				zap.String("side", sig.Side))
			continue
		}
		survivors = append(survivors, sig)
	}

	// 单符号敞口：扣掉已有持仓后的剩余额度，不足权益1%放弃
	maxPerSymbol := equity * profile.MaxPositionPercent / 100
	used := make(map[string]float64)
	for _, position := range portfolio.Positions {
		used[position.Symbol] += math.Abs(position.PositionAmount) * position.MarkPrice
	}
	var bounded []*Signal
	for _, sig := range survivors {
		headroom := maxPerSymbol - used[sig.Symbol]
		if headroom < equity*minHeadroomPercent/100 {
			dropped = append(dropped, fmt.Sprintf("%s %s: symbol headroom below %.0f%% of equity", sig.Strategy, sig.Symbol, minHeadroomPercent))
			continue
		}
		if headroom < maxPerSymbol {
			sig.MaxNotional = headroom
		}
		used[sig.Symbol] += headroom
		bounded = append(bounded, sig)
	}

	// 同一相关簇的后续信号仓位上限减半
	clusterSeen := make(map[string]bool)
	for _, sig := range bounded {
		cluster, ok := correlationClusters[sig.Symbol]
		if !ok {
			continue
		}
		if clusterSeen[cluster] {
			limit := sig.MaxNotional
			if limit <= 0 {
				limit = maxPerSymbol
			}
			sig.MaxNotional = limit / 2
			s.logger.Info("signal size halved by correlation cluster",
				zap.String("symbol", sig.Symbol),
				zap.String("cluster", cluster),
				zap.Float64("max_notional", sig.MaxNotional))
		}
		clusterSeen[cluster] = true
	}

	return bounded, dropped
}

// executeSignals 套利腿成对执行，方向性信号逐个执行，任何失败都不影响其余信号
func (s *OrchestratorService) executeSignals(ctx context.Context, accountID string,
	signals []*Signal, portfolio *Portfolio, profile ModeProfile) (int, []string) {
	var arbitrageLegs, directional []*Signal
	for _, sig := range signals {
		if sig.Strategy == StrategyArbitrageHunter {
			arbitrageLegs = append(arbitrageLegs, sig)
		} else {
			directional = append(directional, sig)
		}
	}

	executed := 0
	var notes []string

	var validLegs []*Signal
	for _, leg := range arbitrageLegs {
		if err := s.executor.ValidateForExecution(ctx, leg, portfolio, profile); err != nil {
			s.logger.Warn("signal failed final validation",
				zap.String("symbol", leg.Symbol), zap.Error(err))
			notes = append(notes, err.Error())
			continue
		}
		validLegs = append(validLegs, leg)
	}
	if len(validLegs) > 0 {
		trades, err := s.executor.ExecuteArbitrage(ctx, accountID, validLegs)
		if err != nil {
			s.logger.Error("arbitrage execution failed", zap.Error(err))
			notes = append(notes, err.Error())
		} else {
			executed += len(trades)
		}
	}

	for _, sig := range directional {
		if err := s.executor.ValidateForExecution(ctx, sig, portfolio, profile); err != nil {
			s.logger.Warn("signal failed final validation",
				zap.String("symbol", sig.Symbol), zap.Error(err))
			notes = append(notes, err.Error())
			continue
		}
		if _, err := s.executor.Execute(ctx, accountID, sig); err != nil {
			s.logger.Error("signal execution failed",
				zap.String("symbol", sig.Symbol), zap.Error(err))
			notes = append(notes, err.Error())
			continue
		}
		executed++
	}
	return executed, notes
}

// Execute 实现协调器的端点执行接口，行情端点转给行情服务，流水线端点触发完整决策
func (s *OrchestratorService) Execute(ctx context.Context, endpoint string, params map[string]string) (json.RawMessage, error) {
	if endpoint != EndpointTradingPipeline {
		return s.market.Execute(ctx, endpoint, params)
	}
	req := PipelineRequest{
		AccountID:    params["account_id"],
		AnalysisType: params["analysis_type"],
		Source:       TriggerCoordinator,
	}
	if raw := params["symbols"]; raw != "" {
		req.Symbols = strings.Split(raw, ",")
	}
	result := s.TriggerPipeline(ctx, req)
	return json.Marshal(result)
}

// ExecuteBatch 批量端点直接转给行情服务
func (s *OrchestratorService) ExecuteBatch(ctx context.Context, endpoint string, symbols []string, params map[string]string) (map[string]json.RawMessage, error) {
	return s.market.ExecuteBatch(ctx, endpoint, symbols, params)
}

// AssessEmergency 实时推导账户风控遥测并评估应急等级
func (s *OrchestratorService) AssessEmergency(ctx context.Context, accountID string) (EmergencyLevel, *RiskMetrics, error) {
	portfolio, err := s.portfolios.GetPortfolio(ctx, accountID)
	if err != nil {
		return LevelNormal, nil, err
	}
	metrics := s.portfolios.DeriveRiskMetrics(ctx, portfolio)
	return s.emergency.Assess(*metrics), metrics, nil
}

// ExecuteEmergency 手动触发指定等级的应急响应
func (s *OrchestratorService) ExecuteEmergency(ctx context.Context, accountID string, level EmergencyLevel, reason string) (*models.EmergencyAction, error) {
	portfolio, err := s.portfolios.GetPortfolio(ctx, accountID)
	if err != nil {
		return nil, err
	}
	metrics := s.portfolios.DeriveRiskMetrics(ctx, portfolio)
	return s.emergency.Execute(ctx, accountID, level, portfolio, *metrics, reason)
}

// ResumeEmergency 人工确认后恢复交易
func (s *OrchestratorService) ResumeEmergency(ctx context.Context, accountID string) error {
	return s.emergency.Resume(ctx, accountID)
}

// GetRun 查询单次流水线执行记录
func (s *OrchestratorService) GetRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	run, err := s.runRepo.FindById(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// RecentRuns 查询账户最近的流水线执行记录
func (s *OrchestratorService) RecentRuns(ctx context.Context, accountID string, limit int) ([]models.PipelineRun, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.runRepo.FindRecentByAccount(ctx, accountID, limit)
}

func (s *OrchestratorService) acquire(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[accountID] {
		return false
	}
	s.running[accountID] = true
	return true
}

func (s *OrchestratorService) release(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, accountID)
}

// finish 回填结果并持久化本次运行，每次触发都会留下一条记录
func (s *OrchestratorService) finish(ctx context.Context, result *PipelineResult, req PipelineRequest,
	status, failedPhase string, phases []PhaseRecord, startedAt time.Time, runErr error) *PipelineResult {
	result.Phases = phases
	if runErr != nil {
		result.Error = runErr.Error()
	}

	phasesJSON, err := json.Marshal(phases)
	if err != nil {
		s.logger.Error("failed to marshal phase records", zap.Error(err))
		phasesJSON = []byte("[]")
	}
	run := &models.PipelineRun{
		ID:            result.RunID,
		AccountID:     req.AccountID,
		TriggerSource: req.Source,
		Mode:          result.Mode,
		Status:        status,
		Phases:        phasesJSON,
		FailedPhase:   failedPhase,
		TradesPlaced:  result.TradesExecuted,
		DurationMs:    time.Since(startedAt).Milliseconds(),
	}
	if err := s.runRepo.Create(ctx, run); err != nil {
		s.logger.Error("failed to persist pipeline run",
			zap.String("run_id", run.ID), zap.Error(err))
	}

	s.logger.Info("pipeline run finished",
		zap.String("run_id", result.RunID),
		zap.String("account_id", req.AccountID),
		zap.String("status", status),
		zap.String("emergency_level", result.EmergencyLevel),
		zap.Int("trades", result.TradesExecuted),
		zap.Int64("duration_ms", run.DurationMs))
	return result
}

func appendPhase(phases []PhaseRecord, name string, started time.Time,
	status string, payload map[string]interface{}, err error) []PhaseRecord {
	record := PhaseRecord{
		Name:       name,
		Status:     status,
		DurationMs: time.Since(started).Milliseconds(),
		Payload:    payload,
	}
	if err != nil {
		record.Error = err.Error()
	}
	return append(phases, record)
}

func promoteToFront(names []string, target string) []string {
	for i, name := range names {
		if name == target && i > 0 {
			out := make([]string, 0, len(names))
			out = append(out, target)
			out = append(out, names[:i]...)
			out = append(out, names[i+1:]...)
			return out
		}
	}
	return names
}
