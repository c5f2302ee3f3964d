//go:build wireinject
// +build wireinject

package internal

import (
	"github.com/dushixiang/argus/internal/config"
	"github.com/dushixiang/argus/internal/handler"
	"github.com/dushixiang/argus/internal/repo"
	"github.com/dushixiang/argus/internal/service"
	"github.com/dushixiang/argus/internal/telegram"
	"github.com/google/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	infraSet = wire.NewSet(
		provideBinanceClient,
		provideExchange,
		provideOpenAIClient,
		provideCache,
		newNotifierRelay,
		wire.Bind(new(service.Notifier), new(*notifierRelay)),
	)

	repoSet = wire.NewSet(
		repo.NewEmergencyActionRepo,
		repo.NewPipelineRunRepo,
		repo.NewTradeRepo,
		repo.NewConsensusLogRepo,
	)

	serviceSet = wire.NewSet(
		service.NewIndicatorService,
		service.NewMarketService,
		service.NewAccountService,
		service.NewModeService,
		service.NewPromptService,
		service.NewStrategyService,
		service.NewRiskService,
		service.NewPerformanceService,
		service.NewExecutorService,
		service.NewEmergencyService,
		service.NewConsensusService,
		service.NewOrchestratorService,
		service.NewCoordinatorService,
		service.NewAutopilotService,
		service.NewAssistantService,
		service.NewAdminConfigService,
		provideAuthService,
		wire.Bind(new(service.PortfolioProvider), new(*service.AccountService)),
		wire.Bind(new(service.AccountDirectory), new(*service.AccountService)),
		wire.Bind(new(service.MarketAnalysis), new(*service.MarketService)),
		wire.Bind(new(service.MarketObserver), new(*service.MarketService)),
		wire.Bind(new(service.SignalGenerator), new(*service.StrategyService)),
		wire.Bind(new(service.RiskSizing), new(*service.RiskService)),
		wire.Bind(new(service.ConsensusValidator), new(*service.ConsensusService)),
		wire.Bind(new(service.TradeExecutor), new(*service.ExecutorService)),
		wire.Bind(new(service.EndpointExecutor), new(*service.OrchestratorService)),
		wire.Bind(new(service.PipelineTrigger), new(*service.OrchestratorService)),
	)

	handlerSet = wire.NewSet(
		handler.NewTradingHandler,
		handler.NewCoordinatorHandler,
		handler.NewAuthHandler,
		handler.NewAdminHandler,
		handler.NewSetupHandler,
	)
)

// InitializeApp 初始化应用
func InitializeApp(logger *zap.Logger, db *gorm.DB, conf *config.Config) (*AppComponents, error) {
	wire.Build(
		infraSet,
		repoSet,
		serviceSet,
		handlerSet,
		wire.Struct(new(telegram.Dependencies), "*"),
		provideTelegram,
		wire.Struct(new(AppComponents), "*"),
	)
	return nil, nil
}
